package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProbeURL(t *testing.T) {
	tests := map[string]string{
		"":              "http://localhost:8080/healthz",
		":9000":         "http://localhost:9000/healthz",
		"0.0.0.0:8081":  "http://localhost:8081/healthz",
		"[::]:8082":     "http://localhost:8082/healthz",
		"10.1.2.3:8080": "http://10.1.2.3:8080/healthz",
		"bot.local":     "http://bot.local/healthz",
	}
	for addr, want := range tests {
		assert.Equal(t, want, healthURL(addr), addr)
	}
}
