// Package telemetry provides Prometheus metrics, tracing and correlation-id
// aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Command outcomes recorded by the dispatcher.
const (
	OutcomeOK         = "ok"
	OutcomeValidation = "validation"
	OutcomeUsage      = "usage"
	OutcomeError      = "error"
	OutcomeDenied     = "denied"
	OutcomeCooldown   = "cooldown"
	OutcomeTimeout    = "timeout"
)

var (
	once sync.Once

	// Counters
	CommandsTotal     *prometheus.CounterVec
	PermissionDenials *prometheus.CounterVec
	CooldownHits      *prometheus.CounterVec
	LedgerDebits      *prometheus.CounterVec
	StrikesTotal      *prometheus.CounterVec
	ChatMessages      prometheus.Counter

	// Histograms (seconds)
	CommandDuration *prometheus.HistogramVec

	// Gauges
	InflightHandlers prometheus.Gauge
)

// Init registers metrics (idempotent). The Observe helpers below are no-ops
// until Init has run, so packages can record unconditionally.
func Init() {
	once.Do(func() {
		CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_commands_total", Help: "Dispatched chat commands by outcome"}, []string{"command", "outcome"})
		PermissionDenials = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_permission_denials_total", Help: "Commands refused for insufficient permission"}, []string{"level"})
		CooldownHits = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_cooldown_hits_total", Help: "Commands suppressed by an active cooldown"}, []string{"command"})
		LedgerDebits = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_ledger_debits_total", Help: "Conditional point debits by result"}, []string{"result"})
		StrikesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_strikes_total", Help: "Strikes issued by escalation action"}, []string{"action"})
		ChatMessages = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_chat_messages_total", Help: "Chat messages received"})
		CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "bot_command_duration_seconds", Help: "Command handler duration seconds", Buckets: prometheus.DefBuckets}, []string{"command"})
		InflightHandlers = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_inflight_handlers", Help: "Command handlers currently running"})
	})
}

// ObserveCommand records one dispatched command.
func ObserveCommand(command, outcome string, d time.Duration) {
	if CommandsTotal == nil {
		return
	}
	CommandsTotal.WithLabelValues(command, outcome).Inc()
	if d > 0 {
		CommandDuration.WithLabelValues(command).Observe(d.Seconds())
	}
}

func ObservePermissionDenial(level string) {
	if PermissionDenials != nil {
		PermissionDenials.WithLabelValues(level).Inc()
	}
}

func ObserveCooldownHit(command string) {
	if CooldownHits != nil {
		CooldownHits.WithLabelValues(command).Inc()
	}
}

// ObserveDebit records a conditional debit attempt.
func ObserveDebit(ok bool) {
	if LedgerDebits == nil {
		return
	}
	if ok {
		LedgerDebits.WithLabelValues("ok").Inc()
	} else {
		LedgerDebits.WithLabelValues("insufficient").Inc()
	}
}

func ObserveStrike(action string) {
	if StrikesTotal != nil {
		StrikesTotal.WithLabelValues(action).Inc()
	}
}

func ObserveChatMessage() {
	if ChatMessages != nil {
		ChatMessages.Inc()
	}
}

// TrackInflight increments the in-flight gauge and returns the matching decrement.
func TrackInflight() func() {
	if InflightHandlers == nil {
		return func() {}
	}
	InflightHandlers.Inc()
	return InflightHandlers.Dec
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
