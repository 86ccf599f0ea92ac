package main

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSchema tracks a version counter in place of a database.
type fakeSchema struct {
	version uint
	latest  uint
	dirty   bool
	downErr error
}

func (f *fakeSchema) schema() schema {
	return schema{
		up: func(*sql.DB) error {
			f.version = f.latest
			return nil
		},
		down: func(*sql.DB) error {
			if f.downErr != nil {
				return f.downErr
			}
			if f.version > 0 {
				f.version--
			}
			return nil
		},
		version: func(*sql.DB) (uint, bool, error) { return f.version, f.dirty, nil },
	}
}

func TestRunUpAndDown(t *testing.T) {
	f := &fakeSchema{latest: 4}

	require.NoError(t, run(nil, f.schema(), "up", 1))
	assert.Equal(t, uint(4), f.version)

	require.NoError(t, run(nil, f.schema(), "down", 3))
	assert.Equal(t, uint(1), f.version)

	require.NoError(t, run(nil, f.schema(), "version", 1))
	assert.Equal(t, uint(1), f.version)
}

func TestRunErrors(t *testing.T) {
	f := &fakeSchema{latest: 2, version: 2}

	assert.ErrorIs(t, run(nil, f.schema(), "", 1), errUsage)
	assert.ErrorIs(t, run(nil, f.schema(), "sideways", 1), errUsage)
	assert.Error(t, run(nil, f.schema(), "down", 0))

	f.downErr = errors.New("locked")
	err := run(nil, f.schema(), "down", 2)
	assert.ErrorContains(t, err, "rollback 1 of 2")
	assert.Equal(t, uint(2), f.version)

	f.downErr = nil
	f.dirty = true
	assert.ErrorContains(t, run(nil, f.schema(), "version", 1), "dirty at version 2")
}
