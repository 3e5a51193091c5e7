package store

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsTransientMatchesKnownSubstrings(t *testing.T) {
	cases := []string{
		"connection lost unexpectedly",
		"Connection Reset by peer",
		"connection refused",
		"broken pipe",
		"enqueue-after-fatal error",
		"operation timed out",
		"too many connections",
		"terminating connection due to administrator command",
	}
	for _, msg := range cases {
		assert.True(t, isTransient(errors.New(msg)), "expected %q to be transient", msg)
	}
}

func TestIsTransientRejectsUnrelatedErrors(t *testing.T) {
	assert.False(t, isTransient(errors.New("syntax error at or near \"SELCT\"")))
}

func TestIsTransientRejectsWellFormedPgError(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", Message: "duplicate key value"}
	assert.False(t, isTransient(pgErr))
}

func TestIsTransientAcceptsConnectError(t *testing.T) {
	connErr := &pgconn.ConnectError{}
	assert.True(t, isTransient(connErr))
}

func TestExpBackoffDoublesAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	cap := 1 * time.Second

	assert.Equal(t, base, expBackoff(1, base, cap))
	assert.Equal(t, 200*time.Millisecond, expBackoff(2, base, cap))
	assert.Equal(t, 400*time.Millisecond, expBackoff(3, base, cap))
	assert.Equal(t, cap, expBackoff(10, base, cap))
}

func TestQueryAndProbeBackoffFallBackToDefaultCap(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, queryBackoff(1, 0))
	assert.Equal(t, 200*time.Millisecond, probeBackoff(1, 0))
}
