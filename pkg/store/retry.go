// retry.go retries statements that fail on transient SQLite contention.
//
// WAL-mode SQLite under concurrent ingestion can report SQLITE_BUSY,
// SQLITE_LOCKED or IOERR_SHORT_READ (522). busy_timeout absorbs most BUSY
// results at the connection level; the rest are retried here.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type retryConfig struct {
	maxRetries uint64
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// newBackOff returns the jittered exponential schedule for cfg, bounded by
// maxRetries and cancelled with ctx.
func (cfg retryConfig) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.baseDelay
	b.MaxInterval = cfg.maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, cfg.maxRetries), ctx)
}

var transientPatterns = []string{
	"SQLITE_BUSY",
	"SQLITE_LOCKED",
	"IOERR_SHORT_READ",
	"database is locked",
	"database table is locked",
	"(5)",
	"(6)",
	"(522)",
}

// isTransientSQLiteErr reports whether retrying err may succeed.
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// isUniqueViolation reports whether err came from a UNIQUE or PRIMARY KEY
// constraint (SQLITE_CONSTRAINT_UNIQUE 2067, SQLITE_CONSTRAINT_PRIMARYKEY 1555).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "(2067)") ||
		strings.Contains(msg, "(1555)")
}

// retryOp runs fn until it succeeds, fails permanently, exhausts
// cfg.maxRetries or ctx is done. Only transient errors are retried.
func retryOp(ctx context.Context, cfg retryConfig, fn func() error) error {
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !isTransientSQLiteErr(err) {
			return backoff.Permanent(err)
		}
		return err
	}, cfg.newBackOff(ctx))
}
