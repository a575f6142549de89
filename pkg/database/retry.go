package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 25 * time.Millisecond
	maxRetryBackoff      = 400 * time.Millisecond
)

// RetryPolicy bounds transparent retries of transient store failures.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
	// OnRetry is invoked before each retry sleep; used for metrics.
	OnRetry func(attempt int, err error)
}

// Normalize fills zero values with defaults.
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = defaultRetryAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = defaultRetryBackoff
	}
	return p
}

// Retry runs op until it succeeds, fails with a non-transient error, or the attempts run out.
// The last error is returned unwrapped so callers can still classify it.
func Retry(ctx context.Context, policy RetryPolicy, op func() error) error {
	policy = policy.Normalize()
	delay := policy.Backoff
	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) || attempt == policy.Attempts {
			break
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, lastErr)
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		if next := delay * 2; next <= maxRetryBackoff {
			delay = next
		}
	}
	return lastErr
}

// IsTransient reports whether err is a connectivity-class failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08":
			return true
		case pqErr.Code == "40001", pqErr.Code == "40P01", pqErr.Code == "57P01", pqErr.Code == "57P03":
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset")
}

// IsUniqueViolation reports whether err is a unique_violation, optionally on a named constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}
