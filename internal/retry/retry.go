// Package retry runs operations with bounded, jittered exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the total number of calls, including the first.
	Attempts int
	// BaseDelay is doubled after every failed attempt, with +-25% jitter.
	BaseDelay time.Duration
	// MaxDelay caps a single sleep. Zero means no cap.
	MaxDelay time.Duration
	// RetryIf limits retries to matching errors. Nil retries everything
	// except permanent errors.
	RetryIf func(error) bool
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do calls fn until it succeeds, returns a permanent or non-matching error,
// the attempts are used up, or ctx is cancelled. Permanent errors are
// returned unwrapped.
func Do(ctx context.Context, p Policy, fn func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if p.RetryIf != nil && !p.RetryIf(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay, p.MaxDelay)):
		}
		delay *= 2
	}

	return err
}

func jittered(delay, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	if delay <= 0 {
		return 0
	}
	jitter := delay / 4
	return delay - jitter + time.Duration(randInt64n(int64(2*jitter+1)))
}

// randInt64n returns a random int64 in [0, n) using crypto/rand.
func randInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0
}
