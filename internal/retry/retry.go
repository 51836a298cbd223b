// Package retry provides the shared transient-vs-permanent error policy
// used by every component that talks to an external service. Components
// classify failures once, at the edge; callers branch on the tag instead
// of inspecting error text.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for retry purposes.
type Kind int

const (
	// KindTransient failures (timeouts, 5xx, 429) are retried with backoff.
	KindTransient Kind = iota
	// KindPermanent failures (permission denied, invalid input, missing
	// resource) are returned immediately, untouched by retry.
	KindPermanent
)

// Error tags an underlying error with a retry classification. A 429
// response may carry the server's requested delay in RetryAfter.
type Error struct {
	Kind       Kind
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == KindPermanent {
		return fmt.Sprintf("permanent: %v", e.Err)
	}
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) *Error { return &Error{Kind: KindTransient, Err: err} }

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) *Error { return &Error{Kind: KindPermanent, Err: err} }

// IsTransient reports whether err is classified transient. Unclassified
// errors are treated as transient: the caller can't know better, and a
// bounded retry of an unknown failure is cheaper than a false escalation.
func IsTransient(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == KindTransient
	}
	return true
}

// IsPermanent reports whether err is classified permanent.
func IsPermanent(err error) bool { return !IsTransient(err) }

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int           // total attempts, including the first
	InitialWait time.Duration // backoff before the second attempt
	MaxWait     time.Duration // backoff cap
}

// DefaultPolicy matches the session-creation contract: 3 attempts,
// exponential backoff starting at 2s, capped at 30s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialWait: 2 * time.Second, MaxWait: 30 * time.Second}
}

// Do runs fn under the policy. Permanent errors abort immediately.
// Transient errors are retried with doubling backoff; a server-provided
// Retry-After overrides the computed wait. The context cancels waits.
func Do(ctx context.Context, p Policy, fn func() error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	wait := p.InitialWait

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := wait
			var re *Error
			if errors.As(lastErr, &re) && re.RetryAfter > 0 {
				delay = re.RetryAfter
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			wait = min(wait*2, p.MaxWait)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("after %d attempts: %w", p.MaxAttempts, lastErr)
}
