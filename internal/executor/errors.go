package executor

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors a transformation capability wraps its failures with.
var (
	// ErrRateLimited means the service asked us to slow down.
	ErrRateLimited = errors.New("rate limited")

	// ErrRateLimitCooldown is the dedicated quota signal that calls for a
	// long fixed cooldown instead of a short backoff.
	ErrRateLimitCooldown = fmt.Errorf("%w: cooldown requested", ErrRateLimited)

	// ErrTransient covers network and server-side failures worth retrying.
	ErrTransient = errors.New("transient failure")

	// ErrFatal means retrying cannot help (bad input, auth, bad request).
	ErrFatal = errors.New("fatal failure")
)

// Kind is the retry class of a failed attempt.
type Kind int

const (
	KindNone Kind = iota
	KindRateLimited
	KindTransient
	KindFatal
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name written by MarshalText.
func (k *Kind) UnmarshalText(text []byte) error {
	for kind := KindNone; kind <= KindCanceled; kind++ {
		if kind.String() == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", text)
}

// Classify maps err to its retry class. Errors that carry none of the
// sentinels are treated as transient so they get the bounded retry. A
// context.Canceled from the task is transient too: cancellation of the run
// is read from the run context, not from the task error.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrFatal):
		return KindFatal
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	default:
		return KindTransient
	}
}

// Fatal wraps err so it classifies as KindFatal.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// Transient wraps err so it classifies as KindTransient.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// RateLimited wraps err so it classifies as KindRateLimited. A positive
// retryAfter overrides the policy delay for the next attempt.
func RateLimited(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryAfterError{err: fmt.Errorf("%w: %w", ErrRateLimited, err), after: retryAfter}
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e *retryAfterError) Error() string              { return e.err.Error() }
func (e *retryAfterError) Unwrap() error              { return e.err }
func (e *retryAfterError) RetryAfter() time.Duration { return e.after }

// retryAfter extracts a server-provided delay, if any.
func retryAfter(err error) (time.Duration, bool) {
	var ra interface{ RetryAfter() time.Duration }
	if errors.As(err, &ra) && ra.RetryAfter() > 0 {
		return ra.RetryAfter(), true
	}
	return 0, false
}
