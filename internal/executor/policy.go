package executor

import (
	"errors"
	"time"
)

// Default retry settings.
const (
	DefaultMaxAttempts    = 3
	DefaultRateLimitBase  = 5 * time.Second
	DefaultCooldown       = 2 * time.Minute
	DefaultTransientDelay = 5 * time.Second
)

// Policy decides how long to wait before retrying a failed attempt.
type Policy struct {
	// MaxAttempts is the total number of attempts per item, first one included.
	MaxAttempts int
	// RateLimitBase is multiplied by the attempt number after a rate limit.
	RateLimitBase time.Duration
	// Cooldown applies after ErrRateLimitCooldown.
	Cooldown time.Duration
	// TransientDelay is the fixed wait after a transient failure.
	TransientDelay time.Duration
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		RateLimitBase:  DefaultRateLimitBase,
		Cooldown:       DefaultCooldown,
		TransientDelay: DefaultTransientDelay,
	}
}

// withDefaults fills zero fields.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.RateLimitBase <= 0 {
		p.RateLimitBase = d.RateLimitBase
	}
	if p.Cooldown <= 0 {
		p.Cooldown = d.Cooldown
	}
	if p.TransientDelay <= 0 {
		p.TransientDelay = d.TransientDelay
	}
	return p
}

// Delay returns the wait before attempt+1 after attempt failed with err.
func (p Policy) Delay(kind Kind, attempt int, err error) time.Duration {
	if d, ok := retryAfter(err); ok {
		return d
	}
	switch kind {
	case KindRateLimited:
		if errors.Is(err, ErrRateLimitCooldown) {
			return p.Cooldown
		}
		return p.RateLimitBase * time.Duration(attempt)
	case KindTransient:
		return p.TransientDelay
	default:
		return 0
	}
}
