package executor

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PacingMode selects how submissions are spread over time.
type PacingMode string

const (
	// PacingPoisson draws exponential inter-submission gaps with mean
	// 60/rate_per_minute seconds.
	PacingPoisson PacingMode = "poisson"
	// PacingSteady uses a token bucket with burst 1.
	PacingSteady PacingMode = "steady"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Pacer spaces out submissions to approximate a target rate. Callers share
// one schedule: each reserves the slot one gap after the previous one.
type Pacer struct {
	mode    PacingMode
	mean    time.Duration
	limiter *rate.Limiter
	sleep   SleepFunc
	now     func() time.Time

	mu     sync.Mutex
	rng    *rand.Rand
	nextAt time.Time
}

// NewPacer returns a pacer for ratePerMinute. A non-positive rate disables
// pacing. A nil now uses time.Now.
func NewPacer(ratePerMinute float64, mode PacingMode, rng *rand.Rand, sleep SleepFunc, now func() time.Time) *Pacer {
	p := &Pacer{mode: mode, rng: rng, sleep: sleep, now: now}
	if p.sleep == nil {
		p.sleep = sleepCtx
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5a17))
	}
	if ratePerMinute <= 0 {
		return p
	}
	p.mean = time.Duration(float64(time.Minute) / ratePerMinute)
	if mode == PacingSteady {
		p.limiter = rate.NewLimiter(rate.Limit(ratePerMinute/60), 1)
	}
	return p
}

// Mean returns the target gap between submissions.
func (p *Pacer) Mean() time.Duration {
	return p.mean
}

// Wait blocks until the next submission may go out.
func (p *Pacer) Wait(ctx context.Context) error {
	if p.mean <= 0 {
		return ctx.Err()
	}
	if p.limiter != nil {
		return p.limiter.Wait(ctx)
	}
	return p.sleep(ctx, p.reserve())
}

// reserve claims the next slot and returns how long until it.
func (p *Pacer) reserve() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if p.nextAt.Before(now) {
		p.nextAt = now
	}
	p.nextAt = p.nextAt.Add(time.Duration(p.rng.ExpFloat64() * float64(p.mean)))
	return p.nextAt.Sub(now)
}
