// Package executor runs calls against an external transformation service
// with bounded concurrency, paced submission and typed retries.
package executor

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency is the in-flight bound when none is configured.
const DefaultConcurrency = 5

// Task performs one attempt of a transformation.
type Task func(ctx context.Context) error

// Attempt describes a single call, reported to the Observer.
type Attempt struct {
	Key      string
	Number   int
	Kind     Kind // KindNone on success
	Err      error
	Duration time.Duration
	Delay    time.Duration // wait before the next attempt
	Final    bool
}

// Observer receives every attempt.
type Observer func(Attempt)

// Result is the outcome of an item after all attempts.
type Result struct {
	Key      string
	Attempts int
	Kind     Kind
	Err      error
}

// OK reports success.
func (r Result) OK() bool {
	return r.Err == nil
}

// Config controls load against the external service.
type Config struct {
	Concurrency   int
	RatePerMinute float64
	Pacing        PacingMode
	Policy        Policy
}

// Option customizes an Executor.
type Option func(*Executor)

// WithObserver adds an attempt observer. The default logger hook stays.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observers = append(e.observers, o) }
}

// WithSleep replaces the backoff and pacing sleep.
func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithRand seeds the pacing jitter.
func WithRand(r *rand.Rand) Option {
	return func(e *Executor) { e.rng = r }
}

// WithClock replaces the pacing clock.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithLogger sets the logger used by the default attempt hook.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// Executor bounds and paces calls and retries failed ones.
type Executor struct {
	cfg       Config
	sem       *semaphore.Weighted
	pacer     *Pacer
	sleep     SleepFunc
	rng       *rand.Rand
	now       func() time.Time
	logger    *slog.Logger
	observers []Observer

	wg sync.WaitGroup
}

// New creates an executor.
func New(cfg Config, opts ...Option) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Pacing == "" {
		cfg.Pacing = PacingPoisson
	}
	cfg.Policy = cfg.Policy.withDefaults()

	e := &Executor{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		sleep:  sleepCtx,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.pacer = NewPacer(cfg.RatePerMinute, cfg.Pacing, e.rng, e.sleep, e.now)
	return e
}

// Config returns the effective configuration.
func (e *Executor) Config() Config {
	return e.cfg
}

// Do paces, waits for a slot and runs task with retries on the calling
// goroutine.
func (e *Executor) Do(ctx context.Context, key string, task Task) Result {
	if err := e.pacer.Wait(ctx); err != nil {
		return Result{Key: key, Kind: KindCanceled, Err: err}
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return Result{Key: key, Kind: KindCanceled, Err: err}
	}
	defer e.sem.Release(1)
	return e.run(ctx, key, task)
}

// Submit paces and waits for a free slot under ctx, then runs task in the
// background under runCtx and hands the result to done. The slot is held
// until done returns. It returns an error only when ctx ends before the task
// could be started.
func (e *Executor) Submit(ctx, runCtx context.Context, key string, task Task, done func(Result)) error {
	if err := e.pacer.Wait(ctx); err != nil {
		return err
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.sem.Release(1)
		done(e.run(runCtx, key, task))
	}()
	return nil
}

// Wait blocks until every submitted task has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) run(ctx context.Context, key string, task Task) Result {
	policy := e.cfg.Policy
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Key: key, Attempts: attempt - 1, Kind: KindCanceled, Err: err}
		}

		start := time.Now()
		err := task(ctx)
		a := Attempt{Key: key, Number: attempt, Duration: time.Since(start), Err: err}

		if err == nil {
			a.Final = true
			e.observe(a)
			return Result{Key: key, Attempts: attempt}
		}

		a.Kind = Classify(err)
		if ctx.Err() != nil {
			a.Kind = KindCanceled
		}
		a.Final = a.Kind == KindFatal || a.Kind == KindCanceled || attempt >= policy.MaxAttempts
		if !a.Final {
			a.Delay = policy.Delay(a.Kind, attempt, err)
		}
		e.observe(a)

		if a.Final {
			return Result{Key: key, Attempts: attempt, Kind: a.Kind, Err: err}
		}
		if serr := e.sleep(ctx, a.Delay); serr != nil {
			return Result{Key: key, Attempts: attempt, Kind: KindCanceled, Err: serr}
		}
	}
}

func (e *Executor) observe(a Attempt) {
	e.logAttempt(a)
	for _, o := range e.observers {
		o(a)
	}
}

func (e *Executor) logAttempt(a Attempt) {
	attrs := []any{
		"key", a.Key,
		"attempt", a.Number,
		"outcome", a.Kind.String(),
		"duration_ms", a.Duration.Milliseconds(),
	}
	switch {
	case a.Err == nil:
		e.logger.Debug("attempt succeeded", attrs...)
	case a.Final:
		e.logger.Warn("attempt failed, giving up", append(attrs, "error", a.Err)...)
	default:
		e.logger.Info("attempt failed, retrying", append(attrs, "delay_ms", a.Delay.Milliseconds(), "error", a.Err)...)
	}
}
