package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSleep records requested delays without waiting.
type fakeSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (f *fakeSleep) sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.delays = append(f.delays, d)
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeSleep) recorded() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

// scripted fails with the given errors in order, then succeeds.
func scripted(calls *atomic.Int32, errs ...error) Task {
	return func(ctx context.Context) error {
		n := int(calls.Add(1))
		if n <= len(errs) {
			return errs[n-1]
		}
		return nil
	}
}

func newTestExecutor(cfg Config, sl *fakeSleep, opts ...Option) *Executor {
	opts = append([]Option{WithSleep(sl.sleep)}, opts...)
	return New(cfg, opts...)
}

func TestFatalIsNotRetried(t *testing.T) {
	sl := &fakeSleep{}
	e := newTestExecutor(Config{}, sl)
	var calls atomic.Int32

	res := e.Do(context.Background(), "bad.jpg", func(ctx context.Context) error {
		calls.Add(1)
		return Fatal(errors.New("unsupported image"))
	})

	assert.False(t, res.OK())
	assert.Equal(t, KindFatal, res.Kind)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, sl.recorded())
}

func TestSucceedsOnLastAllowedAttempt(t *testing.T) {
	sl := &fakeSleep{}
	e := newTestExecutor(Config{Policy: Policy{MaxAttempts: 4}}, sl)
	var calls atomic.Int32

	res := e.Do(context.Background(), "k", scripted(&calls,
		Transient(errors.New("502")),
		RateLimited(errors.New("429"), 0),
		errors.New("connection reset"),
	))

	require.True(t, res.OK())
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, int32(4), calls.Load())
}

func TestExhaustedRetriesKeepLastError(t *testing.T) {
	sl := &fakeSleep{}
	e := newTestExecutor(Config{}, sl)
	var calls atomic.Int32
	last := Transient(errors.New("third"))

	res := e.Do(context.Background(), "k", scripted(&calls,
		Transient(errors.New("first")),
		Transient(errors.New("second")),
		last,
	))

	assert.False(t, res.OK())
	assert.Equal(t, DefaultMaxAttempts, res.Attempts)
	assert.Equal(t, last, res.Err)
	assert.Equal(t, KindTransient, res.Kind)
	assert.Len(t, sl.recorded(), DefaultMaxAttempts-1)
}

func TestRetryDelays(t *testing.T) {
	policy := Policy{
		MaxAttempts:    5,
		RateLimitBase:  10 * time.Second,
		Cooldown:       2 * time.Minute,
		TransientDelay: 3 * time.Second,
	}

	tests := []struct {
		name string
		errs []error
		want []time.Duration
	}{
		{
			name: "rate limit backs off linearly",
			errs: []error{RateLimited(errors.New("a"), 0), RateLimited(errors.New("b"), 0), RateLimited(errors.New("c"), 0)},
			want: []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second},
		},
		{
			name: "cooldown signal waits fixed",
			errs: []error{fmt.Errorf("quota: %w", ErrRateLimitCooldown), fmt.Errorf("quota: %w", ErrRateLimitCooldown)},
			want: []time.Duration{2 * time.Minute, 2 * time.Minute},
		},
		{
			name: "transient waits short fixed",
			errs: []error{Transient(errors.New("a")), Transient(errors.New("b"))},
			want: []time.Duration{3 * time.Second, 3 * time.Second},
		},
		{
			name: "retry-after wins",
			errs: []error{RateLimited(errors.New("a"), 42*time.Second)},
			want: []time.Duration{42 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sl := &fakeSleep{}
			e := newTestExecutor(Config{Policy: policy}, sl)
			var calls atomic.Int32

			res := e.Do(context.Background(), "k", scripted(&calls, tt.errs...))

			require.True(t, res.OK())
			assert.Equal(t, tt.want, sl.recorded())
		})
	}
}

func TestObserverSeesEveryAttempt(t *testing.T) {
	sl := &fakeSleep{}
	var mu sync.Mutex
	var seen []Attempt
	e := newTestExecutor(Config{}, sl, WithObserver(func(a Attempt) {
		mu.Lock()
		seen = append(seen, a)
		mu.Unlock()
	}))
	var calls atomic.Int32

	e.Do(context.Background(), "img", scripted(&calls, RateLimited(errors.New("429"), 0)))

	require.Len(t, seen, 2)
	assert.Equal(t, 1, seen[0].Number)
	assert.Equal(t, KindRateLimited, seen[0].Kind)
	assert.False(t, seen[0].Final)
	assert.Equal(t, 2, seen[1].Number)
	assert.Equal(t, KindNone, seen[1].Kind)
	assert.True(t, seen[1].Final)
}

func TestCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := New(Config{}, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	var calls atomic.Int32

	res := e.Do(ctx, "k", scripted(&calls, Transient(errors.New("x")), Transient(errors.New("y"))))

	assert.Equal(t, KindCanceled, res.Kind)
	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestTaskCanceledWithLiveContextIsRetried(t *testing.T) {
	sl := &fakeSleep{}
	e := newTestExecutor(Config{}, sl)
	var calls atomic.Int32

	res := e.Do(context.Background(), "k", scripted(&calls, fmt.Errorf("sdk: %w", context.Canceled)))

	require.True(t, res.OK())
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, sl.recorded(), 1)
}

func TestSubmitBoundsConcurrency(t *testing.T) {
	const limit = 3
	e := New(Config{Concurrency: limit})
	ctx := context.Background()

	var inFlight, peak atomic.Int32
	var done atomic.Int32
	release := make(chan struct{})

	task := func(ctx context.Context) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return nil
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	for i := range 12 {
		err := e.Submit(ctx, ctx, fmt.Sprintf("k%d", i), task, func(r Result) {
			done.Add(1)
		})
		require.NoError(t, err)
	}
	e.Wait()

	assert.Equal(t, int32(12), done.Load())
	assert.LessOrEqual(t, peak.Load(), int32(limit))
}

func TestSubmitStopsWhenContextEnds(t *testing.T) {
	e := New(Config{Concurrency: 1})
	ctx, cancel := context.WithCancel(context.Background())
	block := make(chan struct{})

	require.NoError(t, e.Submit(ctx, context.Background(), "a", func(context.Context) error {
		<-block
		return nil
	}, func(Result) {}))

	cancel()
	err := e.Submit(ctx, context.Background(), "b", func(context.Context) error { return nil }, func(Result) {})
	assert.ErrorIs(t, err, context.Canceled)

	close(block)
	e.Wait()
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"fatal", Fatal(errors.New("x")), KindFatal},
		{"rate limited", RateLimited(errors.New("x"), 0), KindRateLimited},
		{"cooldown", ErrRateLimitCooldown, KindRateLimited},
		{"transient", Transient(errors.New("x")), KindTransient},
		{"unknown", errors.New("mystery"), KindTransient},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"canceled", fmt.Errorf("call: %w", context.Canceled), KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

// clockSleep advances a fake clock by every requested delay.
type clockSleep struct {
	fakeSleep
	at time.Time
}

func (c *clockSleep) sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.at = c.at.Add(d)
	c.mu.Unlock()
	return c.fakeSleep.sleep(ctx, d)
}

func (c *clockSleep) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func TestPoissonPacingMean(t *testing.T) {
	sl := &clockSleep{at: time.Unix(0, 0)}
	p := NewPacer(120, PacingPoisson, rand.New(rand.NewPCG(1, 2)), sl.sleep, sl.now)
	require.Equal(t, 500*time.Millisecond, p.Mean())

	const n = 4000
	for range n {
		require.NoError(t, p.Wait(context.Background()))
	}

	var total time.Duration
	for _, d := range sl.recorded() {
		total += d
	}
	mean := total / n
	assert.InDelta(t, float64(500*time.Millisecond), float64(mean), float64(50*time.Millisecond))
}

func TestPacingDisabled(t *testing.T) {
	sl := &fakeSleep{}
	p := NewPacer(0, PacingPoisson, nil, sl.sleep, nil)
	require.NoError(t, p.Wait(context.Background()))
	assert.Empty(t, sl.recorded())
}

func TestSteadyPacing(t *testing.T) {
	p := NewPacer(6000, PacingSteady, nil, nil, nil)
	ctx := context.Background()

	start := time.Now()
	for range 3 {
		require.NoError(t, p.Wait(ctx))
	}
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestConcurrentCallersShareSchedule(t *testing.T) {
	const callers = 20
	mean := 100 * time.Millisecond

	// Draws happen in order under the pacer lock, so the last slot is the
	// sum of all gaps whichever goroutine claims it.
	draws := rand.New(rand.NewPCG(7, 9))
	var last time.Duration
	for range callers {
		last += time.Duration(draws.ExpFloat64() * float64(mean))
	}

	sl := &fakeSleep{}
	frozen := time.Unix(0, 0)
	e := newTestExecutor(Config{Concurrency: callers, RatePerMinute: 600}, sl,
		WithRand(rand.New(rand.NewPCG(7, 9))),
		WithClock(func() time.Time { return frozen }),
	)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := e.Do(context.Background(), fmt.Sprintf("k%d", i), func(context.Context) error { return nil })
			assert.True(t, res.OK())
		}()
	}
	wg.Wait()

	delays := sl.recorded()
	require.Len(t, delays, callers)
	slices.Sort(delays)
	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1])
	}
	assert.Equal(t, last, delays[callers-1])
}
