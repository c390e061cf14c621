// Package runner drives an ordered item sequence through the cache, the
// executor and the checkpoint so a run can stop at any point and resume
// without repeating finished work.
package runner

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/enrybds/sayless/internal/checkpoint"
	"github.com/enrybds/sayless/internal/executor"
	"github.com/enrybds/sayless/internal/store"
)

// Defaults applied to zero Config fields.
const (
	DefaultFlushEvery             = 10
	DefaultMaxConsecutiveFailures = 5
	DefaultGracePeriod            = 30 * time.Second
)

var (
	// ErrConsecutiveFailures is returned when a run aborts because too many
	// items failed in a row.
	ErrConsecutiveFailures = errors.New("consecutive failure threshold reached")

	// ErrAlreadyRunning is returned when Run is called on a running runner.
	ErrAlreadyRunning = errors.New("runner already running")
)

// Item is one unit of work. Key must be stable across runs.
type Item[P any] struct {
	Key     string
	Payload P
}

// Transform computes the result for an item. Failures should wrap the
// executor sentinels so they get the right retry treatment.
type Transform[P, V any] func(ctx context.Context, item Item[P]) (V, error)

// Config tunes a run.
type Config struct {
	// FlushEvery persists cache and checkpoint after this many processed items.
	FlushEvery int
	// MaxItems stops the run after this many items were sent to the
	// executor. Cached items do not count. Zero means no cap.
	MaxItems int
	// MaxConsecutiveFailures aborts the run after this many failed items in a row.
	MaxConsecutiveFailures int
	// GracePeriod is how long in-flight calls may continue after cancellation.
	GracePeriod time.Duration

	// Meta is stored alongside every result.
	Meta store.Meta
	// CostPerItem is the advisory cost of a successful item.
	CostPerItem float64
	// Cost overrides CostPerItem when set.
	Cost func(key string) float64

	Logger     *slog.Logger
	OnProgress func(Progress)
	// OnFlush observes every state flush.
	OnFlush func(d time.Duration, err error)
}

func (c Config) withDefaults() Config {
	if c.FlushEvery <= 0 {
		c.FlushEvery = DefaultFlushEvery
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Cost == nil {
		per := c.CostPerItem
		c.Cost = func(string) float64 { return per }
	}
	return c
}

// Runner owns one stage's store and checkpoint for the duration of a run.
type Runner[P, V any] struct {
	name      string
	store     *store.Store[V]
	cp        *checkpoint.Checkpoint
	exec      *executor.Executor
	transform Transform[P, V]
	cfg       Config
	logger    *slog.Logger

	mu    sync.Mutex
	state State
}

// New creates an idle runner.
func New[P, V any](name string, st *store.Store[V], cp *checkpoint.Checkpoint, exec *executor.Executor, transform Transform[P, V], cfg Config) *Runner[P, V] {
	cfg = cfg.withDefaults()
	return &Runner[P, V]{
		name:      name,
		store:     st,
		cp:        cp,
		exec:      exec,
		transform: transform,
		cfg:       cfg,
		logger:    cfg.Logger.With("stage", name),
	}
}

// State returns the current state.
func (r *Runner[P, V]) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner[P, V]) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRunning {
		return false
	}
	r.state = StateRunning
	return true
}

func (r *Runner[P, V]) finish(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run processes items starting at the checkpoint.
func (r *Runner[P, V]) Run(ctx context.Context, items []Item[P]) (Report, error) {
	return r.RunSeq(ctx, slices.Values(items), len(items))
}

// RunSeq processes seq starting at the checkpoint. Items before the
// checkpoint are skipped without being touched. total is only used for
// progress reporting and may be 0.
//
// The returned error is non-nil when the run aborted on consecutive failures
// or when state could not be persisted. An interrupted run returns a Paused
// report and a nil error.
func (r *Runner[P, V]) RunSeq(ctx context.Context, seq iter.Seq[Item[P]], total int) (Report, error) {
	if !r.begin() {
		return Report{Name: r.name, State: StateRunning}, ErrAlreadyRunning
	}

	start := time.Now()
	offset := r.cp.Current()
	run := &runState[P, V]{
		r:     r,
		total: total,
		done:  make(map[int]bool),
		next:  offset,
	}

	submitCtx, stopSubmitting := context.WithCancel(ctx)
	defer stopSubmitting()
	run.stop = stopSubmitting

	workCtx, abandon := context.WithCancel(context.WithoutCancel(ctx))
	defer abandon()
	var graceTimer *time.Timer
	var graceMu sync.Mutex
	stopAfter := context.AfterFunc(ctx, func() {
		graceMu.Lock()
		graceTimer = time.AfterFunc(r.cfg.GracePeriod, abandon)
		graceMu.Unlock()
	})
	defer func() {
		stopAfter()
		graceMu.Lock()
		if graceTimer != nil {
			graceTimer.Stop()
		}
		graceMu.Unlock()
	}()

	r.logger.Info("run started", "offset", offset, "total", total, "cached", r.store.Len())

	var wg sync.WaitGroup
	submitted := 0
	capped := false
	index := -1
	for item := range seq {
		index++
		if index < offset {
			continue
		}
		if submitCtx.Err() != nil {
			break
		}
		if r.cfg.MaxItems > 0 && submitted >= r.cfg.MaxItems {
			capped = true
			break
		}

		if _, ok := r.store.Lookup(item.Key); ok {
			run.cached(index)
			continue
		}

		idx := index
		var value V
		task := func(ctx context.Context) error {
			v, err := r.transform(ctx, item)
			if err != nil {
				return err
			}
			value = v
			return nil
		}

		wg.Add(1)
		err := r.exec.Submit(submitCtx, workCtx, item.Key, task, func(res executor.Result) {
			defer wg.Done()
			run.complete(idx, item.Key, value, res)
		})
		if err != nil {
			wg.Done()
			break
		}
		submitted++
	}
	wg.Wait()

	final := StateCompleted
	switch {
	case run.isAborted():
		final = StateAborted
	case ctx.Err() != nil:
		final = StatePaused
	}

	flushErr := run.flush()
	r.finish(final)

	report := Report{
		Name:    r.name,
		State:   final,
		Stats:   run.snapshot(),
		Offset:  offset,
		Resume:  r.cp.Current(),
		Capped:  capped,
		Elapsed: time.Since(start),
	}
	r.emit(run, final)

	r.logger.Info("run finished",
		"state", final.String(),
		"succeeded", report.Stats.Succeeded,
		"failed", report.Stats.Failed,
		"cached", report.Stats.Cached,
		"interrupted", report.Stats.Interrupted,
		"calls", report.Stats.Calls,
		"cost", report.Stats.Cost,
		"resume", report.Resume,
		"capped", capped,
		"elapsed", report.Elapsed.Round(time.Millisecond))

	var err error
	if final == StateAborted {
		err = fmt.Errorf("%w: %d items failed in a row, last: %s",
			ErrConsecutiveFailures, r.cfg.MaxConsecutiveFailures, run.lastReason())
	}
	if flushErr != nil {
		err = errors.Join(err, flushErr)
	}
	return report, err
}

func (r *Runner[P, V]) emit(run *runState[P, V], s State) {
	if r.cfg.OnProgress == nil {
		return
	}
	run.mu.Lock()
	p := Progress{Name: r.name, State: s, Stats: run.stats.clone(), Cursor: run.next, Total: run.total}
	run.mu.Unlock()
	r.cfg.OnProgress(p)
}

// runState is the mutable bookkeeping of a single run.
type runState[P, V any] struct {
	r     *Runner[P, V]
	stop  context.CancelFunc
	total int

	mu          sync.Mutex
	stats       Stats
	done        map[int]bool
	next        int // lowest index not yet processed
	processed   int
	lastFlush   int
	consecutive int
	aborted     bool

	flushMu sync.Mutex
}

// markDoneLocked records index as processed and advances the contiguous
// watermark. Caller holds mu.
func (s *runState[P, V]) markDoneLocked(index int) {
	s.done[index] = true
	for s.done[s.next] {
		delete(s.done, s.next)
		s.next++
	}
	s.processed++
}

func (s *runState[P, V]) cached(index int) {
	s.mu.Lock()
	s.stats.Cached++
	s.markDoneLocked(index)
	due := s.flushDueLocked()
	s.mu.Unlock()

	s.after(due)
}

func (s *runState[P, V]) complete(index int, key string, value V, res executor.Result) {
	r := s.r

	s.mu.Lock()
	s.stats.Calls += res.Attempts
	if res.Attempts > 0 {
		s.stats.Attempted++
	}

	switch {
	case res.OK():
		r.store.Put(key, value, r.cfg.Meta)
		s.stats.Succeeded++
		s.stats.Cost += r.cfg.Cost(key)
		s.consecutive = 0
		s.markDoneLocked(index)

	case res.Kind == executor.KindCanceled:
		// Not processed: the item stays ahead of the watermark and is
		// picked up again on resume.
		s.stats.Interrupted++

	default:
		s.stats.Failed++
		s.stats.Failures = append(s.stats.Failures, Failure{
			Index:    index,
			Key:      key,
			Kind:     res.Kind,
			Attempts: res.Attempts,
			Reason:   res.Err.Error(),
		})
		s.consecutive++
		s.markDoneLocked(index)
		if s.consecutive >= r.cfg.MaxConsecutiveFailures && !s.aborted {
			s.aborted = true
			r.logger.Error("aborting run: consecutive failure threshold reached",
				"threshold", r.cfg.MaxConsecutiveFailures, "last_key", key, "error", res.Err)
			s.stop()
		}
	}
	due := s.flushDueLocked()
	s.mu.Unlock()

	s.after(due)
}

func (s *runState[P, V]) flushDueLocked() bool {
	if s.processed-s.lastFlush >= s.r.cfg.FlushEvery {
		s.lastFlush = s.processed
		return true
	}
	return false
}

func (s *runState[P, V]) after(flushDue bool) {
	if flushDue {
		if err := s.flush(); err != nil {
			s.r.logger.Error("periodic flush failed", "error", err)
		}
	}
	s.r.emit(s, StateRunning)
}

// flush persists the store, then moves the checkpoint to the watermark
// captured before the store snapshot. Every item below that watermark has
// its result in the flushed store.
func (s *runState[P, V]) flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	cursor := s.next
	s.mu.Unlock()

	r := s.r
	start := time.Now()
	err := s.persist(cursor)
	if r.cfg.OnFlush != nil {
		r.cfg.OnFlush(time.Since(start), err)
	}
	if err == nil {
		r.logger.Debug("state flushed", "cursor", cursor)
	}
	return err
}

func (s *runState[P, V]) persist(cursor int) error {
	r := s.r
	if err := r.store.Flush(context.Background()); err != nil {
		return fmt.Errorf("flush store: %w", err)
	}
	r.cp.Advance(cursor)
	if err := r.cp.Flush(); err != nil {
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	return nil
}

func (s *runState[P, V]) isAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *runState[P, V]) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.clone()
}

func (s *runState[P, V]) lastReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.stats.Failures); n > 0 {
		return s.stats.Failures[n-1].Reason
	}
	return "unknown"
}
