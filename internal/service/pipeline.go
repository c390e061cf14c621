// Package service wires the pipeline stages, the query interface and the
// background job manager on top of the batch engine.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/enrybds/sayless/internal/checkpoint"
	"github.com/enrybds/sayless/internal/config"
	"github.com/enrybds/sayless/internal/executor"
	"github.com/enrybds/sayless/internal/llm"
	"github.com/enrybds/sayless/internal/metrics"
	"github.com/enrybds/sayless/internal/runner"
	"github.com/enrybds/sayless/internal/similarity"
	"github.com/enrybds/sayless/internal/store"
)

// Export and output file names under DataDir.
const (
	TranscriptsFile = "transcripts.csv"
	ClassifiedFile  = "classified.csv"
	BatchDir        = "batches"
)

var (
	// ErrStageBusy is returned when a stage is already running.
	ErrStageBusy = errors.New("stage already running")
	// ErrNoInput is returned when a stage's input feed is empty.
	ErrNoInput = errors.New("no input items")
	// ErrUnknownStage is returned for a stage name the pipeline does not run.
	ErrUnknownStage = errors.New("unknown stage")
)

// RunOptions override stage tuning for a single run.
type RunOptions struct {
	// Restart resets the checkpoint so the feed is walked from the start.
	// Cached results are still reused.
	Restart       bool
	MaxItems      int
	Concurrency   int
	RatePerMinute float64
	OnProgress    func(runner.Progress)
}

// Pipeline owns the configuration and collaborators shared by all stages.
type Pipeline struct {
	cfg      config.Config
	models   *llm.Factory
	embedder similarity.Embedder
	metrics  *metrics.Collector
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]bool
}

// NewPipeline creates a pipeline. embedder may be nil when no stage needs it.
func NewPipeline(cfg config.Config, models *llm.Factory, embedder similarity.Embedder, mc *metrics.Collector, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:      cfg,
		models:   models,
		embedder: embedder,
		metrics:  mc,
		logger:   logger,
		active:   make(map[string]bool),
	}
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() config.Config {
	return p.cfg
}

// Metrics returns the shared collector.
func (p *Pipeline) Metrics() *metrics.Collector {
	return p.metrics
}

// acquire marks stage as running. The returned func releases it.
func (p *Pipeline) acquire(stage string) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active[stage] {
		return nil, fmt.Errorf("%w: %s", ErrStageBusy, stage)
	}
	p.active[stage] = true
	return func() {
		p.mu.Lock()
		delete(p.active, stage)
		p.mu.Unlock()
	}, nil
}

func (p *Pipeline) newExecutor(stage string, opts RunOptions) *executor.Executor {
	sc := p.cfg.Stage(stage)
	cfg := executor.Config{
		Concurrency:   sc.Concurrency,
		RatePerMinute: sc.RatePerMinute,
		Pacing:        executor.PacingMode(sc.Pacing),
		Policy: executor.Policy{
			MaxAttempts:    sc.MaxAttempts,
			RateLimitBase:  sc.RateLimitBase,
			Cooldown:       sc.Cooldown,
			TransientDelay: sc.TransientDelay,
		},
	}
	if opts.Concurrency > 0 {
		cfg.Concurrency = opts.Concurrency
	}
	if opts.RatePerMinute > 0 {
		cfg.RatePerMinute = opts.RatePerMinute
	}
	return executor.New(cfg, executor.WithLogger(p.logger.With("stage", stage)))
}

func openStore[V any](ctx context.Context, p *Pipeline, name string) (*store.Store[V], error) {
	if err := os.MkdirAll(p.cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	backend, err := store.Open(ctx, p.cfg.StoreBackend, p.cfg.Path(name))
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", name, err)
	}
	st := store.New[V](backend, store.WithLogger(p.logger.With("store", name)))
	st.Load(ctx)
	return st, nil
}

func (p *Pipeline) checkpointPath(stage string) string {
	return p.cfg.Path(stage + ".checkpoint")
}

// stageRun describes one resumable pass of a stage over its feed.
type stageRun[P, V any] struct {
	stage     string
	items     []runner.Item[P]
	transform runner.Transform[P, V]
	meta      store.Meta
	cost      func(key string) float64
	// export runs after every pass, including paused and aborted ones. It
	// gets the feed in checkpoint order.
	export func(items []runner.Item[P], st *store.Store[V]) error
}

// runStage walks sr.items from the checkpoint. The caller holds the stage.
func runStage[P, V any](ctx context.Context, p *Pipeline, sr stageRun[P, V], opts RunOptions) (runner.Report, error) {
	st, err := openStore[V](ctx, p, sr.stage)
	if err != nil {
		return runner.Report{Name: sr.stage}, err
	}
	defer st.Close() //nolint:errcheck

	cp := checkpoint.Open(p.checkpointPath(sr.stage), p.logger)
	feed := p.loadFeed(sr.stage)
	if opts.Restart {
		if err := errors.Join(cp.Reset(), feed.reset()); err != nil {
			return runner.Report{Name: sr.stage}, fmt.Errorf("reset checkpoint: %w", err)
		}
	}

	items, shifted := arrange(feed, sr.items, cp.Current())
	if shifted {
		p.logger.Warn("items below the checkpoint are gone, walking the feed again",
			"stage", sr.stage, "cursor", cp.Current())
		if err := cp.Reset(); err != nil {
			return runner.Report{Name: sr.stage}, fmt.Errorf("reset checkpoint: %w", err)
		}
	}
	if err := feed.save(); err != nil {
		return runner.Report{Name: sr.stage}, fmt.Errorf("save feed manifest: %w", err)
	}

	sc := p.cfg.Stage(sr.stage)
	maxItems := sc.MaxItems
	if opts.MaxItems > 0 {
		maxItems = opts.MaxItems
	}

	r := runner.New(sr.stage, st, cp, p.newExecutor(sr.stage, opts), sr.transform, runner.Config{
		FlushEvery:             sc.FlushEvery,
		MaxItems:               maxItems,
		MaxConsecutiveFailures: sc.MaxConsecutiveFailures,
		GracePeriod:            sc.GracePeriod,
		Meta:                   sr.meta,
		CostPerItem:            sc.CostPerItem,
		Cost:                   sr.cost,
		Logger:                 p.logger,
		OnProgress:             opts.OnProgress,
		OnFlush: func(d time.Duration, err error) {
			if err != nil {
				p.metrics.RecordError(metrics.OpFlush, d)
				return
			}
			p.metrics.RecordTiming(metrics.OpFlush, d)
		},
	})

	report, runErr := r.Run(ctx, items)

	if sr.export != nil {
		if err := sr.export(items, st); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("export %s: %w", sr.stage, err))
		}
	}
	return report, runErr
}

// Run starts the named batch stage. The embed stage reports through a
// synthesized runner report.
func (p *Pipeline) Run(ctx context.Context, stage, input string, opts RunOptions) (runner.Report, error) {
	switch stage {
	case config.StageTranscribe:
		return p.Transcribe(ctx, input, opts)
	case config.StageClassify:
		return p.Classify(ctx, opts)
	case config.StageEmbed:
		return p.Embed(ctx, opts)
	default:
		return runner.Report{Name: stage}, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
}

// Status is the persisted progress of one stage.
type Status struct {
	Stage   string `json:"stage"`
	Cursor  int    `json:"cursor"`
	Cached  int    `json:"cached"`
	Running bool   `json:"running"`
}

// Status reports checkpoint and cache size for every batch stage. It only
// reads: an unreadable store counts as empty and is left in place.
func (p *Pipeline) Status(ctx context.Context) ([]Status, error) {
	stages := []string{config.StageTranscribe, config.StageClassify, config.StageEmbed, config.StageGenerate}
	out := make([]Status, 0, len(stages))
	for _, stage := range stages {
		cached, err := store.Count(ctx, p.cfg.StoreBackend, p.cfg.Path(stage))
		if err != nil {
			p.logger.Warn("stage store unreadable", "stage", stage, "error", err)
		}
		p.mu.Lock()
		running := p.active[stage]
		p.mu.Unlock()
		out = append(out, Status{
			Stage:   stage,
			Cursor:  checkpoint.Open(p.checkpointPath(stage), p.logger).Current(),
			Cached:  cached,
			Running: running,
		})
	}
	return out, nil
}
