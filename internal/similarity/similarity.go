// Package similarity keeps a cache of text embeddings and ranks cached texts
// by cosine similarity to a query.
package similarity

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/enrybds/sayless/internal/executor"
	"github.com/enrybds/sayless/internal/store"
)

// Defaults for Config.
const (
	DefaultBatchSize       = 32
	DefaultFlushEvery      = 100
	DefaultTopN            = 5
	DefaultCategory        = "sin_categoria"
	embedBatchRetryKeyBase = "embed-batch"
)

// ErrEmptyQuery is returned by Rank for a blank query.
var ErrEmptyQuery = errors.New("query text is empty")

// Embedder turns texts into vectors, one per text, in order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Record is a corpus text with its optional category.
type Record struct {
	Key      string
	Text     string
	Category string
}

// Match is one ranked result.
type Match struct {
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
	Percent  float64 `json:"similarity_percent"`
	Category string  `json:"category"`
}

// Config tunes the index.
type Config struct {
	BatchSize  int
	FlushEvery int
	Meta       store.Meta
	Logger     *slog.Logger
}

// PrecomputeStats summarizes a Precompute call.
type PrecomputeStats struct {
	Texts    int // distinct texts in the request
	Cached   int
	Embedded int
	Failed   int
}

// Index is safe for concurrent use.
type Index struct {
	store    *store.Store[[]float32]
	embedder Embedder
	exec     *executor.Executor
	cfg      Config
	logger   *slog.Logger

	mu         sync.RWMutex
	corpus     []string
	inCorpus   map[string]bool
	categories map[string]string
}

// New creates an index over st. Embedding calls go through exec.
func New(st *store.Store[[]float32], embedder Embedder, exec *executor.Executor, cfg Config) *Index {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = DefaultFlushEvery
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Index{
		store:      st,
		embedder:   embedder,
		exec:       exec,
		cfg:        cfg,
		logger:     cfg.Logger,
		inCorpus:   make(map[string]bool),
		categories: make(map[string]string),
	}
}

// Add registers corpus records. Texts are deduplicated; the first category
// seen for a text wins unless it was empty.
func (x *Index) Add(records ...Record) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, r := range records {
		if r.Text == "" {
			continue
		}
		if !x.inCorpus[r.Text] {
			x.inCorpus[r.Text] = true
			x.corpus = append(x.corpus, r.Text)
		}
		if r.Category != "" && x.categories[r.Text] == "" {
			x.categories[r.Text] = r.Category
		}
	}
}

// Len returns the number of distinct corpus texts.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.corpus)
}

// Embedded returns how many corpus texts have a cached vector.
func (x *Index) Embedded() int {
	x.mu.RLock()
	texts := slices.Clone(x.corpus)
	x.mu.RUnlock()

	n := 0
	for _, t := range texts {
		if _, ok := x.store.Lookup(t); ok {
			n++
		}
	}
	return n
}

// Embed returns the vector for text, calling the embedder only on a cache miss.
func (x *Index) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := x.store.Lookup(text); ok {
		return v, nil
	}
	vectors, err := x.embedBatch(ctx, text, []string{text})
	if err != nil {
		return nil, err
	}
	x.store.Put(text, vectors[0], x.cfg.Meta)
	return vectors[0], nil
}

func (x *Index) embedBatch(ctx context.Context, key string, texts []string) ([][]float32, error) {
	var vectors [][]float32
	res := x.exec.Do(ctx, key, func(ctx context.Context) error {
		v, err := x.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		if len(v) != len(texts) {
			return executor.Fatal(fmt.Errorf("embedder returned %d vectors for %d texts", len(v), len(texts)))
		}
		vectors = v
		return nil
	})
	if !res.OK() {
		return nil, fmt.Errorf("embed: %w", res.Err)
	}
	return vectors, nil
}

// Precompute registers records and embeds every uncached text in batches,
// flushing the cache periodically and once at the end. A failed batch is
// logged and skipped; cancellation stops after flushing what was computed.
func (x *Index) Precompute(ctx context.Context, records []Record) (PrecomputeStats, error) {
	x.Add(records...)

	var stats PrecomputeStats
	seen := make(map[string]bool, len(records))
	var pending []string
	for _, r := range records {
		if r.Text == "" || seen[r.Text] {
			continue
		}
		seen[r.Text] = true
		stats.Texts++
		if _, ok := x.store.Lookup(r.Text); ok {
			stats.Cached++
			continue
		}
		pending = append(pending, r.Text)
	}

	x.logger.Info("precomputing embeddings", "texts", stats.Texts, "cached", stats.Cached, "pending", len(pending))

	sinceFlush := 0
	var runErr error
	for start := 0; start < len(pending); start += x.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		batch := pending[start:min(start+x.cfg.BatchSize, len(pending))]
		key := fmt.Sprintf("%s-%d", embedBatchRetryKeyBase, start/x.cfg.BatchSize)

		vectors, err := x.embedBatch(ctx, key, batch)
		if err != nil {
			if ctx.Err() != nil {
				runErr = ctx.Err()
				break
			}
			stats.Failed += len(batch)
			x.logger.Warn("embedding batch failed", "batch", key, "size", len(batch), "error", err)
			continue
		}

		for i, text := range batch {
			x.store.Put(text, vectors[i], x.cfg.Meta)
		}
		stats.Embedded += len(batch)
		sinceFlush += len(batch)

		if sinceFlush >= x.cfg.FlushEvery {
			sinceFlush = 0
			if err := x.store.Flush(ctx); err != nil {
				x.logger.Error("embedding cache flush failed", "error", err)
			}
		}
	}

	if err := x.store.Flush(context.WithoutCancel(ctx)); err != nil {
		return stats, errors.Join(runErr, fmt.Errorf("final flush: %w", err))
	}

	x.logger.Info("embeddings ready", "embedded", stats.Embedded, "failed", stats.Failed, "cached", stats.Cached)
	return stats, runErr
}

// Rank scores every distinct corpus text that has a cached vector against
// query and returns the topN best. Ties keep corpus order.
func (x *Index) Rank(ctx context.Context, query string, topN int) ([]Match, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if topN <= 0 {
		topN = DefaultTopN
	}

	qv, err := x.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	x.mu.RLock()
	texts := slices.Clone(x.corpus)
	categories := make(map[string]string, len(x.categories))
	for k, v := range x.categories {
		categories[k] = v
	}
	x.mu.RUnlock()

	matches := make([]Match, 0, len(texts))
	for _, text := range texts {
		v, ok := x.store.Lookup(text)
		if !ok {
			continue
		}
		score := Cosine(qv, v)
		category := categories[text]
		if category == "" {
			category = DefaultCategory
		}
		matches = append(matches, Match{
			Text:     text,
			Score:    score,
			Percent:  math.Round(score*10000) / 100,
			Category: category,
		})
	}

	slices.SortStableFunc(matches, func(a, b Match) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if len(matches) > topN {
		matches = matches[:topN]
	}
	return matches, nil
}

// Flush persists the embedding cache.
func (x *Index) Flush(ctx context.Context) error {
	return x.store.Flush(ctx)
}

// Cosine returns dot(a,b)/(|a||b|). It is 0 when either vector is zero or
// the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
