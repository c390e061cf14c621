package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/enrybds/sayless/internal/config"
	"github.com/enrybds/sayless/internal/dataset"
	"github.com/enrybds/sayless/internal/executor"
	"github.com/enrybds/sayless/internal/llm"
	"github.com/enrybds/sayless/internal/store"
)

// Generation limits.
const (
	MaxGenerateCount = 50
	DefaultCount     = 1
)

// ErrNoExamples is returned when there is no corpus to draw examples from.
var ErrNoExamples = errors.New("no example texts available")

// GenerateRequest describes the texts to generate.
type GenerateRequest struct {
	Category    string
	Style       string
	Topic       string
	Temperature float64
	Model       string
	Count       int
	// Examples is the number of corpus texts shown to the model.
	Examples int
}

func (r GenerateRequest) withDefaults(cfg config.Config) GenerateRequest {
	if r.Model == "" {
		r.Model = cfg.GenerateModel
	}
	if r.Count <= 0 {
		r.Count = DefaultCount
	}
	r.Count = min(r.Count, MaxGenerateCount)
	if r.Examples <= 0 {
		r.Examples = cfg.ExamplesPerPrompt
	}
	return r
}

// CacheKey identifies the generation parameters a variant was produced with.
func (r GenerateRequest) CacheKey() string {
	return strings.Join([]string{
		r.Category,
		r.Style,
		r.Topic,
		strconv.Itoa(r.Examples),
		strconv.FormatFloat(r.Temperature, 'f', -1, 64),
		r.Model,
	}, "_")
}

// Generator produces new texts in the voice of the corpus. Cached variants
// are served before the model is called. Safe for concurrent use.
type Generator struct {
	p     *Pipeline
	store *store.Store[[]string]
	exec  *executor.Executor

	mu         sync.Mutex
	rng        *rand.Rand
	texts      []string
	byCategory map[string][]string
}

// OpenGenerator loads the generation cache and the example corpus.
func (p *Pipeline) OpenGenerator(ctx context.Context) (*Generator, error) {
	st, err := openStore[[]string](ctx, p, config.StageGenerate)
	if err != nil {
		return nil, err
	}
	g := &Generator{
		p:     p,
		store: st,
		exec:  p.newExecutor(config.StageGenerate, RunOptions{}),
		rng:   rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e37)),
	}
	if err := g.Reload(); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return g, nil
}

// Reload rereads the example corpus.
func (g *Generator) Reload() error {
	records, err := g.p.LoadCorpus()
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(records))
	texts := make([]string, 0, len(records))
	byCategory := make(map[string][]string)
	for _, r := range records {
		if seen[r.Text] {
			continue
		}
		seen[r.Text] = true
		texts = append(texts, r.Text)
		if r.Category != "" {
			byCategory[r.Category] = append(byCategory[r.Category], r.Text)
		}
	}

	g.mu.Lock()
	g.texts = texts
	g.byCategory = byCategory
	g.mu.Unlock()

	g.p.logger.Info("generation corpus loaded", "texts", len(texts), "categories", len(byCategory))
	return nil
}

// Generate returns req.Count texts. Distinct cached variants come first in
// random order; the model is called only for the remainder and its answers
// are added to the cache. When some calls fail the texts that succeeded are
// returned together with the error.
func (g *Generator) Generate(ctx context.Context, req GenerateRequest) ([]string, error) {
	req = req.withDefaults(g.p.cfg)
	key := req.CacheKey()

	g.mu.Lock()
	cached, _ := g.store.Lookup(key)
	variants := distinct(cached)
	g.rng.Shuffle(len(variants), func(i, j int) { variants[i], variants[j] = variants[j], variants[i] })
	out := variants[:min(req.Count, len(variants))]

	remaining := req.Count - len(out)
	pool := g.examplePool(req.Category, req.Examples)
	samples := make([][]string, remaining)
	for i := range samples {
		samples[i] = g.sample(pool, req.Examples)
	}
	g.mu.Unlock()

	if remaining == 0 {
		return out, nil
	}
	if len(pool) == 0 {
		if len(out) > 0 {
			return out, nil
		}
		return nil, ErrNoExamples
	}

	model, err := g.p.models.Model(ctx, req.Model)
	if err != nil {
		return out, err
	}

	params := llm.GenerationParams{
		Category:    req.Category,
		Style:       req.Style,
		Topic:       req.Topic,
		Temperature: req.Temperature,
	}
	fresh := make([]string, remaining)
	var eg errgroup.Group
	eg.SetLimit(g.exec.Config().Concurrency)
	for i := range remaining {
		eg.Go(func() error {
			res := g.exec.Do(ctx, fmt.Sprintf("%s#%d", key, i), func(ctx context.Context) error {
				text, err := model.Generate(ctx, params, samples[i])
				if err != nil {
					return err
				}
				fresh[i] = text
				return nil
			})
			return res.Err
		})
	}
	genErr := eg.Wait()

	fresh = slices.DeleteFunc(fresh, func(s string) bool { return s == "" })
	if len(fresh) > 0 {
		if err := g.remember(ctx, key, req, fresh); err != nil {
			g.p.logger.Error("generation cache flush failed", "error", err)
		}
	}
	out = append(out, fresh...)

	if genErr != nil {
		g.p.logger.Warn("generation incomplete", "requested", req.Count, "returned", len(out), "error", genErr)
		return out, fmt.Errorf("generate: %w", genErr)
	}
	return out, nil
}

// remember appends new variants to the cache entry for key and persists it.
func (g *Generator) remember(ctx context.Context, key string, req GenerateRequest, fresh []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	existing, _ := g.store.Lookup(key)
	merged := distinct(append(slices.Clone(existing), fresh...))
	g.store.Replace(key, merged, store.Meta{
		Model: req.Model,
		Params: map[string]string{
			"category":    req.Category,
			"style":       req.Style,
			"topic":       req.Topic,
			"examples":    strconv.Itoa(req.Examples),
			"temperature": strconv.FormatFloat(req.Temperature, 'f', -1, 64),
		},
	})
	return g.store.Flush(ctx)
}

// examplePool returns the category's texts, or the whole corpus when the
// category has fewer than n. Caller holds mu.
func (g *Generator) examplePool(category string, n int) []string {
	if category != "" {
		if texts := g.byCategory[category]; len(texts) >= n {
			return texts
		}
		g.p.logger.Warn("not enough examples in category, using whole corpus",
			"category", category, "available", len(g.byCategory[category]), "wanted", n)
	}
	return g.texts
}

// sample picks up to n distinct texts at random. Caller holds mu.
func (g *Generator) sample(pool []string, n int) []string {
	n = min(n, len(pool))
	out := make([]string, n)
	for i, j := range g.rng.Perm(len(pool))[:n] {
		out[i] = pool[j]
	}
	return out
}

// Categories returns the categories with examples and their sizes.
func (g *Generator) Categories() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int, len(g.byCategory))
	for c, texts := range g.byCategory {
		out[c] = len(texts)
	}
	return out
}

// SaveBatch writes texts to a new batch file under the data dir.
func (g *Generator) SaveBatch(texts []string) (string, error) {
	return dataset.SaveBatch(g.p.cfg.Path(BatchDir), texts)
}

// Close flushes and releases the generation cache.
func (g *Generator) Close() error {
	flushErr := g.store.Flush(context.Background())
	return errors.Join(flushErr, g.store.Close())
}

func distinct(texts []string) []string {
	seen := make(map[string]bool, len(texts))
	out := make([]string, 0, len(texts))
	for _, t := range texts {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
