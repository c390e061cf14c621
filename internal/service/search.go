package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/enrybds/sayless/internal/config"
	"github.com/enrybds/sayless/internal/runner"
	"github.com/enrybds/sayless/internal/similarity"
	"github.com/enrybds/sayless/internal/store"
)

// ErrEmptyQuery is returned for a blank rank query.
var ErrEmptyQuery = similarity.ErrEmptyQuery

// ErrNoEmbedder is returned when search is used without an embedder.
var ErrNoEmbedder = errors.New("no embedding provider configured")

// SearchService ranks corpus texts by similarity to a query.
type SearchService struct {
	p     *Pipeline
	index *similarity.Index
	store *store.Store[[]float32]
}

// OpenSearch loads the embedding cache and the corpus.
func (p *Pipeline) OpenSearch(ctx context.Context) (*SearchService, error) {
	if p.embedder == nil {
		return nil, ErrNoEmbedder
	}
	st, err := openStore[[]float32](ctx, p, config.StageEmbed)
	if err != nil {
		return nil, err
	}
	records, err := p.LoadCorpus()
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	sc := p.cfg.Stage(config.StageEmbed)
	idx := similarity.New(st, p.embedder, p.newExecutor(config.StageEmbed, RunOptions{}), similarity.Config{
		FlushEvery: sc.FlushEvery,
		Meta:       store.Meta{Model: p.cfg.EmbedModel},
		Logger:     p.logger,
	})
	idx.Add(records...)

	p.logger.Info("search index loaded", "texts", idx.Len(), "embedded", idx.Embedded())
	return &SearchService{p: p, index: idx, store: st}, nil
}

// Rank returns the topN corpus texts most similar to text.
func (s *SearchService) Rank(ctx context.Context, text string, topN int) ([]similarity.Match, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyQuery
	}
	return s.index.Rank(ctx, text, topN)
}

// Precompute embeds every corpus text that has no cached vector.
func (s *SearchService) Precompute(ctx context.Context) (similarity.PrecomputeStats, error) {
	records, err := s.p.LoadCorpus()
	if err != nil {
		return similarity.PrecomputeStats{}, err
	}
	return s.index.Precompute(ctx, records)
}

// Reload adds corpus texts that appeared since the index was opened.
func (s *SearchService) Reload() error {
	records, err := s.p.LoadCorpus()
	if err != nil {
		return err
	}
	s.index.Add(records...)
	return nil
}

// Stats returns corpus and cache sizes.
func (s *SearchService) Stats() (texts, embedded int) {
	return s.index.Len(), s.index.Embedded()
}

// Close flushes the embedding cache and releases it.
func (s *SearchService) Close() error {
	flushErr := s.index.Flush(context.Background())
	return errors.Join(flushErr, s.store.Close())
}

// Embed precomputes the embedding cache as a batch stage.
func (p *Pipeline) Embed(ctx context.Context, opts RunOptions) (runner.Report, error) {
	release, err := p.acquire(config.StageEmbed)
	if err != nil {
		return runner.Report{Name: config.StageEmbed}, err
	}
	defer release()

	s, err := p.OpenSearch(ctx)
	if err != nil {
		return runner.Report{Name: config.StageEmbed}, err
	}
	defer s.Close() //nolint:errcheck

	start := time.Now()
	stats, runErr := s.Precompute(ctx)

	state := runner.StateCompleted
	if ctx.Err() != nil {
		state = runner.StatePaused
	}
	report := runner.Report{
		Name:  config.StageEmbed,
		State: state,
		Stats: runner.Stats{
			Attempted: stats.Embedded + stats.Failed,
			Succeeded: stats.Embedded,
			Failed:    stats.Failed,
			Cached:    stats.Cached,
		},
		Elapsed: time.Since(start),
	}
	if opts.OnProgress != nil {
		opts.OnProgress(runner.Progress{Name: config.StageEmbed, State: state, Stats: report.Stats, Cursor: stats.Cached + stats.Embedded + stats.Failed, Total: stats.Texts})
	}
	if runErr != nil && ctx.Err() == nil {
		return report, fmt.Errorf("precompute embeddings: %w", runErr)
	}
	return report, nil
}
