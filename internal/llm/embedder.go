package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/enrybds/sayless/internal/config"
	"github.com/enrybds/sayless/internal/executor"
	"github.com/enrybds/sayless/internal/metrics"
)

// embedRequestSize is the number of texts sent per provider request. It
// matches the similarity index batch so one index batch is one request.
const embedRequestSize = 32

// Embedder turns texts into vectors through a langchaingo embedding client.
// Errors come back classified for the executor.
type Embedder struct {
	docs    embeddings.Embedder
	name    string
	dim     int
	metrics *metrics.Collector
	logger  *slog.Logger
}

// embeddingClient returns the provider client for cfg.EmbedProvider.
func embeddingClient(cfg config.Config) (embeddings.EmbedderClient, error) {
	switch cfg.EmbedProvider {
	case config.ProviderOllama:
		return ollama.New(
			ollama.WithModel(cfg.EmbedModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, errors.New("OPENAI_API_KEY is not set")
		}
		return openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithEmbeddingModel(cfg.EmbedModel),
		)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.EmbedProvider)
	}
}

// NewEmbedder creates the embedder configured by EmbedProvider, EmbedModel
// and EmbedDimension.
func NewEmbedder(cfg config.Config, mc *metrics.Collector) (*Embedder, error) {
	client, err := embeddingClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s embedding client: %w", cfg.EmbedProvider, err)
	}
	docs, err := embeddings.NewEmbedder(client,
		embeddings.WithBatchSize(embedRequestSize),
		embeddings.WithStripNewLines(false),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s embedder: %w", cfg.EmbedProvider, err)
	}
	return NewEmbedderFrom(docs, cfg.EmbedModel, cfg.EmbedDimension, mc), nil
}

// NewEmbedderFrom wraps an existing langchaingo embedder. A dimension of 0
// accepts any vector length.
func NewEmbedderFrom(docs embeddings.Embedder, model string, dimension int, mc *metrics.Collector) *Embedder {
	return &Embedder{docs: docs, name: model, dim: dimension, metrics: mc, logger: slog.Default()}
}

// Embed returns the vector of a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns one vector per text, in order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	start := time.Now()
	vectors, err := e.docs.EmbedDocuments(ctx, texts)
	took := time.Since(start)
	if err != nil {
		e.metrics.RecordError(metrics.OpEmbedding, took)
		e.logger.Warn("embedding request failed",
			"model", e.name, "texts", len(texts), "duration_ms", took.Milliseconds(), "error", err)
		return nil, fmt.Errorf("embed %d texts: %w", len(texts), classifyProviderError(err))
	}
	e.metrics.RecordTiming(metrics.OpEmbedding, took)
	e.logger.Debug("embedded texts", "model", e.name, "texts", len(texts), "duration_ms", took.Milliseconds())

	if err := e.check(vectors, len(texts)); err != nil {
		return nil, err
	}
	return vectors, nil
}

// check rejects a reply that cannot be cached. A short reply is retried;
// a wrong dimension means the configured model is not the one answering.
func (e *Embedder) check(vectors [][]float32, want int) error {
	if len(vectors) != want {
		return executor.Transient(fmt.Errorf("provider returned %d vectors for %d texts", len(vectors), want))
	}
	if e.dim <= 0 {
		return nil
	}
	for i, v := range vectors {
		if len(v) != e.dim {
			return executor.Fatal(fmt.Errorf("vector %d has dimension %d, %s is configured for %d", i, len(v), e.name, e.dim))
		}
	}
	return nil
}

// Model returns the embedding model name.
func (e *Embedder) Model() string {
	return e.name
}

// Dimension returns the configured vector length, 0 when unchecked.
func (e *Embedder) Dimension() int {
	return e.dim
}
