package service

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/tmc/langchaingo/llms"

	"github.com/enrybds/sayless/internal/config"
	"github.com/enrybds/sayless/internal/llm"
	"github.com/enrybds/sayless/internal/metrics"
)

// scriptedModel answers every request through respond.
type scriptedModel struct {
	calls   atomic.Int64
	respond func(prompt string, image []byte) (string, error)
}

func (m *scriptedModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.calls.Add(1)
	var prompt strings.Builder
	var image []byte
	for _, msg := range messages {
		for _, part := range msg.Parts {
			switch p := part.(type) {
			case llms.TextContent:
				prompt.WriteString(p.Text)
				prompt.WriteString("\n")
			case llms.BinaryContent:
				image = p.Data
			}
		}
	}
	reply, err := m.respond(prompt.String(), image)
	if err != nil {
		return nil, err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: reply}}}, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

// keywordEmbedder maps texts onto axes by keyword so rankings are predictable.
type keywordEmbedder struct {
	calls atomic.Int64
}

var embedAxes = []string{"gato", "perro", "lunes", "amor"}

func (e *keywordEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, len(embedAxes)+1)
		lower := strings.ToLower(t)
		for j, axis := range embedAxes {
			if strings.Contains(lower, axis) {
				v[j] = 1
			}
		}
		v[len(embedAxes)] = 0.1
		out[i] = v
	}
	return out, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	stage := config.StageConfig{Concurrency: 2, FlushEvery: 2, MaxConsecutiveFailures: 5}
	return config.Config{
		DataDir:           t.TempDir(),
		StoreBackend:      "json",
		TranscribeModel:   "vision-test",
		ClassifyModel:     "classify-test",
		GenerateModel:     "generate-test",
		EmbedModel:        "embed-test",
		ExamplesPerPrompt: 2,
		Transcribe:        stage,
		Classify:          stage,
		Embed:             config.StageConfig{Concurrency: 1, FlushEvery: 100},
		Generate:          config.StageConfig{Concurrency: 2},
	}
}

func newTestPipeline(t *testing.T, model *scriptedModel) (*Pipeline, *keywordEmbedder) {
	t.Helper()
	mc := metrics.NewCollector()
	emb := &keywordEmbedder{}
	return NewPipeline(testConfig(t), llm.NewStaticFactory(model, mc), emb, mc, nil), emb
}
