// Package llm adapts langchaingo models to the transformation capabilities
// used by the pipeline: transcription, classification, generation and
// embeddings.
package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/enrybds/sayless/internal/config"
	"github.com/enrybds/sayless/internal/executor"
	"github.com/enrybds/sayless/internal/metrics"
)

// Model wraps a langchaingo model with error classification and metrics.
type Model struct {
	llm       llms.Model
	modelName string
	metrics   *metrics.Collector
}

// NewModel creates a model for the configured provider.
func NewModel(ctx context.Context, cfg config.Config, modelName string, mc *metrics.Collector) (*Model, error) {
	var model llms.Model
	var err error

	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(modelName),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(modelName),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(modelName),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderBedrock:
		awsCfg, awsErr := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if awsErr != nil {
			return nil, fmt.Errorf("load aws config: %w", awsErr)
		}
		model, err = bedrock.New(
			bedrock.WithClient(bedrockruntime.NewFromConfig(awsCfg)),
			bedrock.WithModel(modelName),
		)
		if err != nil {
			return nil, fmt.Errorf("create bedrock model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}

	return NewModelFrom(model, modelName, mc), nil
}

// NewModelFrom wraps an existing langchaingo model.
func NewModelFrom(model llms.Model, modelName string, mc *metrics.Collector) *Model {
	return &Model{llm: model, modelName: modelName, metrics: mc}
}

// Name returns the model name.
func (m *Model) Name() string {
	return m.modelName
}

// complete sends messages and returns the first choice. op names the
// metrics bucket.
func (m *Model) complete(ctx context.Context, op string, messages []llms.MessageContent, opts ...llms.CallOption) (string, error) {
	start := time.Now()
	resp, err := m.llm.GenerateContent(ctx, messages, opts...)
	duration := time.Since(start)

	if err != nil {
		m.metrics.RecordError(op, duration)
		return "", classifyProviderError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		m.metrics.RecordError(op, duration)
		return "", executor.Transient(ErrEmptyResponse)
	}

	choice := resp.Choices[0]
	in, out := tokenUsage(choice.GenerationInfo)
	m.metrics.RecordLLMUsage(op, duration, in, out)
	return choice.Content, nil
}

// tokenUsage reads token counts from provider generation info. OpenAI and
// Anthropic use different keys.
func tokenUsage(info map[string]any) (int64, int64) {
	in := firstInt(info, "PromptTokens", "InputTokens")
	out := firstInt(info, "CompletionTokens", "OutputTokens")
	return in, out
}

func firstInt(info map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
	}
	return 0
}

// Factory creates models by name on first use and reuses them.
type Factory struct {
	cfg     config.Config
	metrics *metrics.Collector

	mu     sync.Mutex
	models map[string]*Model
	newFn  func(ctx context.Context, name string) (*Model, error)
}

// NewFactory returns a factory for cfg's provider.
func NewFactory(cfg config.Config, mc *metrics.Collector) *Factory {
	f := &Factory{cfg: cfg, metrics: mc, models: make(map[string]*Model)}
	f.newFn = func(ctx context.Context, name string) (*Model, error) {
		return NewModel(ctx, f.cfg, name, f.metrics)
	}
	return f
}

// NewStaticFactory returns a factory that serves model for every name.
func NewStaticFactory(model llms.Model, mc *metrics.Collector) *Factory {
	f := &Factory{metrics: mc, models: make(map[string]*Model)}
	f.newFn = func(_ context.Context, name string) (*Model, error) {
		return NewModelFrom(model, name, mc), nil
	}
	return f
}

// Model returns the model called name.
func (f *Factory) Model(ctx context.Context, name string) (*Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.models[name]; ok {
		return m, nil
	}
	m, err := f.newFn(ctx, name)
	if err != nil {
		return nil, err
	}
	f.models[name] = m
	return m, nil
}
