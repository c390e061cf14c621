package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/enrybds/sayless/internal/executor"
	"github.com/enrybds/sayless/internal/metrics"
)

// GenerationParams shape a generated text.
type GenerationParams struct {
	Category    string
	Style       string
	Topic       string
	Temperature float64
}

// BuildGenerationPrompt writes the few-shot prompt for params.
func BuildGenerationPrompt(p GenerationParams, examples []string) string {
	var b strings.Builder
	b.WriteString("Write one short text in the style of the following examples.")
	if p.Category != "" {
		fmt.Fprintf(&b, " All examples belong to the category %q.", p.Category)
	}
	b.WriteString("\n\nExamples:\n")
	for i, ex := range examples {
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(ex))
	}
	if p.Style != "" {
		fmt.Fprintf(&b, "\nStyle: %s", p.Style)
	}
	if p.Topic != "" {
		fmt.Fprintf(&b, "\nTopic: %s", p.Topic)
	}
	b.WriteString("\n\nReply with the new text only, without numbering or quotes.")
	return b.String()
}

// Generate writes one new text from examples.
func (m *Model) Generate(ctx context.Context, p GenerationParams, examples []string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, "You write short social media texts that match a given voice."),
		llms.TextParts(llms.ChatMessageTypeHuman, BuildGenerationPrompt(p, examples)),
	}

	reply, err := m.complete(ctx, metrics.OpGenerate, messages,
		llms.WithTemperature(p.Temperature),
		llms.WithMaxTokens(100),
	)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	text := strings.Trim(strings.TrimSpace(reply), `"`)
	if text == "" {
		return "", executor.Transient(ErrEmptyResponse)
	}
	return text, nil
}
