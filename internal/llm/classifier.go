package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/enrybds/sayless/internal/executor"
	"github.com/enrybds/sayless/internal/metrics"
)

// FallbackCategory is used when the reply names no known category.
const FallbackCategory = "otro"

// DefaultCategories is the fixed label set.
var DefaultCategories = []string{
	"amor_relaciones",
	"motivacional_superacion",
	"humor_entretenimiento",
	"vida_cotidiana",
	"critica_social",
	"autoestima_autoayuda",
	"reflexion_filosofica",
	"anuncio_evento",
	"cita_literaria",
	"minimalista",
	FallbackCategory,
}

// Advisory per-1K-token prices for cost estimates.
const (
	classifyInputPricePer1K  = 0.0005
	classifyOutputPricePer1K = 0.0015
	classifyOutputTokens     = 10
)

// Classifier assigns one category to a text.
type Classifier struct {
	model       *Model
	categories  []string
	temperature float64
}

// NewClassifier creates a classifier over categories (DefaultCategories when empty).
func NewClassifier(model *Model, categories []string) *Classifier {
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	return &Classifier{model: model, categories: categories, temperature: 0.2}
}

// Model returns the model name.
func (c *Classifier) Model() string {
	return c.model.Name()
}

// Categories returns the label set.
func (c *Classifier) Categories() []string {
	return c.categories
}

func (c *Classifier) prompt(text string) string {
	return fmt.Sprintf(`Classify the following text into exactly one of these categories:
%s

Text: "%s"

Answer with the category name only.`, strings.Join(c.categories, ", "), text)
}

// Classify returns the category for text. An empty reply is a failed call.
func (c *Classifier) Classify(ctx context.Context, text string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, "You are a precise text classifier."),
		llms.TextParts(llms.ChatMessageTypeHuman, c.prompt(text)),
	}

	reply, err := c.model.complete(ctx, metrics.OpClassify, messages,
		llms.WithTemperature(c.temperature),
		llms.WithMaxTokens(20),
	)
	if err != nil {
		return "", fmt.Errorf("classify: %w", err)
	}
	if strings.TrimSpace(reply) == "" {
		return "", executor.Transient(ErrEmptyResponse)
	}
	return NormalizeCategory(reply, c.categories), nil
}

// EstimateCost returns the advisory cost of classifying text.
func (c *Classifier) EstimateCost(text string) float64 {
	inputTokens := float64(len(c.prompt(text))) / 4
	return inputTokens/1000*classifyInputPricePer1K + classifyOutputTokens/1000.0*classifyOutputPricePer1K
}

// NormalizeCategory maps a free-form reply onto categories: exact match
// first, then the first category contained in the reply, else FallbackCategory.
func NormalizeCategory(reply string, categories []string) string {
	r := strings.ToLower(strings.TrimSpace(reply))
	r = strings.Trim(r, ".,;:\"'`* ")
	for _, cat := range categories {
		if r == cat {
			return cat
		}
	}
	for _, cat := range categories {
		if strings.Contains(r, cat) {
			return cat
		}
	}
	return FallbackCategory
}
