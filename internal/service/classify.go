package service

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/enrybds/sayless/internal/config"
	"github.com/enrybds/sayless/internal/dataset"
	"github.com/enrybds/sayless/internal/llm"
	"github.com/enrybds/sayless/internal/runner"
	"github.com/enrybds/sayless/internal/store"
)

// Markers of transcripts that carry no usable text.
var (
	skipMarkers   = []string{"ERROR:", "SIN_TEXTO", llm.NoTextMarker}
	apologyPrefix = []string{"lo siento", "i'm sorry", "i am sorry", "sorry,"}
)

// SkipText reports whether a transcript should not be classified.
func SkipText(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return true
	}
	for _, m := range skipMarkers {
		if strings.Contains(t, m) {
			return true
		}
	}
	lower := strings.ToLower(t)
	for _, p := range apologyPrefix {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// NormalizeText trims text and collapses runs of whitespace.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// classifyItems builds the classification feed: one item per distinct
// normalized text, in first-seen order.
func classifyItems(rows []dataset.Transcript) []runner.Item[string] {
	seen := make(map[string]bool, len(rows))
	var items []runner.Item[string]
	for _, r := range rows {
		if SkipText(r.Text) {
			continue
		}
		key := NormalizeText(r.Text)
		if seen[key] {
			continue
		}
		seen[key] = true
		items = append(items, runner.Item[string]{Key: key, Payload: key})
	}
	return items
}

// Classify assigns a category to every usable transcript.
func (p *Pipeline) Classify(ctx context.Context, opts RunOptions) (runner.Report, error) {
	release, err := p.acquire(config.StageClassify)
	if err != nil {
		return runner.Report{Name: config.StageClassify}, err
	}
	defer release()

	src := p.cfg.Path(TranscriptsFile)
	rows, err := dataset.LoadTranscripts(src)
	if err != nil {
		return runner.Report{Name: config.StageClassify}, err
	}
	items := classifyItems(rows)
	if len(items) == 0 {
		return runner.Report{Name: config.StageClassify}, fmt.Errorf("%w: no usable texts in %s", ErrNoInput, src)
	}

	model, err := p.models.Model(ctx, p.cfg.ClassifyModel)
	if err != nil {
		return runner.Report{Name: config.StageClassify}, err
	}
	cl := llm.NewClassifier(model, nil)

	p.logger.Info("classification started", "rows", len(rows), "texts", len(items), "model", cl.Model())

	return runStage(ctx, p, stageRun[string, string]{
		stage: config.StageClassify,
		items: items,
		transform: func(ctx context.Context, it runner.Item[string]) (string, error) {
			return cl.Classify(ctx, it.Payload)
		},
		meta: store.Meta{Model: cl.Model()},
		cost: cl.EstimateCost,
		export: func(_ []runner.Item[string], st *store.Store[string]) error {
			return dataset.WriteClassified(p.cfg.Path(ClassifiedFile), classifiedRows(rows, st))
		},
	}, opts)
}

func classifiedRows(rows []dataset.Transcript, st *store.Store[string]) []dataset.Classified {
	out := make([]dataset.Classified, 0, len(rows))
	for _, r := range rows {
		if SkipText(r.Text) {
			continue
		}
		text := NormalizeText(r.Text)
		category, ok := st.Lookup(text)
		if !ok {
			continue
		}
		out = append(out, dataset.Classified{Key: r.Key, Category: category, Text: text})
	}
	return out
}

// CategoryCount is the number of classified rows in a category.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// CategoryStats counts the classification export per category, largest first.
func (p *Pipeline) CategoryStats() ([]CategoryCount, int, error) {
	rows, err := dataset.LoadClassified(p.cfg.Path(ClassifiedFile))
	if err != nil {
		return nil, 0, err
	}
	counts := make(map[string]int)
	for _, r := range rows {
		counts[r.Category]++
	}
	out := make([]CategoryCount, 0, len(counts))
	for c, n := range counts {
		out = append(out, CategoryCount{Category: c, Count: n})
	}
	slices.SortFunc(out, func(a, b CategoryCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return strings.Compare(a.Category, b.Category)
	})
	return out, len(rows), nil
}
