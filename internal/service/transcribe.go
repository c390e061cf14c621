package service

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/enrybds/sayless/internal/config"
	"github.com/enrybds/sayless/internal/dataset"
	"github.com/enrybds/sayless/internal/llm"
	"github.com/enrybds/sayless/internal/runner"
	"github.com/enrybds/sayless/internal/store"
)

// ScanImages lists the images under root sorted by path. Keys are
// slash-separated paths relative to root; payloads are full paths.
func ScanImages(root string) ([]runner.Item[string], error) {
	var items []runner.Item[string]
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := llm.ImageExtensions[strings.ToLower(filepath.Ext(p))]; !ok {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		items = append(items, runner.Item[string]{Key: filepath.ToSlash(rel), Payload: p})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan images: %w", err)
	}
	slices.SortFunc(items, func(a, b runner.Item[string]) int {
		return strings.Compare(a.Key, b.Key)
	})
	return items, nil
}

// Transcribe extracts the text of every image under root.
func (p *Pipeline) Transcribe(ctx context.Context, root string, opts RunOptions) (runner.Report, error) {
	release, err := p.acquire(config.StageTranscribe)
	if err != nil {
		return runner.Report{Name: config.StageTranscribe}, err
	}
	defer release()

	items, err := ScanImages(root)
	if err != nil {
		return runner.Report{Name: config.StageTranscribe}, err
	}
	if len(items) == 0 {
		return runner.Report{Name: config.StageTranscribe}, fmt.Errorf("%w: no images under %s", ErrNoInput, root)
	}

	model, err := p.models.Model(ctx, p.cfg.TranscribeModel)
	if err != nil {
		return runner.Report{Name: config.StageTranscribe}, err
	}
	tr := llm.NewTranscriber(model)

	p.logger.Info("transcription started", "root", root, "images", len(items), "model", tr.Model())

	return runStage(ctx, p, stageRun[string, string]{
		stage: config.StageTranscribe,
		items: items,
		transform: func(ctx context.Context, it runner.Item[string]) (string, error) {
			return tr.Transcribe(ctx, it.Payload)
		},
		meta: store.Meta{Model: tr.Model()},
		export: func(ordered []runner.Item[string], st *store.Store[string]) error {
			return dataset.WriteTranscripts(p.cfg.Path(TranscriptsFile), transcriptRows(ordered, st))
		},
	}, opts)
}

func transcriptRows(items []runner.Item[string], st *store.Store[string]) []dataset.Transcript {
	rows := make([]dataset.Transcript, 0, len(items))
	for _, it := range items {
		text, ok := st.Lookup(it.Key)
		if !ok {
			continue
		}
		folder := path.Dir(it.Key)
		if folder == "." {
			folder = ""
		}
		rows = append(rows, dataset.Transcript{Key: it.Key, Folder: folder, Text: text})
	}
	return rows
}
