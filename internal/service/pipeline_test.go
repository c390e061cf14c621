package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enrybds/sayless/internal/config"
	"github.com/enrybds/sayless/internal/dataset"
	"github.com/enrybds/sayless/internal/runner"
)

func writeImages(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

// echoImage transcribes an image as its file content.
func echoImage(_ string, image []byte) (string, error) {
	return string(image), nil
}

func TestScanImages(t *testing.T) {
	root := writeImages(t, map[string]string{
		"b/2.png":     "x",
		"a/1.JPG":     "x",
		"a/notes.txt": "x",
		"c.webp":      "x",
	})

	items, err := ScanImages(root)
	require.NoError(t, err)

	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Key
	}
	assert.Equal(t, []string{"a/1.JPG", "b/2.png", "c.webp"}, keys)
	assert.Equal(t, filepath.Join(root, "a", "1.JPG"), items[0].Payload)
}

func TestTranscribeExportsAndResumes(t *testing.T) {
	model := &scriptedModel{respond: echoImage}
	p, _ := newTestPipeline(t, model)
	root := writeImages(t, map[string]string{
		"posts/1.png": "primer texto",
		"posts/2.png": "NO_TEXT",
		"3.jpg":       "tercer texto",
	})

	report, err := p.Transcribe(context.Background(), root, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, runner.StateCompleted, report.State)
	assert.Equal(t, 3, report.Stats.Succeeded)
	assert.Equal(t, 3, report.Resume)
	assert.InDelta(t, 0.0, report.Stats.Cost, 1e-9)

	rows, err := dataset.LoadTranscripts(p.cfg.Path(TranscriptsFile))
	require.NoError(t, err)
	assert.Equal(t, []dataset.Transcript{
		{Key: "3.jpg", Folder: "", Text: "tercer texto"},
		{Key: "posts/1.png", Folder: "posts", Text: "primer texto"},
		{Key: "posts/2.png", Folder: "posts", Text: ""},
	}, rows)

	// A restart walks the feed again but every image is cached.
	report, err = p.Transcribe(context.Background(), root, RunOptions{Restart: true})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Stats.Cached)
	assert.Equal(t, int64(3), model.calls.Load())
}

func TestTranscribeNoImages(t *testing.T) {
	p, _ := newTestPipeline(t, &scriptedModel{respond: echoImage})

	_, err := p.Transcribe(context.Background(), t.TempDir(), RunOptions{})
	assert.ErrorIs(t, err, ErrNoInput)
}

func TestTranscribeMaxItems(t *testing.T) {
	model := &scriptedModel{respond: echoImage}
	p, _ := newTestPipeline(t, model)
	root := writeImages(t, map[string]string{"1.png": "a", "2.png": "b", "3.png": "c"})

	report, err := p.Transcribe(context.Background(), root, RunOptions{MaxItems: 2})
	require.NoError(t, err)
	assert.True(t, report.Capped)
	assert.Equal(t, 2, report.Resume)

	report, err = p.Transcribe(context.Background(), root, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Offset)
	assert.Equal(t, 1, report.Stats.Succeeded)
	assert.Equal(t, int64(3), model.calls.Load())
}

func TestTranscribePicksUpImageSortedBeforeCursor(t *testing.T) {
	model := &scriptedModel{respond: echoImage}
	p, _ := newTestPipeline(t, model)
	root := writeImages(t, map[string]string{"b.png": "be", "c.png": "ce"})

	_, err := p.Transcribe(context.Background(), root, RunOptions{})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.png"), []byte("a"), 0o644))
	report, err := p.Transcribe(context.Background(), root, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Offset)
	assert.Equal(t, 1, report.Stats.Succeeded)
	assert.Equal(t, 0, report.Stats.Cached)
	assert.Equal(t, 3, report.Resume)
	assert.Equal(t, int64(3), model.calls.Load())

	rows, err := dataset.LoadTranscripts(p.cfg.Path(TranscriptsFile))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "a.png", rows[2].Key)
	assert.Equal(t, "a", rows[2].Text)
}

func TestTranscribeWalksAgainWhenImageBelowCursorIsGone(t *testing.T) {
	model := &scriptedModel{respond: echoImage}
	p, _ := newTestPipeline(t, model)
	root := writeImages(t, map[string]string{"a.png": "a", "b.png": "b", "c.png": "c"})

	_, err := p.Transcribe(context.Background(), root, RunOptions{MaxItems: 2})
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "a.png")))
	report, err := p.Transcribe(context.Background(), root, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Offset)
	assert.Equal(t, 1, report.Stats.Cached)
	assert.Equal(t, 1, report.Stats.Succeeded)
	assert.Equal(t, int64(3), model.calls.Load())
}

func TestArrangeKeepsArrivalOrder(t *testing.T) {
	m := &feedManifest{keys: []string{"b", "c"}}
	items := []runner.Item[string]{{Key: "a"}, {Key: "b"}, {Key: "c"}}

	ordered, shifted := arrange(m, items, 2)
	assert.False(t, shifted)
	assert.Equal(t, []string{"b", "c", "a"}, m.keys)
	assert.Equal(t, "a", ordered[2].Key)

	// Losing a key above the cursor keeps earlier positions.
	_, shifted = arrange(m, []runner.Item[string]{{Key: "b"}, {Key: "c"}}, 2)
	assert.False(t, shifted)
	assert.Equal(t, []string{"b", "c"}, m.keys)

	_, shifted = arrange(m, []runner.Item[string]{{Key: "c"}}, 2)
	assert.True(t, shifted)
	assert.Equal(t, []string{"c"}, m.keys)
}

func TestSkipText(t *testing.T) {
	tests := []struct {
		text string
		skip bool
	}{
		{"", true},
		{"   ", true},
		{"ERROR: timeout", true},
		{"SIN_TEXTO", true},
		{"NO_TEXT", true},
		{"Lo siento, no puedo", true},
		{"I'm sorry, I can't help", true},
		{"un texto normal", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.skip, SkipText(tt.text))
		})
	}
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "hola mundo", NormalizeText("  hola \n\t mundo "))
}

func seedTranscripts(t *testing.T, p *Pipeline, rows []dataset.Transcript) {
	t.Helper()
	require.NoError(t, dataset.WriteTranscripts(p.cfg.Path(TranscriptsFile), rows))
}

func TestClassifyChainsFromTranscripts(t *testing.T) {
	model := &scriptedModel{respond: func(prompt string, _ []byte) (string, error) {
		if strings.Contains(prompt, "chiste") {
			return "humor_entretenimiento", nil
		}
		return "no sé", nil
	}}
	p, _ := newTestPipeline(t, model)
	seedTranscripts(t, p, []dataset.Transcript{
		{Key: "1.png", Text: "un  chiste"},
		{Key: "2.png", Text: "un chiste"},
		{Key: "3.png", Text: "ERROR: fallo"},
		{Key: "4.png", Text: ""},
		{Key: "5.png", Text: "otra cosa"},
	})

	report, err := p.Classify(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Stats.Succeeded)
	assert.Equal(t, int64(2), model.calls.Load())
	assert.Greater(t, report.Stats.Cost, 0.0)

	rows, err := dataset.LoadClassified(p.cfg.Path(ClassifiedFile))
	require.NoError(t, err)
	assert.Equal(t, []dataset.Classified{
		{Key: "1.png", Category: "humor_entretenimiento", Text: "un chiste"},
		{Key: "2.png", Category: "humor_entretenimiento", Text: "un chiste"},
		{Key: "5.png", Category: "otro", Text: "otra cosa"},
	}, rows)

	stats, total, err := p.CategoryStats()
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []CategoryCount{
		{Category: "humor_entretenimiento", Count: 2},
		{Category: "otro", Count: 1},
	}, stats)
}

func TestClassifyWithoutTranscripts(t *testing.T) {
	p, _ := newTestPipeline(t, &scriptedModel{respond: echoImage})

	_, err := p.Classify(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, ErrNoInput)
}

func TestClassifyFatalFailuresAreRecorded(t *testing.T) {
	model := &scriptedModel{respond: func(prompt string, _ []byte) (string, error) {
		if strings.Contains(prompt, "malo") {
			return "", errors.New("status code: 400 invalid_request_error")
		}
		return "vida_cotidiana", nil
	}}
	p, _ := newTestPipeline(t, model)
	seedTranscripts(t, p, []dataset.Transcript{
		{Key: "1.png", Text: "texto malo"},
		{Key: "2.png", Text: "texto bueno"},
	})

	report, err := p.Classify(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stats.Failed)
	assert.Equal(t, 1, report.Stats.Succeeded)
	require.Len(t, report.Stats.Failures, 1)
	assert.Equal(t, "texto malo", report.Stats.Failures[0].Key)
	// Fatal failures are not retried.
	assert.Equal(t, int64(2), model.calls.Load())
}

func TestStageBusy(t *testing.T) {
	p, _ := newTestPipeline(t, &scriptedModel{respond: echoImage})
	seedTranscripts(t, p, []dataset.Transcript{{Key: "1.png", Text: "texto"}})

	release, err := p.acquire(config.StageClassify)
	require.NoError(t, err)

	_, err = p.Classify(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, ErrStageBusy)

	// The guard comes before the feed is read.
	_, err = p.Transcribe(context.Background(), t.TempDir(), RunOptions{})
	assert.ErrorIs(t, err, ErrNoInput)
	releaseT, err := p.acquire(config.StageTranscribe)
	require.NoError(t, err)
	_, err = p.Transcribe(context.Background(), t.TempDir(), RunOptions{})
	assert.ErrorIs(t, err, ErrStageBusy)
	releaseT()

	release()
	_, err = p.acquire(config.StageClassify)
	assert.NoError(t, err)
}

func TestRunUnknownStage(t *testing.T) {
	p, _ := newTestPipeline(t, &scriptedModel{respond: echoImage})

	_, err := p.Run(context.Background(), "dance", "", RunOptions{})
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestStatus(t *testing.T) {
	p, _ := newTestPipeline(t, &scriptedModel{respond: echoImage})
	root := writeImages(t, map[string]string{"1.png": "a", "2.png": "b"})

	_, err := p.Transcribe(context.Background(), root, RunOptions{})
	require.NoError(t, err)

	statuses, err := p.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 4)
	assert.Equal(t, Status{Stage: config.StageTranscribe, Cursor: 2, Cached: 2}, statuses[0])
	assert.Equal(t, 0, statuses[1].Cursor)
}

func TestStatusLeavesCorruptStoreInPlace(t *testing.T) {
	p, _ := newTestPipeline(t, &scriptedModel{respond: echoImage})
	require.NoError(t, os.MkdirAll(p.cfg.DataDir, 0o755))
	path := p.cfg.Path(config.StageClassify) + ".json"
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	statuses, err := p.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, statuses[1].Cached)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	assert.Empty(t, matches)
}
