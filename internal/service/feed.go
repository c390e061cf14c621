package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/enrybds/sayless/internal/atomicfile"
	"github.com/enrybds/sayless/internal/runner"
)

// feedManifest is the arrival order of a stage's feed keys. A checkpoint
// cursor indexes into this order, so it only ever grows at the end.
type feedManifest struct {
	path string
	keys []string
}

func (p *Pipeline) feedPath(stage string) string {
	return p.cfg.Path(stage + ".feed.json")
}

// loadFeed reads the manifest at path. A missing or corrupt file yields an
// empty manifest.
func (p *Pipeline) loadFeed(stage string) *feedManifest {
	m := &feedManifest{path: p.feedPath(stage)}
	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return m
	}
	if err == nil {
		err = json.Unmarshal(data, &m.keys)
	}
	if err != nil {
		p.logger.Warn("feed manifest unreadable, using scan order", "path", m.path, "error", err)
		m.keys = nil
	}
	return m
}

func (m *feedManifest) save() error {
	return atomicfile.Write(m.path, 0o644, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(m.keys)
	})
}

func (m *feedManifest) reset() error {
	m.keys = nil
	if err := os.Remove(m.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove feed manifest: %w", err)
	}
	return nil
}

// arrange orders items by the manifest: known keys keep their position and
// new keys are appended in scan order. It reports whether a key below cursor
// is gone, which shifts every later position.
func arrange[P any](m *feedManifest, items []runner.Item[P], cursor int) (ordered []runner.Item[P], shifted bool) {
	byKey := make(map[string]runner.Item[P], len(items))
	for _, it := range items {
		byKey[it.Key] = it
	}

	ordered = make([]runner.Item[P], 0, len(items))
	placed := make(map[string]bool, len(items))
	for i, k := range m.keys {
		it, ok := byKey[k]
		if !ok || placed[k] {
			if i < cursor {
				shifted = true
			}
			continue
		}
		placed[k] = true
		ordered = append(ordered, it)
	}
	for _, it := range items {
		if placed[it.Key] {
			continue
		}
		placed[it.Key] = true
		ordered = append(ordered, it)
	}

	m.keys = make([]string, len(ordered))
	for i, it := range ordered {
		m.keys[i] = it.Key
	}
	return ordered, shifted
}
