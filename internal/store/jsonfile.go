package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/enrybds/sayless/internal/atomicfile"
)

// JSONFile persists entries as a single JSON object, one entry per line,
// keys sorted. The file stays readable and editable by hand.
type JSONFile struct {
	path string
	now  func() time.Time
}

var _ Backend = (*JSONFile)(nil)

// NewJSONFile returns a backend for path. The file is created on first flush.
func NewJSONFile(path string) *JSONFile {
	return &JSONFile{path: path, now: time.Now}
}

// Location returns the file path.
func (f *JSONFile) Location() string {
	return f.path
}

// Load reads the file. An unparseable file is moved aside to
// <path>.corrupt-<unix> so the next flush cannot destroy it.
func (f *JSONFile) Load(_ context.Context) (map[string]json.RawMessage, error) {
	raw, parseErr, err := f.read()
	if err != nil {
		return nil, err
	}
	if parseErr != nil {
		aside := f.path + ".corrupt-" + strconv.FormatInt(f.now().Unix(), 10)
		if renameErr := os.Rename(f.path, aside); renameErr != nil {
			return nil, fmt.Errorf("%w: %s: %v (move aside failed: %v)", ErrPersistenceCorrupt, f.path, parseErr, renameErr)
		}
		return nil, fmt.Errorf("%w: %s moved to %s: %v", ErrPersistenceCorrupt, f.path, aside, parseErr)
	}
	return raw, nil
}

// Count returns the number of persisted entries. It never touches the file.
func (f *JSONFile) Count(_ context.Context) (int, error) {
	raw, parseErr, err := f.read()
	if err != nil {
		return 0, err
	}
	if parseErr != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrPersistenceCorrupt, f.path, parseErr)
	}
	return len(raw), nil
}

// read returns the decoded file. parseErr is set when the file exists but is
// not a JSON object.
func (f *JSONFile) read() (raw map[string]json.RawMessage, parseErr, err error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]json.RawMessage{}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]json.RawMessage{}, nil, nil
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err, nil
	}
	if raw == nil {
		raw = map[string]json.RawMessage{}
	}
	return raw, nil, nil
}

// Save rewrites the whole file atomically.
func (f *JSONFile) Save(_ context.Context, snap Snapshot) error {
	keys := make([]string, 0, len(snap.All))
	for k := range snap.All {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	return atomicfile.Write(f.path, 0o644, func(w io.Writer) error {
		return writeObject(w, keys, snap.All)
	})
}

// Close is a no-op.
func (f *JSONFile) Close() error {
	return nil
}

func writeObject(w io.Writer, keys []string, values map[string]json.RawMessage) error {
	if _, err := io.WriteString(w, "{\n"); err != nil {
		return err
	}
	for i, k := range keys {
		name, err := json.Marshal(k)
		if err != nil {
			return err
		}
		var line bytes.Buffer
		line.WriteString("  ")
		line.Write(name)
		line.WriteString(": ")
		if err := json.Compact(&line, values[k]); err != nil {
			return fmt.Errorf("compact %q: %w", k, err)
		}
		if i < len(keys)-1 {
			line.WriteByte(',')
		}
		line.WriteByte('\n')
		if _, err := w.Write(line.Bytes()); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "}\n")
	return err
}
