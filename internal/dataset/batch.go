package dataset

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/enrybds/sayless/internal/atomicfile"
)

// BatchSeparator sits between texts in a batch file.
const BatchSeparator = "\n\n---\n\n"

// SaveBatch writes texts to the first free batch_<n>.txt in dir and returns
// its path.
func SaveBatch(dir string, texts []string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create batch dir: %w", err)
	}

	var path string
	for n := 1; ; n++ {
		path = filepath.Join(dir, fmt.Sprintf("batch_%d.txt", n))
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			break
		} else if err != nil {
			return "", fmt.Errorf("stat %s: %w", path, err)
		}
	}

	err := atomicfile.Write(path, 0o644, func(w io.Writer) error {
		for _, t := range texts {
			if _, err := io.WriteString(w, t+BatchSeparator); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("save batch: %w", err)
	}
	return path, nil
}

// ReadBatch splits a batch file back into texts.
func ReadBatch(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	var out []string
	for _, part := range strings.Split(string(data), BatchSeparator) {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out, nil
}
