// Package dataset reads and writes the tabular exports that chain pipeline
// stages, and the plain-text batch files of generated texts.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/enrybds/sayless/internal/atomicfile"
)

// Column names of the exports.
const (
	ColKey      = "key"
	ColFolder   = "folder"
	ColCategory = "category"
	ColText     = "text"
)

// Row represents a single CSV row with column name to value mapping.
type Row map[string]string

// Transcript is one row of the transcription export.
type Transcript struct {
	Key    string
	Folder string
	Text   string
}

// Classified is one row of the classification export.
type Classified struct {
	Key      string
	Category string
	Text     string
}

// LoadCSV reads a CSV file and returns rows as maps of column to value.
// The first row is treated as headers. A missing file yields no rows.
func LoadCSV(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("csv: open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csv: parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	headers := records[0]
	for i, h := range headers {
		headers[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	}
	rows := make([]Row, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(Row, len(headers))
		for j, h := range headers {
			row[h] = record[j]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// WriteCSV atomically writes header and records to path.
func WriteCSV(path string, header []string, records [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("csv: create dir: %w", err)
	}
	err := atomicfile.Write(path, 0o644, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(header); err != nil {
			return err
		}
		if err := cw.WriteAll(records); err != nil {
			return err
		}
		return cw.Error()
	})
	if err != nil {
		return fmt.Errorf("csv: write %s: %w", path, err)
	}
	return nil
}

// LoadTranscripts reads a transcription export.
func LoadTranscripts(path string) ([]Transcript, error) {
	rows, err := LoadCSV(path)
	if err != nil {
		return nil, err
	}
	out := make([]Transcript, 0, len(rows))
	for _, r := range rows {
		out = append(out, Transcript{Key: r[ColKey], Folder: r[ColFolder], Text: r[ColText]})
	}
	return out, nil
}

// WriteTranscripts writes a transcription export.
func WriteTranscripts(path string, rows []Transcript) error {
	records := make([][]string, len(rows))
	for i, r := range rows {
		records[i] = []string{r.Key, r.Folder, r.Text}
	}
	return WriteCSV(path, []string{ColKey, ColFolder, ColText}, records)
}

// LoadClassified reads a classification export.
func LoadClassified(path string) ([]Classified, error) {
	rows, err := LoadCSV(path)
	if err != nil {
		return nil, err
	}
	out := make([]Classified, 0, len(rows))
	for _, r := range rows {
		out = append(out, Classified{Key: r[ColKey], Category: r[ColCategory], Text: r[ColText]})
	}
	return out, nil
}

// WriteClassified writes a classification export.
func WriteClassified(path string, rows []Classified) error {
	records := make([][]string, len(rows))
	for i, r := range rows {
		records[i] = []string{r.Key, r.Category, r.Text}
	}
	return WriteCSV(path, []string{ColKey, ColCategory, ColText}, records)
}
