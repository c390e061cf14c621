// Package checkpoint records how far a batch run has progressed through its
// ordered item list.
package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/enrybds/sayless/internal/atomicfile"
)

// Checkpoint is a monotonic cursor: the index of the next unprocessed item.
// It is persisted as a single decimal integer.
type Checkpoint struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	cursor int
	dirty  bool
}

// Open loads the checkpoint at path. A missing, unreadable or corrupt file
// yields a cursor of 0.
func Open(path string, logger *slog.Logger) *Checkpoint {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Checkpoint{path: path, logger: logger}
	c.cursor = c.read()
	return c
}

func (c *Checkpoint) read() int {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0
	}
	if err != nil {
		c.logger.Warn("checkpoint unreadable, starting from 0", "path", c.path, "error", err)
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		c.logger.Warn("checkpoint corrupt, starting from 0", "path", c.path, "content", truncate(string(data), 40))
		return 0
	}
	return n
}

// Current returns the index of the next unprocessed item.
func (c *Checkpoint) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Advance moves the cursor to index if that is forward. It reports whether
// the cursor moved. Backward moves are ignored.
func (c *Checkpoint) Advance(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index <= c.cursor {
		return false
	}
	c.cursor = index
	c.dirty = true
	return true
}

// Reset sets the cursor back to 0 and removes the file. Used when a run is
// explicitly restarted from scratch.
func (c *Checkpoint) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = 0
	c.dirty = false
	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}

// Flush writes the cursor if it changed since the last flush.
func (c *Checkpoint) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	if err := atomicfile.WriteBytes(c.path, 0o644, []byte(strconv.Itoa(c.cursor)+"\n")); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	c.dirty = false
	return nil
}

// Path returns the backing file path.
func (c *Checkpoint) Path() string {
	return c.path
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
