// Package store provides the content-addressed result cache shared by every
// pipeline stage.
//
// A Store maps a stable item key to a previously computed result. Reads and
// writes happen in memory; nothing touches disk until Flush, which hands a
// consistent snapshot to a Backend that replaces the persisted copy
// atomically.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"time"
)

// ErrPersistenceCorrupt reports a backing file that exists but cannot be
// parsed. Load treats it as an empty store.
var ErrPersistenceCorrupt = errors.New("persisted state is corrupt")

// Entry is a cached result plus the parameters that produced it.
type Entry[V any] struct {
	Value     V                 `json:"value"`
	Model     string            `json:"model,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Meta describes how a result was computed.
type Meta struct {
	Model  string
	Params map[string]string
}

// Snapshot is what a Backend receives on flush. All holds every entry;
// Changed and Deleted list the keys touched since the last successful flush.
type Snapshot struct {
	All     map[string]json.RawMessage
	Changed []string
	Deleted []string
}

// Backend persists encoded entries.
type Backend interface {
	// Load returns every persisted entry. A missing file is not an error.
	// Unparseable state is reported with ErrPersistenceCorrupt.
	Load(ctx context.Context) (map[string]json.RawMessage, error)
	// Save must leave either the previous or the new state readable, never a mix.
	Save(ctx context.Context, snap Snapshot) error
	// Location names the backing file for logs.
	Location() string
	Close() error
}

// Option configures a Store.
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the logger used for load and flush diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Store is a concurrency-safe key to result mapping with explicit flushing.
type Store[V any] struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry[V]
	changed map[string]struct{}
	deleted map[string]struct{}

	flushMu sync.Mutex
}

// New creates an empty store over backend. Call Load to read persisted state.
func New[V any](backend Backend, opts ...Option) *Store[V] {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[V]{
		backend: backend,
		logger:  o.logger,
		now:     o.now,
		entries: make(map[string]Entry[V]),
		changed: make(map[string]struct{}),
		deleted: make(map[string]struct{}),
	}
}

// Load replaces the in-memory contents with the persisted ones and returns
// the number of entries read. It never fails: unreadable state is logged and
// the store starts empty. Individual entries that cannot be decoded are
// skipped.
func (s *Store[V]) Load(ctx context.Context) int {
	raw, err := s.backend.Load(ctx)
	if err != nil {
		s.logger.Warn("cache unreadable, starting empty",
			"location", s.backend.Location(), "error", err)
		raw = nil
	}

	entries := make(map[string]Entry[V], len(raw))
	skipped := 0
	for key, data := range raw {
		e, err := decodeEntry[V](data)
		if err != nil {
			skipped++
			s.logger.Warn("skipping unreadable cache entry", "key", key, "error", err)
			continue
		}
		entries[key] = e
	}

	s.mu.Lock()
	s.entries = entries
	s.changed = make(map[string]struct{})
	s.deleted = make(map[string]struct{})
	s.mu.Unlock()

	s.logger.Debug("cache loaded", "location", s.backend.Location(), "entries", len(entries), "skipped", skipped)
	return len(entries)
}

// decodeEntry accepts both the Entry envelope and a bare value, so a cache
// file edited by hand down to "key": value still loads.
func decodeEntry[V any](data json.RawMessage) (Entry[V], error) {
	var head struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &head); err == nil && head.Value != nil {
		var e Entry[V]
		if err := json.Unmarshal(data, &e); err != nil {
			return Entry[V]{}, err
		}
		return e, nil
	}

	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		return Entry[V]{}, err
	}
	return Entry[V]{Value: v}, nil
}

// Lookup returns the cached value for key.
func (s *Store[V]) Lookup(key string) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e.Value, ok
}

// Entry returns the full cached entry for key.
func (s *Store[V]) Entry(key string) (Entry[V], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// Put stores value under key and reports whether the store changed.
// Writing an identical value is a no-op. An empty value never replaces a
// non-empty one; use Replace for explicit re-computation.
func (s *Store[V]) Put(key string, value V, meta Meta) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		if reflect.DeepEqual(old.Value, value) && old.Model == meta.Model && reflect.DeepEqual(old.Params, meta.Params) {
			return false
		}
		if isEmpty(value) && !isEmpty(old.Value) {
			s.logger.Debug("refusing to overwrite cached result with empty value", "key", key)
			return false
		}
	}
	s.setLocked(key, value, meta)
	return true
}

// Replace stores value under key unconditionally.
func (s *Store[V]) Replace(key string, value V, meta Meta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value, meta)
}

func (s *Store[V]) setLocked(key string, value V, meta Meta) {
	s.entries[key] = Entry[V]{
		Value:     value,
		Model:     meta.Model,
		Params:    meta.Params,
		CreatedAt: s.now().UTC(),
	}
	s.changed[key] = struct{}{}
	delete(s.deleted, key)
}

// Delete removes key.
func (s *Store[V]) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return
	}
	delete(s.entries, key)
	delete(s.changed, key)
	s.deleted[key] = struct{}{}
}

// Keys returns all keys in sorted order.
func (s *Store[V]) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	slices.Sort(keys)
	return keys
}

// Len returns the number of entries.
func (s *Store[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Dirty reports whether there are unflushed changes.
func (s *Store[V]) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.changed) > 0 || len(s.deleted) > 0
}

// Flush persists the current contents. It is a no-op when nothing changed.
// A failed flush keeps the pending changes for the next attempt.
func (s *Store[V]) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if len(s.changed) == 0 && len(s.deleted) == 0 {
		s.mu.Unlock()
		return nil
	}
	snap := Snapshot{
		All:     make(map[string]json.RawMessage, len(s.entries)),
		Changed: setKeys(s.changed),
		Deleted: setKeys(s.deleted),
	}
	for k, e := range s.entries {
		data, err := json.Marshal(e)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("encode entry %q: %w", k, err)
		}
		snap.All[k] = data
	}
	s.changed = make(map[string]struct{})
	s.deleted = make(map[string]struct{})
	s.mu.Unlock()

	start := time.Now()
	if err := s.backend.Save(ctx, snap); err != nil {
		s.mu.Lock()
		for _, k := range snap.Changed {
			if _, ok := s.entries[k]; ok {
				s.changed[k] = struct{}{}
			}
		}
		for _, k := range snap.Deleted {
			if _, ok := s.entries[k]; !ok {
				s.deleted[k] = struct{}{}
			}
		}
		s.mu.Unlock()
		return fmt.Errorf("flush %s: %w", s.backend.Location(), err)
	}

	s.logger.Debug("cache flushed",
		"location", s.backend.Location(),
		"entries", len(snap.All),
		"changed", len(snap.Changed),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Close releases the backend. It does not flush.
func (s *Store[V]) Close() error {
	return s.backend.Close()
}

func setKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func isEmpty(v any) bool {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return true
	}
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	default:
		return rv.IsZero()
	}
}
