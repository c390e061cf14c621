package similarity

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enrybds/sayless/internal/executor"
	"github.com/enrybds/sayless/internal/store"
)

// wordEmbedder maps texts onto a small bag-of-words space.
type wordEmbedder struct {
	calls   atomic.Int32
	batches []int
	mu      sync.Mutex
	failOn  string
}

var vocab = []string{"amor", "vida", "sol", "mar", "noche"}

func (e *wordEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	e.mu.Lock()
	e.batches = append(e.batches, len(texts))
	e.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		if e.failOn != "" && t == e.failOn {
			return nil, executor.Fatal(errors.New("bad input"))
		}
		v := make([]float32, len(vocab))
		for _, w := range strings.Fields(strings.ToLower(t)) {
			for j, word := range vocab {
				if w == word {
					v[j]++
				}
			}
		}
		out[i] = v
	}
	return out, nil
}

func newIndex(t *testing.T, emb Embedder, cfg Config) (*Index, *store.Store[[]float32], string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "embeddings.json")
	st := store.New[[]float32](store.NewJSONFile(path))
	exec := executor.New(executor.Config{}, executor.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	return New(st, emb, exec, cfg), st, path
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 1}, []float32{-1, -1}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 2}, 0},
		{"both zero", []float32{0, 0}, []float32{0, 0}, 0},
		{"length mismatch", []float32{1, 2}, []float32{1, 2, 3}, 0},
		{"empty", nil, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Cosine(tt.a, tt.b), 1e-9)
		})
	}
}

func TestEmbedUsesCache(t *testing.T) {
	emb := &wordEmbedder{}
	idx, _, _ := newIndex(t, emb, Config{})
	ctx := context.Background()

	v1, err := idx.Embed(ctx, "amor y vida")
	require.NoError(t, err)
	v2, err := idx.Embed(ctx, "amor y vida")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), emb.calls.Load())
}

func TestPrecomputeBatchesAndFlushes(t *testing.T) {
	emb := &wordEmbedder{}
	idx, _, path := newIndex(t, emb, Config{BatchSize: 4, FlushEvery: 8})
	ctx := context.Background()

	var records []Record
	for i := range 10 {
		records = append(records, Record{Key: fmt.Sprintf("k%d", i), Text: fmt.Sprintf("sol %d", i)})
	}

	stats, err := idx.Precompute(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, PrecomputeStats{Texts: 10, Embedded: 10}, stats)
	assert.Equal(t, []int{4, 4, 2}, emb.batches)

	reloaded := store.New[[]float32](store.NewJSONFile(path))
	assert.Equal(t, 10, reloaded.Load(ctx))

	stats, err = idx.Precompute(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Cached)
	assert.Equal(t, int32(3), emb.calls.Load(), "second pass is fully cached")
}

func TestPrecomputeSkipsFailedBatch(t *testing.T) {
	emb := &wordEmbedder{failOn: "noche"}
	idx, _, _ := newIndex(t, emb, Config{BatchSize: 1})

	stats, err := idx.Precompute(context.Background(), []Record{
		{Text: "sol"}, {Text: "noche"}, {Text: "mar"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Embedded)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, idx.Embedded())
}

func TestRankIdenticalTextFirst(t *testing.T) {
	idx, _, _ := newIndex(t, &wordEmbedder{}, Config{})
	ctx := context.Background()

	_, err := idx.Precompute(ctx, []Record{
		{Text: "sol y mar", Category: "vida_cotidiana"},
		{Text: "amor de noche", Category: "amor_relaciones"},
		{Text: "vida vida"},
	})
	require.NoError(t, err)

	matches, err := idx.Rank(ctx, "amor de noche", 3)
	require.NoError(t, err)
	require.Len(t, matches, 3)

	assert.Equal(t, "amor de noche", matches[0].Text)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
	assert.Equal(t, 100.0, matches[0].Percent)
	assert.Equal(t, "amor_relaciones", matches[0].Category)
	assert.Equal(t, DefaultCategory, matches[2].Category)
}

func TestRankIsDeterministicWithStableTies(t *testing.T) {
	idx, _, _ := newIndex(t, &wordEmbedder{}, Config{})
	ctx := context.Background()

	_, err := idx.Precompute(ctx, []Record{
		{Text: "mar 1"}, {Text: "sol"}, {Text: "mar 2"}, {Text: "mar 3"},
	})
	require.NoError(t, err)

	first, err := idx.Rank(ctx, "mar", 10)
	require.NoError(t, err)
	for range 5 {
		again, err := idx.Rank(ctx, "mar", 10)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	texts := []string{first[0].Text, first[1].Text, first[2].Text, first[3].Text}
	assert.Equal(t, []string{"mar 1", "mar 2", "mar 3", "sol"}, texts)
}

func TestRankDeduplicatesTexts(t *testing.T) {
	emb := &wordEmbedder{}
	idx, st, _ := newIndex(t, emb, Config{})
	ctx := context.Background()

	records := []Record{
		{Key: "a.jpg", Text: "amor"},
		{Key: "b.jpg", Text: "vida"},
		{Key: "c.jpg", Text: "amor"},
		{Key: "d.jpg", Text: "sol"},
		{Key: "e.jpg", Text: "mar"},
	}
	_, err := idx.Precompute(ctx, records)
	require.NoError(t, err)

	for _, r := range records {
		_, ok := st.Lookup(r.Text)
		assert.True(t, ok, "every key's text has a cached embedding: %s", r.Key)
	}

	matches, err := idx.Rank(ctx, "amor", 10)
	require.NoError(t, err)
	assert.Len(t, matches, 4)
}

func TestRankEmptyQuery(t *testing.T) {
	idx, _, _ := newIndex(t, &wordEmbedder{}, Config{})
	_, err := idx.Rank(context.Background(), "", 5)
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestRankConcurrent(t *testing.T) {
	idx, _, _ := newIndex(t, &wordEmbedder{}, Config{})
	ctx := context.Background()
	_, err := idx.Precompute(ctx, []Record{{Text: "sol"}, {Text: "mar"}, {Text: "amor"}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := idx.Rank(ctx, fmt.Sprintf("sol %d", i), 2)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.NoError(t, idx.Flush(ctx))
}
