package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enrybds/sayless/internal/checkpoint"
	"github.com/enrybds/sayless/internal/executor"
	"github.com/enrybds/sayless/internal/store"
)

type fixture struct {
	dir       string
	storePath string
	cpPath    string
	store     *store.Store[string]
	cp        *checkpoint.Checkpoint
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:       dir,
		storePath: filepath.Join(dir, "results.json"),
		cpPath:    filepath.Join(dir, "progress.txt"),
	}
	f.reopen()
	return f
}

// reopen simulates a new process reading the persisted state.
func (f *fixture) reopen() {
	f.store = store.New[string](store.NewJSONFile(f.storePath))
	f.store.Load(context.Background())
	f.cp = checkpoint.Open(f.cpPath, nil)
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newExec(concurrency int) *executor.Executor {
	return executor.New(executor.Config{Concurrency: concurrency}, executor.WithSleep(noSleep))
}

func makeItems(n int) []Item[int] {
	items := make([]Item[int], n)
	for i := range items {
		items[i] = Item[int]{Key: fmt.Sprintf("item-%02d", i), Payload: i}
	}
	return items
}

func upper(_ context.Context, it Item[int]) (string, error) {
	return strings.ToUpper(it.Key), nil
}

func persistedKeys(t *testing.T, path string) map[string]json.RawMessage {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &m), "persisted store must always parse")
	return m
}

func persistedCursor(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return strings.TrimSpace(string(data))
}

func TestRunCompletes(t *testing.T) {
	f := newFixture(t)
	r := New("test", f.store, f.cp, newExec(3), upper, Config{FlushEvery: 4})

	report, err := r.Run(context.Background(), makeItems(10))
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, report.State)
	assert.Equal(t, StateCompleted, r.State())
	assert.Equal(t, 10, report.Stats.Succeeded)
	assert.Equal(t, 10, report.Resume)
	assert.Len(t, persistedKeys(t, f.storePath), 10)
	assert.Equal(t, "10", persistedCursor(t, f.cpPath))

	v, ok := f.store.Lookup("item-03")
	require.True(t, ok)
	assert.Equal(t, "ITEM-03", v)
}

func TestResumeProcessesOnlyTheRemainder(t *testing.T) {
	const n = 12
	for _, offset := range []int{0, 1, 5, 11, 12} {
		t.Run(fmt.Sprintf("offset %d", offset), func(t *testing.T) {
			f := newFixture(t)
			for i := range offset {
				f.store.Put(fmt.Sprintf("item-%02d", i), "done", store.Meta{})
			}
			require.NoError(t, f.store.Flush(context.Background()))
			f.cp.Advance(offset)
			require.NoError(t, f.cp.Flush())
			f.reopen()

			var mu sync.Mutex
			var seen []int
			transform := func(ctx context.Context, it Item[int]) (string, error) {
				mu.Lock()
				seen = append(seen, it.Payload)
				mu.Unlock()
				return "new", nil
			}

			r := New("test", f.store, f.cp, newExec(1), transform, Config{})
			report, err := r.Run(context.Background(), makeItems(n))
			require.NoError(t, err)

			want := []int{}
			for i := offset; i < n; i++ {
				want = append(want, i)
			}
			assert.Equal(t, want, append([]int{}, seen...))
			assert.Equal(t, 0, report.Stats.Cached, "items before the offset are not even looked up")
			assert.Equal(t, n, report.Resume)
		})
	}
}

func TestCrashLeavesLastPeriodicFlush(t *testing.T) {
	f := newFixture(t)

	var storeAtCrash map[string]json.RawMessage
	var cursorAtCrash string
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transform := func(ctx context.Context, it Item[int]) (string, error) {
		if it.Payload == 23 {
			// 23 items are done; whatever is on disk now is what a crash
			// at this point would leave behind.
			storeAtCrash = persistedKeys(t, f.storePath)
			cursorAtCrash = persistedCursor(t, f.cpPath)
			cancel()
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "ok", nil
	}

	r := New("test", f.store, f.cp, newExec(1), transform, Config{FlushEvery: 10, GracePeriod: time.Millisecond})
	report, err := r.Run(ctx, makeItems(100))
	require.NoError(t, err)

	assert.Len(t, storeAtCrash, 20)
	assert.Equal(t, "20", cursorAtCrash)

	assert.Equal(t, StatePaused, report.State)
	assert.Equal(t, 23, report.Resume, "graceful stop flushes everything completed")
	assert.Equal(t, 1, report.Stats.Interrupted)
}

func TestFatalItemIsRecordedAndSkipped(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	transform := func(ctx context.Context, it Item[int]) (string, error) {
		if it.Payload == 2 {
			calls.Add(1)
			return "", executor.Fatal(errors.New("image unreadable"))
		}
		return "ok", nil
	}

	r := New("test", f.store, f.cp, newExec(1), transform, Config{})
	report, err := r.Run(context.Background(), makeItems(5))
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 4, report.Stats.Succeeded)
	require.Len(t, report.Stats.Failures, 1)
	assert.Equal(t, "item-02", report.Stats.Failures[0].Key)
	assert.Equal(t, executor.KindFatal, report.Stats.Failures[0].Kind)
	assert.Equal(t, 1, report.Stats.Failures[0].Attempts)
	assert.Equal(t, 5, report.Resume)

	_, ok := f.store.Lookup("item-02")
	assert.False(t, ok)
}

func TestRetriedItemSucceeds(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	transform := func(ctx context.Context, it Item[int]) (string, error) {
		if calls.Add(1) < executor.DefaultMaxAttempts {
			return "", executor.RateLimited(errors.New("429"), 0)
		}
		return "finally", nil
	}

	r := New("test", f.store, f.cp, newExec(1), transform, Config{})
	report, err := r.Run(context.Background(), makeItems(1))
	require.NoError(t, err)

	assert.Equal(t, 1, report.Stats.Succeeded)
	assert.Equal(t, executor.DefaultMaxAttempts, report.Stats.Calls)
	v, _ := f.store.Lookup("item-00")
	assert.Equal(t, "finally", v)
}

func TestAbortsAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	transform := func(ctx context.Context, it Item[int]) (string, error) {
		calls.Add(1)
		return "", executor.Fatal(errors.New("account blocked"))
	}

	r := New("test", f.store, f.cp, newExec(1), transform, Config{MaxConsecutiveFailures: 5})
	report, err := r.Run(context.Background(), makeItems(20))

	require.ErrorIs(t, err, ErrConsecutiveFailures)
	assert.Contains(t, err.Error(), "account blocked")
	assert.Equal(t, StateAborted, report.State)
	assert.Equal(t, 5, report.Stats.Failed)
	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, "5", persistedCursor(t, f.cpPath))
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	f := newFixture(t)
	transform := func(ctx context.Context, it Item[int]) (string, error) {
		if it.Payload%3 == 2 {
			return "ok", nil
		}
		return "", executor.Fatal(errors.New("nope"))
	}

	r := New("test", f.store, f.cp, newExec(1), transform, Config{MaxConsecutiveFailures: 3})
	report, err := r.Run(context.Background(), makeItems(12))
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, report.State)
	assert.Equal(t, 8, report.Stats.Failed)
	assert.Equal(t, 4, report.Stats.Succeeded)
}

func TestMaxItemsCap(t *testing.T) {
	f := newFixture(t)
	f.store.Put("item-01", "cached", store.Meta{})

	var calls atomic.Int32
	transform := func(ctx context.Context, it Item[int]) (string, error) {
		calls.Add(1)
		return "ok", nil
	}

	r := New("test", f.store, f.cp, newExec(1), transform, Config{MaxItems: 3})
	report, err := r.Run(context.Background(), makeItems(10))
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, report.State)
	assert.True(t, report.Capped)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, report.Stats.Cached)
	assert.Equal(t, 4, report.Resume)
}

func TestCachedItemsAreNotRecomputed(t *testing.T) {
	f := newFixture(t)
	f.store.Put("item-00", "old", store.Meta{})
	f.store.Put("item-02", "old", store.Meta{})

	var calls atomic.Int32
	transform := func(ctx context.Context, it Item[int]) (string, error) {
		calls.Add(1)
		return "new", nil
	}

	r := New("test", f.store, f.cp, newExec(2), transform, Config{})
	report, err := r.Run(context.Background(), makeItems(4))
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, report.Stats.Cached)
	v, _ := f.store.Lookup("item-00")
	assert.Equal(t, "old", v)
}

func TestInterruptThenResume(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	transform := func(ctx context.Context, it Item[int]) (string, error) {
		calls.Add(1)
		if it.Payload == 4 {
			cancel()
		}
		return "ok", nil
	}

	r := New("test", f.store, f.cp, newExec(1), transform, Config{FlushEvery: 50})
	report, err := r.Run(ctx, makeItems(10))
	require.NoError(t, err)
	assert.Equal(t, StatePaused, report.State)
	assert.Equal(t, 5, report.Resume)
	assert.Equal(t, "5", persistedCursor(t, f.cpPath))

	f.reopen()
	r = New("test", f.store, f.cp, newExec(1), transform, Config{})
	report, err = r.Run(context.Background(), makeItems(10))
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, report.State)
	assert.Equal(t, 5, report.Offset)
	assert.Equal(t, 10, report.Resume)
	assert.Equal(t, int32(10), calls.Load(), "no item is transformed twice")
}

func TestOutOfOrderCompletionsNeverRegressCursor(t *testing.T) {
	f := newFixture(t)
	transform := func(ctx context.Context, it Item[int]) (string, error) {
		time.Sleep(time.Duration(rand.IntN(3)) * time.Millisecond)
		return "ok", nil
	}

	var mu sync.Mutex
	var cursors []int
	cfg := Config{FlushEvery: 3, OnProgress: func(p Progress) {
		mu.Lock()
		cursors = append(cursors, p.Cursor)
		mu.Unlock()
	}}

	r := New("test", f.store, f.cp, newExec(6), transform, cfg)
	report, err := r.Run(context.Background(), makeItems(60))
	require.NoError(t, err)
	assert.Equal(t, 60, report.Resume)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, cursors)
	assert.Equal(t, 60, cursors[len(cursors)-1])
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "paused", StatePaused.String())
	assert.True(t, StateAborted.Terminal())
	assert.False(t, StateRunning.Terminal())
}

func TestReportJSONUsesNames(t *testing.T) {
	report := Report{
		Name:  "classify",
		State: StatePaused,
		Stats: Stats{Failed: 1, Failures: []Failure{{Key: "k", Kind: executor.KindFatal, Attempts: 1}}},
	}
	data, err := json.Marshal(report)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"paused"`)
	assert.Contains(t, string(data), `"kind":"fatal"`)

	var back Report
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, StatePaused, back.State)
	assert.Equal(t, executor.KindFatal, back.Stats.Failures[0].Kind)

	var st State
	assert.Error(t, st.UnmarshalText([]byte("sleeping")))
}
