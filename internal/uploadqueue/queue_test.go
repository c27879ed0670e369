package uploadqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixcache/nixcache/internal/backend"
	"github.com/nixcache/nixcache/internal/store"
)

type fakeObjectStore struct {
	closure func(seeds []store.StorePath) []store.StorePath
}

func (f *fakeObjectStore) Query(ctx context.Context, p store.StorePath) (*store.ValidPathInfo, error) {
	return nil, nil
}
func (f *fakeObjectStore) NarStream(ctx context.Context, p store.StorePath) (store.ReadCloser, error) {
	return nil, nil
}
func (f *fakeObjectStore) Closure(ctx context.Context, seeds []store.StorePath) ([]store.StorePath, error) {
	if f.closure != nil {
		return f.closure(seeds), nil
	}
	return seeds, nil
}
func (f *fakeObjectStore) Follow(ctx context.Context, path string) (store.StorePath, error) {
	return store.StorePath{Path: path}, nil
}
func (f *fakeObjectStore) ListPaths(ctx context.Context) ([]store.StorePath, error) { return nil, nil }

type recordingRunner struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingRunner) Run(ctx context.Context, p store.StorePath) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, p.Hash)
	return nil
}

func (r *recordingRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func TestQueueDedupesAndExpandsClosure(t *testing.T) {
	objStore := &fakeObjectStore{
		closure: func(seeds []store.StorePath) []store.StorePath {
			return append(seeds, store.StorePath{Hash: "dep1"}, store.StorePath{Hash: "dep2"})
		},
	}
	runner := &recordingRunner{}
	q := New(objStore, runner, nil, nil)

	require.NoError(t, q.Enqueue(context.Background(), []store.StorePath{{Hash: "seed"}}))
	require.NoError(t, q.Enqueue(context.Background(), []store.StorePath{{Hash: "seed"}})) // duplicate seed

	require.NoError(t, q.Shutdown(context.Background()))

	calls := runner.Calls()
	assert.Contains(t, calls, "seed")
	assert.Contains(t, calls, "dep1")
	assert.Contains(t, calls, "dep2")

	seedCount := 0
	for _, c := range calls {
		if c == "seed" {
			seedCount++
		}
	}
	assert.Equal(t, 1, seedCount, "seed enqueued twice must only upload once")
}

func TestQueueDropsWhenBreakerTripped(t *testing.T) {
	objStore := &fakeObjectStore{}
	runner := &recordingRunner{}
	breaker := backend.NewCircuitBreaker(nil)
	breaker.Trip()

	q := New(objStore, runner, breaker, nil)
	require.NoError(t, q.Enqueue(context.Background(), []store.StorePath{{Hash: "x"}}))
	require.NoError(t, q.Shutdown(context.Background()))

	assert.Empty(t, runner.Calls())
}

func TestShutdownProcessesQueuedJobsFirst(t *testing.T) {
	objStore := &fakeObjectStore{}
	runner := &recordingRunner{}
	q := New(objStore, runner, nil, nil)

	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(context.Background(), []store.StorePath{{Hash: string(rune('a' + i))}}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))

	assert.Len(t, runner.Calls(), 20)
}
