package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muandane/special-stack/imgwarm/internal/storage"
)

func TestValidURI(t *testing.T) {
	tests := []struct {
		uri  string
		want bool
	}{
		{"https://cdn.example.com/a.png", true},
		{"http://cdn.example.com/a.png?w=200", true},
		{"", false},
		{"ftp://cdn.example.com/a.png", false},
		{"data:image/png;base64,AAAA", false},
		{"file:///tmp/a.png", false},
		{"https://", false},
		{"cdn.example.com/a.png", false},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidURI(tt.uri))
		})
	}
}

func TestPrefetchBatch_NoFetchWhenNothingToDo(t *testing.T) {
	ctx := context.Background()
	w := &fakeWarmer{}
	m := newTestManager(storage.NewMemoryKV(), w, newManualClock())

	res := m.PrefetchBatch(ctx, nil, 3)
	assert.Equal(t, BatchResult{}, res)

	require.True(t, m.Prefetch(ctx, imgA))
	require.True(t, m.Prefetch(ctx, imgB))
	before := len(w.Calls())

	res = m.PrefetchBatch(ctx, []string{imgA, imgB}, 3)
	assert.Equal(t, BatchResult{Requested: 2, Skipped: 2}, res)
	assert.Len(t, w.Calls(), before)
	assert.Equal(t, 0, m.Pending())
}

func TestPrefetchBatch_Deduplicates(t *testing.T) {
	ctx := context.Background()
	w := &fakeWarmer{}
	m := newTestManager(storage.NewMemoryKV(), w, newManualClock())

	res := m.PrefetchBatch(ctx, []string{imgA, imgA, imgA}, 3)

	assert.Equal(t, 1, w.CallCount(imgA))
	assert.Equal(t, 1, res.Enqueued)
	assert.Equal(t, 2, res.Skipped)
	assert.True(t, res.Drained)
	assert.True(t, m.IsCached(ctx, imgA))
}

func TestPrefetchBatch_FailureIsolation(t *testing.T) {
	ctx := context.Background()
	w := &fakeWarmer{fail: map[string]bool{imgB: true}}
	m := newTestManager(storage.NewMemoryKV(), w, newManualClock())

	res := m.PrefetchBatch(ctx, []string{imgA, imgB, imgC}, 3)
	assert.Equal(t, 3, res.Enqueued)

	assert.True(t, m.IsCached(ctx, imgA))
	assert.False(t, m.IsCached(ctx, imgB))
	assert.True(t, m.IsCached(ctx, imgC))

	_, present := m.store.Get(imgB)
	assert.False(t, present, "failed fetches leave no trace")

	stats := m.Stats(ctx)
	assert.Equal(t, 2, stats.Count)
	assert.Equal(t, uint64(1), stats.FetchFailures)

	// A failed URI is retried on the next request.
	w.mu.Lock()
	w.fail = nil
	w.mu.Unlock()
	assert.True(t, m.Prefetch(ctx, imgB))
	assert.Equal(t, 2, w.CallCount(imgB))
}

func TestPrefetchBatch_BoundsConcurrency(t *testing.T) {
	tests := []struct {
		name        string
		concurrency int
		want        int32
	}{
		{"three", 3, 3},
		{"zero means one", 0, 1},
		{"negative means one", -4, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			w := &fakeWarmer{delay: 5 * time.Millisecond}
			m := newTestManager(storage.NewMemoryKV(), w, newManualClock(), WithCapacity(100))

			uris := make([]string, 10)
			for i := range uris {
				uris[i] = fmt.Sprintf("https://cdn.example.com/%d.webp", i)
			}

			res := m.PrefetchBatch(ctx, uris, tt.concurrency)

			assert.Equal(t, 10, res.Enqueued)
			assert.Len(t, w.Calls(), 10)
			assert.LessOrEqual(t, w.maxInflight.Load(), tt.want)
			assert.Equal(t, 10, m.Stats(ctx).Count)
		})
	}
}

func TestPrefetchBatch_FIFOAcrossBatches(t *testing.T) {
	ctx := context.Background()
	w := &fakeWarmer{}
	m := newTestManager(storage.NewMemoryKV(), w, newManualClock())

	uris := []string{
		"https://cdn.example.com/1.png",
		"https://cdn.example.com/2.png",
		"https://cdn.example.com/3.png",
		"https://cdn.example.com/4.png",
	}
	m.PrefetchBatch(ctx, uris, 1)

	assert.Equal(t, uris, w.Calls())
}

func TestPrefetchBatch_ConcurrentCallersJoinOneDrain(t *testing.T) {
	ctx := context.Background()
	w := &fakeWarmer{
		started: make(chan string, 10),
		gate:    make(chan struct{}),
	}
	m := newTestManager(storage.NewMemoryKV(), w, newManualClock())

	var (
		wg    sync.WaitGroup
		first BatchResult
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = m.PrefetchBatch(ctx, []string{imgA}, 1)
	}()

	require.Equal(t, imgA, <-w.started)

	second := m.PrefetchBatch(ctx, []string{imgB, imgC}, 1)
	assert.Equal(t, 2, second.Enqueued)
	assert.False(t, second.Drained, "second caller joins the active drain")
	assert.Equal(t, 2, m.Pending())

	// Already queued URIs are not queued twice.
	third := m.PrefetchBatch(ctx, []string{imgB}, 1)
	assert.Equal(t, 0, third.Enqueued)
	assert.Equal(t, 1, third.Skipped)

	close(w.gate)
	wg.Wait()

	assert.True(t, first.Drained)
	assert.Equal(t, []string{imgA, imgB, imgC}, w.Calls())
	for _, uri := range []string{imgA, imgB, imgC} {
		assert.True(t, m.IsCached(ctx, uri), uri)
	}
	assert.Equal(t, 0, m.Pending())
}

func TestPrefetchOne_ConcurrentCallsShareFetch(t *testing.T) {
	ctx := context.Background()
	w := &fakeWarmer{
		started: make(chan string, 10),
		gate:    make(chan struct{}),
	}
	m := newTestManager(storage.NewMemoryKV(), w, newManualClock())
	m.Initialize(ctx)

	results := make(chan bool, 2)
	go func() { results <- m.Prefetch(ctx, imgA) }()
	<-w.started
	go func() { results <- m.Prefetch(ctx, imgA) }()

	// Let the second caller reach the in-flight fetch before releasing it.
	time.Sleep(20 * time.Millisecond)
	close(w.gate)

	assert.True(t, <-results)
	assert.True(t, <-results)
	assert.Equal(t, 1, w.CallCount(imgA))
}

func TestClearAll_DropsPendingQueue(t *testing.T) {
	ctx := context.Background()
	w := &fakeWarmer{
		started: make(chan string, 10),
		gate:    make(chan struct{}),
	}
	m := newTestManager(storage.NewMemoryKV(), w, newManualClock())

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.PrefetchBatch(ctx, []string{imgA, imgB, imgC}, 1)
	}()
	<-w.started
	require.Equal(t, 2, m.Pending())

	m.ClearAll(ctx)
	assert.Equal(t, 0, m.Pending())

	close(w.gate)
	<-done

	assert.Equal(t, []string{imgA}, w.Calls())
}

func TestPrefetchOne_CancelledCallerDoesNotAbortSharedFetch(t *testing.T) {
	started := make(chan struct{}, 2)
	gate := make(chan struct{})
	w := WarmerFunc(func(ctx context.Context, _ string) (int64, bool) {
		started <- struct{}{}
		<-gate
		return 64, ctx.Err() == nil
	})
	m := newTestManager(storage.NewMemoryKV(), w, newManualClock())
	m.Initialize(context.Background())

	reqCtx, cancel := context.WithCancel(context.Background())
	first := make(chan bool, 1)
	go func() { first <- m.Prefetch(reqCtx, imgA) }()
	<-started

	second := make(chan bool, 1)
	go func() { second <- m.Prefetch(context.Background(), imgA) }()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case ok := <-first:
		assert.False(t, ok, "a cancelled caller stops waiting")
	case <-time.After(time.Second):
		t.Fatal("cancelled caller still blocked on the fetch")
	}

	close(gate)
	assert.True(t, <-second)
	assert.True(t, m.IsCached(context.Background(), imgA))
}
