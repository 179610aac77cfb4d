package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/muandane/special-stack/imgwarm/internal/storage"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeWarmer records calls and fails for the URIs in fail. When gate is
// set every call blocks until it is closed.
type fakeWarmer struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool

	started chan string
	gate    chan struct{}
	delay   time.Duration

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (w *fakeWarmer) Warm(_ context.Context, uri string) (int64, bool) {
	w.mu.Lock()
	w.calls = append(w.calls, uri)
	failed := w.fail[uri]
	w.mu.Unlock()

	n := w.inflight.Add(1)
	defer w.inflight.Add(-1)
	for {
		current := w.maxInflight.Load()
		if n <= current || w.maxInflight.CompareAndSwap(current, n) {
			break
		}
	}

	if w.started != nil {
		w.started <- uri
	}
	if w.gate != nil {
		<-w.gate
	}
	if w.delay > 0 {
		time.Sleep(w.delay)
	}

	if failed {
		return 0, false
	}
	return 128, true
}

func (w *fakeWarmer) Calls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

func (w *fakeWarmer) CallCount(uri string) int {
	n := 0
	for _, c := range w.Calls() {
		if c == uri {
			n++
		}
	}
	return n
}

// countingKV wraps a MemoryKV and counts reads.
type countingKV struct {
	*storage.MemoryKV
	gets atomic.Int32
}

func (k *countingKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	k.gets.Add(1)
	return k.MemoryKV.Get(ctx, key)
}

// brokenKV fails every operation.
type brokenKV struct{}

var errUnavailable = errors.New("store unavailable")

func (brokenKV) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errUnavailable
}

func (brokenKV) Set(context.Context, string, []byte) error {
	return errUnavailable
}

func (brokenKV) Remove(context.Context, string) error {
	return errUnavailable
}

func newTestManager(kv storage.KV, w Warmer, clock *manualClock, opts ...Option) *Manager {
	base := []Option{WithClock(clock.Now), WithLogger(discardLogger)}
	return NewManager(kv, w, append(base, opts...)...)
}
