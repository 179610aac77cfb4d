package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/muandane/special-stack/imgwarm/internal/storage"
)

// Manager is the entry point to the image cache. It composes the metadata
// store, the eviction policy and the prefetch scheduler. Every method makes
// sure the persisted metadata has been loaded first and none of them
// returns an error: cache failures are cache misses.
type Manager struct {
	store     *Store
	scheduler *Scheduler
	logger    *slog.Logger

	background sync.WaitGroup

	ttl         time.Duration
	capacity    int
	concurrency int
}

type options struct {
	ttl         time.Duration
	capacity    int
	concurrency int
	storageKey  string
	clock       Clock
	logger      *slog.Logger
}

// Option configures a Manager.
type Option func(*options)

// WithTTL sets how long an entry stays fresh.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithCapacity bounds the number of tracked entries.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithConcurrency sets the default batch size used by callers that do not pick one.
func WithConcurrency(n int) Option {
	return func(o *options) { o.concurrency = n }
}

// WithStorageKey overrides the KV key holding the metadata record.
func WithStorageKey(key string) Option {
	return func(o *options) { o.storageKey = key }
}

// WithClock injects the time source.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewManager builds a Manager over a durable KV and a fetch primitive.
// Non-positive settings fall back to the defaults.
func NewManager(kv storage.KV, warmer Warmer, opts ...Option) *Manager {
	o := options{
		ttl:         DefaultTTL,
		capacity:    DefaultCapacity,
		concurrency: DefaultConcurrency,
		storageKey:  DefaultStorageKey,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		o.ttl = DefaultTTL
	}
	if o.capacity <= 0 {
		o.capacity = DefaultCapacity
	}
	if o.concurrency <= 0 {
		o.concurrency = DefaultConcurrency
	}
	if o.storageKey == "" {
		o.storageKey = DefaultStorageKey
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	logger := o.logger.With("component", "image-cache")
	store := NewStore(kv, o.storageKey, o.ttl, o.capacity, o.clock, logger)

	return &Manager{
		store:       store,
		scheduler:   NewScheduler(store, warmer, logger),
		logger:      logger,
		ttl:         o.ttl,
		capacity:    o.capacity,
		concurrency: o.concurrency,
	}
}

// Initialize loads persisted metadata. Calling it more than once is a no-op.
func (m *Manager) Initialize(ctx context.Context) {
	m.store.Initialize(ctx)
}

// Prefetch warms a single image.
func (m *Manager) Prefetch(ctx context.Context, uri string) bool {
	m.Initialize(ctx)
	return m.scheduler.PrefetchOne(ctx, uri)
}

// PrefetchBatch queues uris for warming, concurrency at a time.
func (m *Manager) PrefetchBatch(ctx context.Context, uris []string, concurrency int) BatchResult {
	m.Initialize(ctx)
	res := m.scheduler.PrefetchBatch(ctx, uris, concurrency)
	m.logger.Debug("prefetch batch",
		"requested", res.Requested,
		"skipped", res.Skipped,
		"enqueued", res.Enqueued,
		"drained", res.Drained,
	)
	return res
}

// PrefetchBatchAsync runs PrefetchBatch in the background, detached from
// ctx cancellation. Wait blocks until such batches have finished.
func (m *Manager) PrefetchBatchAsync(ctx context.Context, uris []string, concurrency int) {
	ctx = context.WithoutCancel(ctx)
	m.background.Go(func() {
		m.PrefetchBatch(ctx, uris, concurrency)
	})
}

// Wait blocks until background batches and the janitor have returned, or
// until ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.background.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsCached reports whether uri is fresh. It does not count as a hit.
func (m *Manager) IsCached(ctx context.Context, uri string) bool {
	m.Initialize(ctx)
	return m.store.IsFresh(uri)
}

// RemoveExpired sweeps entries older than the TTL and returns their URIs.
func (m *Manager) RemoveExpired(ctx context.Context) []string {
	m.Initialize(ctx)
	return m.store.RemoveExpired(ctx)
}

// ClearAll drops every entry, the persisted record and the pending queue.
func (m *Manager) ClearAll(ctx context.Context) {
	m.Initialize(ctx)
	m.scheduler.ClearQueue()
	m.store.RemoveAll(ctx)
	m.logger.Info("image cache cleared")
}

// Stats returns a snapshot of cache size and counters.
func (m *Manager) Stats(ctx context.Context) Stats {
	m.Initialize(ctx)
	count, oldest := m.store.Stats()
	return Stats{
		Count:           count,
		OldestTimestamp: oldest,
		Capacity:        m.capacity,
		TTLMillis:       m.ttl.Milliseconds(),
		Pending:         m.scheduler.Pending(),
		Hits:            m.scheduler.hits.Load(),
		Misses:          m.scheduler.misses.Load(),
		Fetches:         m.scheduler.fetches.Load(),
		FetchFailures:   m.scheduler.failures.Load(),
		Evictions:       m.store.evictions.Load(),
		Expirations:     m.store.expirations.Load(),
	}
}

// Pending returns the number of queued URIs.
func (m *Manager) Pending() int {
	return m.scheduler.Pending()
}

// Concurrency returns the configured default batch size.
func (m *Manager) Concurrency() int {
	return m.concurrency
}

// StartJanitor sweeps expired entries every interval until ctx is done.
// A non-positive interval disables it.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.background.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := m.RemoveExpired(ctx); len(removed) > 0 {
					m.logger.Info("expired image cache entries", "count", len(removed))
				}
			}
		}
	})
}
