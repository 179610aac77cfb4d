package cache

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Scheduler drives a Warmer over queued URIs with bounded parallelism.
// Only one drain runs at a time; concurrent callers join its queue.
type Scheduler struct {
	store  *Store
	warmer Warmer
	logger *slog.Logger

	fetchGroup singleflight.Group

	mu       sync.Mutex
	queue    []string
	queued   map[string]struct{}
	draining bool

	hits     atomic.Uint64
	misses   atomic.Uint64
	fetches  atomic.Uint64
	failures atomic.Uint64
}

// NewScheduler creates a scheduler over store using warmer as the fetch primitive.
func NewScheduler(store *Store, warmer Warmer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  store,
		warmer: warmer,
		logger: logger,
		queued: make(map[string]struct{}),
	}
}

// ValidURI reports whether uri is an absolute http or https URL with a host.
func ValidURI(uri string) bool {
	if uri == "" {
		return false
	}
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// PrefetchOne makes sure uri is warm. A fresh entry counts as a hit and
// never touches the network. Failed fetches leave no trace in the store.
func (s *Scheduler) PrefetchOne(ctx context.Context, uri string) bool {
	if !ValidURI(uri) {
		return false
	}

	if s.store.TouchIfFresh(ctx, uri) {
		s.hits.Add(1)
		return true
	}
	s.misses.Add(1)

	// The fetch is shared with every caller asking for uri, so it must not
	// die with the first caller's context. Each caller still stops waiting
	// when its own context is done.
	fetchCtx := context.WithoutCancel(ctx)
	ch := s.fetchGroup.DoChan(uri, func() (any, error) {
		s.fetches.Add(1)
		size, ok := s.warmer.Warm(fetchCtx, uri)
		if !ok {
			s.failures.Add(1)
			s.logger.Debug("image prefetch failed", "uri", uri)
			return false, nil
		}
		s.store.RecordFetch(fetchCtx, uri, size)
		return true, nil
	})

	select {
	case r := <-ch:
		return r.Val.(bool)
	case <-ctx.Done():
		return false
	}
}

// PrefetchBatch queues the URIs that are valid, not fresh and not already
// pending. If no drain is active the caller becomes the drainer and returns
// once the queue is empty; otherwise it returns right after enqueueing.
func (s *Scheduler) PrefetchBatch(ctx context.Context, uris []string, concurrency int) BatchResult {
	res := BatchResult{Requested: len(uris)}
	if concurrency <= 0 {
		concurrency = 1
	}

	seen := make(map[string]struct{}, len(uris))
	candidates := make([]string, 0, len(uris))
	for _, uri := range uris {
		if _, dup := seen[uri]; dup {
			res.Skipped++
			continue
		}
		seen[uri] = struct{}{}

		if !ValidURI(uri) || s.store.IsFresh(uri) {
			res.Skipped++
			continue
		}
		candidates = append(candidates, uri)
	}

	if len(candidates) == 0 {
		return res
	}

	s.mu.Lock()
	for _, uri := range candidates {
		if _, pending := s.queued[uri]; pending {
			res.Skipped++
			continue
		}
		s.queued[uri] = struct{}{}
		s.queue = append(s.queue, uri)
		res.Enqueued++
	}
	if res.Enqueued == 0 || s.draining {
		s.mu.Unlock()
		return res
	}
	s.draining = true
	s.mu.Unlock()

	res.Drained = true
	s.drain(context.WithoutCancel(ctx), concurrency)
	return res
}

// drain processes the queue in FIFO batches of at most concurrency URIs.
// A failure in one URI never affects its siblings.
func (s *Scheduler) drain(ctx context.Context, concurrency int) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		n := min(concurrency, len(s.queue))
		batch := make([]string, n)
		copy(batch, s.queue[:n])
		s.queue = s.queue[n:]
		s.mu.Unlock()

		var g errgroup.Group
		for _, uri := range batch {
			g.Go(func() error {
				s.PrefetchOne(ctx, uri)
				return nil
			})
		}
		_ = g.Wait()

		s.mu.Lock()
		for _, uri := range batch {
			delete(s.queued, uri)
		}
		s.mu.Unlock()
	}
}

// Pending returns the number of URIs waiting in the queue.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// ClearQueue drops every pending URI. A running drain finishes its
// current batch and then stops.
func (s *Scheduler) ClearQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = nil
	s.queued = make(map[string]struct{})
}
