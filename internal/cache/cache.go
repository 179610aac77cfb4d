package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/muandane/special-stack/imgwarm/internal/storage"
)

// Store holds the URI -> Entry map and mirrors it to a durable KV record.
// Reads and policy decisions happen under mu; KV I/O never does.
type Store struct {
	kv       storage.KV
	key      string
	ttl      time.Duration
	capacity int
	now      Clock
	logger   *slog.Logger

	initOnce sync.Once

	mu      sync.Mutex
	entries Metadata
	version uint64

	persistMu sync.Mutex
	persisted uint64

	evictions   atomic.Uint64
	expirations atomic.Uint64
}

// NewStore creates a metadata store. Nothing is loaded until Initialize.
func NewStore(kv storage.KV, key string, ttl time.Duration, capacity int, now Clock, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Store{
		kv:       kv,
		key:      key,
		ttl:      ttl,
		capacity: capacity,
		now:      now,
		logger:   logger,
		entries:  make(Metadata),
	}
}

// Initialize loads the persisted record once, then brings it in line with
// the current clock and capacity and sweeps expired entries. Missing or
// malformed data starts the store empty.
func (s *Store) Initialize(ctx context.Context) {
	s.initOnce.Do(func() {
		loaded := s.load(ctx)

		s.mu.Lock()
		s.entries = loaded
		clamped := s.clampFutureLocked()
		evicted := SelectEvictions(s.entries, s.capacity)
		for _, key := range evicted {
			delete(s.entries, key)
		}
		count := len(s.entries)
		var snapshot Metadata
		var version uint64
		if clamped > 0 || len(evicted) > 0 {
			snapshot, version = s.snapshotLocked()
		}
		s.mu.Unlock()

		s.logger.Info("cache metadata loaded", "entries", count, "key", s.key)
		if clamped > 0 {
			s.logger.Warn("cache metadata had timestamps in the future, reset to now", "count", clamped)
		}
		if len(evicted) > 0 {
			s.evictions.Add(uint64(len(evicted)))
			s.logger.Info("evicted cache entries over capacity", "count", len(evicted), "capacity", s.capacity)
		}
		if snapshot != nil {
			s.persist(ctx, snapshot, version)
		}

		s.RemoveExpired(ctx)
	})
}

// clampFutureLocked resets timestamps ahead of the clock to now, so a record
// written under a skewed clock cannot stay fresh past the TTL.
func (s *Store) clampFutureLocked() int {
	now := s.now().UnixMilli()
	n := 0
	for uri, e := range s.entries {
		if e.Timestamp > now {
			e.Timestamp = now
			s.entries[uri] = e
			n++
		}
	}
	return n
}

func (s *Store) load(ctx context.Context) Metadata {
	data, found, err := s.kv.Get(ctx, s.key)
	if err != nil {
		s.logger.Warn("failed to read cache metadata, starting empty", "error", err)
		return make(Metadata)
	}
	if !found || len(data) == 0 {
		return make(Metadata)
	}

	md, err := DecodeMetadata(data)
	if err != nil {
		s.logger.Warn("malformed cache metadata, starting empty", "error", err, "bytes", len(data))
		return make(Metadata)
	}
	return md
}

// IsFresh reports whether uri has an entry younger than the TTL.
func (s *Store) IsFresh(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[uri]
	return ok && isFresh(e, s.now(), s.ttl)
}

// Get returns a copy of the entry for uri.
func (s *Store) Get(uri string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[uri]
	return e, ok
}

// Touch records a cache hit. It returns false if uri has no entry.
func (s *Store) Touch(ctx context.Context, uri string) bool {
	s.mu.Lock()
	e, ok := s.entries[uri]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e.AccessCount++
	e.Timestamp = s.now().UnixMilli()
	s.entries[uri] = e
	snapshot, version := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(ctx, snapshot, version)
	return true
}

// TouchIfFresh records a hit only when uri is present and fresh, as one step.
func (s *Store) TouchIfFresh(ctx context.Context, uri string) bool {
	s.mu.Lock()
	e, ok := s.entries[uri]
	now := s.now()
	if !ok || !isFresh(e, now, s.ttl) {
		s.mu.Unlock()
		return false
	}
	e.AccessCount++
	e.Timestamp = now.UnixMilli()
	s.entries[uri] = e
	snapshot, version := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(ctx, snapshot, version)
	return true
}

// RecordFetch stores a fresh entry for uri, enforces capacity and persists.
// It returns the URIs evicted to make room.
func (s *Store) RecordFetch(ctx context.Context, uri string, size int64) []string {
	s.mu.Lock()
	s.entries[uri] = Entry{
		URI:         uri,
		Timestamp:   s.now().UnixMilli(),
		AccessCount: 1,
		Size:        size,
	}

	evicted := SelectEvictions(s.entries, s.capacity)
	for _, key := range evicted {
		delete(s.entries, key)
	}
	snapshot, version := s.snapshotLocked()
	s.mu.Unlock()

	if len(evicted) > 0 {
		s.evictions.Add(uint64(len(evicted)))
		s.logger.Debug("evicted cache entries", "count", len(evicted), "uris", evicted)
	}

	s.persist(ctx, snapshot, version)
	return evicted
}

// RemoveExpired drops entries older than the TTL and returns their URIs.
func (s *Store) RemoveExpired(ctx context.Context) []string {
	s.mu.Lock()
	expired := SelectExpired(s.entries, s.now(), s.ttl)
	if len(expired) == 0 {
		s.mu.Unlock()
		return nil
	}
	for _, key := range expired {
		delete(s.entries, key)
	}
	snapshot, version := s.snapshotLocked()
	s.mu.Unlock()

	s.expirations.Add(uint64(len(expired)))
	s.logger.Debug("expired cache entries", "count", len(expired))

	s.persist(ctx, snapshot, version)
	return expired
}

// RemoveAll clears every entry and deletes the persisted record.
func (s *Store) RemoveAll(ctx context.Context) {
	s.mu.Lock()
	s.entries = make(Metadata)
	s.version++
	version := s.version
	s.mu.Unlock()

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	// Older snapshots still waiting on persistMu must not resurrect entries.
	s.persisted = version
	if err := s.kv.Remove(ctx, s.key); err != nil {
		s.logger.Warn("failed to remove cache metadata", "error", err)
	}
}

// Stats returns the entry count and the oldest timestamp, nil when empty.
func (s *Store) Stats() (int, *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *int64
	for _, e := range s.entries {
		if oldest == nil || e.Timestamp < *oldest {
			ts := e.Timestamp
			oldest = &ts
		}
	}
	return len(s.entries), oldest
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) snapshotLocked() (Metadata, uint64) {
	s.version++
	snapshot := make(Metadata, len(s.entries))
	for k, v := range s.entries {
		snapshot[k] = v
	}
	return snapshot, s.version
}

// persist writes snapshot unless a newer version already reached the KV.
// Failures are logged and swallowed; memory stays authoritative.
func (s *Store) persist(ctx context.Context, snapshot Metadata, version uint64) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if version <= s.persisted {
		return
	}

	data, err := EncodeMetadata(snapshot)
	if err != nil {
		s.logger.Warn("failed to encode cache metadata", "error", err)
		return
	}

	if err := s.kv.Set(ctx, s.key, data); err != nil {
		s.logger.Warn("failed to persist cache metadata", "error", err, "entries", len(snapshot))
		return
	}
	s.persisted = version
}
