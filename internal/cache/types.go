package cache

import (
	"context"
	"time"
)

// Entry is the bookkeeping kept for one prefetched image URI.
type Entry struct {
	URI         string `json:"-"`
	Timestamp   int64  `json:"timestamp"`
	AccessCount int64  `json:"accessCount"`
	Size        int64  `json:"size,omitempty"`
}

// Metadata maps image URI to its entry. It is the only persisted state.
type Metadata map[string]Entry

// Warmer fetches and decodes a single image so the platform image stack has it warm.
// It reports the number of bytes fetched when known.
type Warmer interface {
	Warm(ctx context.Context, uri string) (size int64, ok bool)
}

// WarmerFunc adapts a plain function to a Warmer.
type WarmerFunc func(ctx context.Context, uri string) (int64, bool)

func (f WarmerFunc) Warm(ctx context.Context, uri string) (int64, bool) {
	return f(ctx, uri)
}

// Clock returns the current time. Tests inject a manual clock.
type Clock func() time.Time

// Cache configuration
const (
	DefaultTTL            = 24 * time.Hour
	DefaultCapacity       = 50
	DefaultConcurrency    = 3
	DefaultStorageKey     = "imgwarm.cache.metadata"
	MinSizeForCompression = 1024 // Only compress records larger than 1KB
)

// Stats is a point-in-time view of the cache.
type Stats struct {
	Count           int    `json:"count"`
	OldestTimestamp *int64 `json:"oldest_timestamp"`
	Capacity        int    `json:"capacity"`
	TTLMillis       int64  `json:"ttl_ms"`
	Pending         int    `json:"pending"`
	Hits            uint64 `json:"hits"`
	Misses          uint64 `json:"misses"`
	Fetches         uint64 `json:"fetches"`
	FetchFailures   uint64 `json:"fetch_failures"`
	Evictions       uint64 `json:"evictions"`
	Expirations     uint64 `json:"expirations"`
}

// BatchResult describes what a PrefetchBatch call did.
type BatchResult struct {
	Requested int  `json:"requested"`
	Skipped   int  `json:"skipped"`
	Enqueued  int  `json:"enqueued"`
	Drained   bool `json:"drained"`
}
