// Package fetch provides the HTTP fetch-and-warm primitive used by the image cache.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/muandane/special-stack/imgwarm/internal/config"
)

const defaultMaxBytes = 20 * 1024 * 1024

// Fetcher downloads images over HTTP and checks that they decode.
// Pixels are discarded; the platform image stack owns them.
type Fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	maxBytes  int64
	userAgent string
	logger    *slog.Logger
}

// NewFetcher creates a Fetcher from the fetch configuration. A zero rate
// limit disables limiting.
func NewFetcher(cfg config.FetchConfig, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(limit, burst),
		maxBytes:  maxBytes,
		userAgent: cfg.UserAgent,
		logger:    logger.With("component", "fetcher"),
	}
}

// Warm fetches uri and reports its size. Any failure is a plain false; the
// reason is only logged.
func (f *Fetcher) Warm(ctx context.Context, uri string) (int64, bool) {
	size, err := f.fetch(ctx, uri)
	if err != nil {
		f.logger.Debug("failed to warm image", "uri", uri, "error", err)
		return 0, false
	}
	f.logger.Debug("image warmed", "uri", uri, "bytes", size)
	return size, true
}

func (f *Fetcher) fetch(ctx context.Context, uri string) (int64, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "image/") {
		return 0, fmt.Errorf("not an image: %s", contentType)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return 0, fmt.Errorf("failed to read body: %w", err)
	}
	if len(data) == 0 {
		return 0, errors.New("empty body")
	}
	if int64(len(data)) > f.maxBytes {
		return 0, fmt.Errorf("image exceeds %d bytes", f.maxBytes)
	}

	// Formats without a registered decoder (webp, svg, avif) are accepted as is.
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil && !errors.Is(err, image.ErrFormat) {
		return 0, fmt.Errorf("failed to decode image: %w", err)
	}

	return int64(len(data)), nil
}
