package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/muandane/special-stack/imgwarm/internal/cache"
)

// CacheService is the part of cache.Manager the HTTP layer needs.
type CacheService interface {
	Prefetch(ctx context.Context, uri string) bool
	PrefetchBatch(ctx context.Context, uris []string, concurrency int) cache.BatchResult
	PrefetchBatchAsync(ctx context.Context, uris []string, concurrency int)
	IsCached(ctx context.Context, uri string) bool
	RemoveExpired(ctx context.Context) []string
	ClearAll(ctx context.Context)
	Stats(ctx context.Context) cache.Stats
	Concurrency() int
}

type CacheHandler struct {
	cache  CacheService
	logger *slog.Logger
}

func NewCacheHandler(svc CacheService, logger *slog.Logger) *CacheHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheHandler{cache: svc, logger: logger}
}

type prefetchRequest struct {
	URI string `json:"uri"`
}

type prefetchResponse struct {
	URI string `json:"uri"`
	OK  bool   `json:"ok"`
}

type batchRequest struct {
	URIs        []string `json:"uris"`
	Concurrency int      `json:"concurrency"`
	Wait        bool     `json:"wait"`
}

type cachedResponse struct {
	URI    string `json:"uri"`
	Cached bool   `json:"cached"`
}

// Prefetch warms one image and reports whether it is now cached.
func (h *CacheHandler) Prefetch(c *gin.Context) {
	var req prefetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, h.logger, http.StatusBadRequest, "failed to decode request body", err)
		return
	}
	if req.URI == "" {
		sendError(c, h.logger, http.StatusBadRequest, "input validation failed",
			&ValidationError{Field: "uri", Message: "required"})
		return
	}

	ok := h.cache.Prefetch(c.Request.Context(), req.URI)
	c.JSON(http.StatusOK, prefetchResponse{URI: req.URI, OK: ok})
}

// PrefetchBatch queues URIs for warming. Without wait the batch runs in the
// background and the handler answers 202 right away.
func (h *CacheHandler) PrefetchBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, h.logger, http.StatusBadRequest, "failed to decode request body", err)
		return
	}

	concurrency := req.Concurrency
	if concurrency == 0 {
		concurrency = h.cache.Concurrency()
	}

	if !req.Wait {
		h.cache.PrefetchBatchAsync(c.Request.Context(), req.URIs, concurrency)
		c.JSON(http.StatusAccepted, gin.H{"requested": len(req.URIs)})
		return
	}

	res := h.cache.PrefetchBatch(c.Request.Context(), req.URIs, concurrency)
	c.JSON(http.StatusOK, res)
}

// IsCached reports whether ?uri= is fresh.
func (h *CacheHandler) IsCached(c *gin.Context) {
	uri := c.Query("uri")
	if uri == "" {
		sendError(c, h.logger, http.StatusBadRequest, "input validation failed",
			&ValidationError{Field: "uri", Message: "required"})
		return
	}
	c.JSON(http.StatusOK, cachedResponse{URI: uri, Cached: h.cache.IsCached(c.Request.Context(), uri)})
}

// Expire sweeps expired entries.
func (h *CacheHandler) Expire(c *gin.Context) {
	removed := h.cache.RemoveExpired(c.Request.Context())
	if removed == nil {
		removed = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// Clear drops every entry and the pending queue.
func (h *CacheHandler) Clear(c *gin.Context) {
	h.cache.ClearAll(c.Request.Context())
	c.Status(http.StatusNoContent)
}
