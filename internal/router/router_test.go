package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muandane/special-stack/imgwarm/internal/cache"
	"github.com/muandane/special-stack/imgwarm/internal/config"
	"github.com/muandane/special-stack/imgwarm/internal/storage"
)

const (
	goodImage = "https://cdn.example.com/ok.png"
	badImage  = "https://cdn.example.com/broken.png"
)

func newTestEngine(t *testing.T, access config.AccessConfig) (*gin.Engine, *cache.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	warmer := cache.WarmerFunc(func(_ context.Context, uri string) (int64, bool) {
		return 64, uri != badImage
	})
	manager := cache.NewManager(storage.NewMemoryKV(), warmer, cache.WithLogger(logger))

	return NewRouter(logger).Setup(manager, access), manager
}

func do(engine http.Handler, method, path, body, remoteAddr string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRouter_Health(t *testing.T) {
	engine, _ := newTestEngine(t, config.AccessConfig{})

	rec := do(engine, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestRouter_PrefetchAndCached(t *testing.T) {
	engine, _ := newTestEngine(t, config.AccessConfig{})

	rec := do(engine, http.MethodGet, "/cached?uri="+goodImage, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[map[string]any](t, rec)["cached"].(bool))

	rec = do(engine, http.MethodPost, "/prefetch", `{"uri":"`+goodImage+`"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"uri":"`+goodImage+`","ok":true}`, rec.Body.String())

	rec = do(engine, http.MethodPost, "/prefetch", `{"uri":"`+badImage+`"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"uri":"`+badImage+`","ok":false}`, rec.Body.String())

	rec = do(engine, http.MethodGet, "/cached?uri="+goodImage, "", "")
	assert.True(t, decode[map[string]any](t, rec)["cached"].(bool))
}

func TestRouter_PrefetchValidation(t *testing.T) {
	engine, _ := newTestEngine(t, config.AccessConfig{})

	rec := do(engine, http.MethodPost, "/prefetch", `{"uri":`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(engine, http.MethodPost, "/prefetch", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "input validation failed", decode[map[string]any](t, rec)["message"])

	req := httptest.NewRequest(http.MethodPost, "/prefetch", strings.NewReader(`uri=x`))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = do(engine, http.MethodGet, "/cached", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_PrefetchBatchWait(t *testing.T) {
	engine, manager := newTestEngine(t, config.AccessConfig{})

	body := `{"uris":["` + goodImage + `","` + goodImage + `","` + badImage + `","ftp://x/y.png"],"concurrency":2,"wait":true}`
	rec := do(engine, http.MethodPost, "/prefetch/batch", body, "")
	require.Equal(t, http.StatusOK, rec.Code)

	res := decode[cache.BatchResult](t, rec)
	assert.Equal(t, cache.BatchResult{Requested: 4, Skipped: 2, Enqueued: 2, Drained: true}, res)

	assert.True(t, manager.IsCached(context.Background(), goodImage))
	assert.False(t, manager.IsCached(context.Background(), badImage))
}

func TestRouter_PrefetchBatchAsync(t *testing.T) {
	engine, manager := newTestEngine(t, config.AccessConfig{})

	rec := do(engine, http.MethodPost, "/prefetch/batch", `{"uris":["`+goodImage+`"]}`, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"requested":1}`, rec.Body.String())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, manager.Wait(ctx))
	assert.True(t, manager.IsCached(context.Background(), goodImage))
}

func TestRouter_StatsAndMetrics(t *testing.T) {
	engine, _ := newTestEngine(t, config.AccessConfig{})

	do(engine, http.MethodPost, "/prefetch", `{"uri":"`+goodImage+`"}`, "")
	do(engine, http.MethodPost, "/prefetch", `{"uri":"`+goodImage+`"}`, "")

	rec := do(engine, http.MethodGet, "/stats", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[map[string]any](t, rec)
	assert.Equal(t, float64(1), stats["count"])
	assert.Equal(t, float64(50), stats["capacity"])
	assert.Equal(t, float64(1), stats["hits"])
	assert.Equal(t, float64(50), stats["cache_hit_ratio"])

	rec = do(engine, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "image_cache_entries 1")
	assert.Contains(t, rec.Body.String(), "http_requests_total")
	assert.Contains(t, rec.Body.String(), `http_response_status_total{code="200"}`)
}

func TestRouter_ExpireAndClear(t *testing.T) {
	engine, manager := newTestEngine(t, config.AccessConfig{})

	do(engine, http.MethodPost, "/prefetch", `{"uri":"`+goodImage+`"}`, "")

	rec := do(engine, http.MethodPost, "/expire", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":[]}`, rec.Body.String())

	rec = do(engine, http.MethodDelete, "/cache", "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, manager.Stats(context.Background()).Count)
}

func TestRouter_AdminAccessControl(t *testing.T) {
	engine, manager := newTestEngine(t, config.AccessConfig{
		Enabled:    true,
		AllowedIPs: []string{"10.0."},
	})
	do(engine, http.MethodPost, "/prefetch", `{"uri":"`+goodImage+`"}`, "192.168.1.5:4000")

	rec := do(engine, http.MethodDelete, "/cache", "", "192.168.1.5:4000")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 1, manager.Stats(context.Background()).Count)

	rec = do(engine, http.MethodDelete, "/cache", "", "10.0.3.7:4000")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, manager.Stats(context.Background()).Count)
}
