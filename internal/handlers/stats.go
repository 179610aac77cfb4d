package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/muandane/special-stack/imgwarm/internal/cache"
)

// StatsResponse is the cache snapshot plus the derived hit ratio.
type StatsResponse struct {
	cache.Stats
	CacheHitRatio float64 `json:"cache_hit_ratio"`
}

type StatsHandler struct {
	cache CacheService
}

func NewStatsHandler(svc CacheService) *StatsHandler {
	return &StatsHandler{cache: svc}
}

func (h *StatsHandler) GetStats(c *gin.Context) {
	stats := h.cache.Stats(c.Request.Context())

	resp := StatsResponse{Stats: stats}
	if total := stats.Hits + stats.Misses; total > 0 {
		resp.CacheHitRatio = float64(stats.Hits) / float64(total) * 100
	}

	c.JSON(http.StatusOK, resp)
}
