package router

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/muandane/special-stack/imgwarm/internal/cache"
	"github.com/muandane/special-stack/imgwarm/internal/config"
	"github.com/muandane/special-stack/imgwarm/internal/handlers"
	"github.com/muandane/special-stack/imgwarm/internal/middleware"
)

const maxBodyBytes = 1 << 20

type Router struct {
	engine *gin.Engine
	logger *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	gin.SetMode(gin.ReleaseMode)
	return &Router{
		engine: gin.New(),
		logger: logger,
	}
}

func (r *Router) Setup(svc handlers.CacheService, access config.AccessConfig) *gin.Engine {
	validationConfig := middleware.ValidationConfig{
		ExcludedPaths: []string{
			"/health",
			"/metrics",
			"/stats",
		},
		MaxBodyBytes: maxBodyBytes,
	}

	metricsMiddleware := middleware.NewMetricsMiddleware(func() cache.Stats {
		return svc.Stats(context.Background())
	})
	statsHandler := handlers.NewStatsHandler(svc)
	cacheHandler := handlers.NewCacheHandler(svc, r.logger)
	adminOnly := middleware.WithAccessControl(
		middleware.AccessPolicy{AllowedIPs: access.AllowedIPs},
		r.logger,
		access.Enabled,
	)

	r.engine.Use(
		gin.Recovery(),
		middleware.WithLogging(r.logger),
		metricsMiddleware.WithMetrics(),
		middleware.WithValidation(validationConfig),
	)

	r.engine.GET("/health", handlers.HealthCheck)
	r.engine.GET("/metrics", metricsMiddleware.Handler)
	r.engine.GET("/stats", statsHandler.GetStats)
	r.engine.GET("/cached", cacheHandler.IsCached)
	r.engine.POST("/prefetch", cacheHandler.Prefetch)
	r.engine.POST("/prefetch/batch", cacheHandler.PrefetchBatch)

	admin := r.engine.Group("/", adminOnly)
	admin.POST("/expire", cacheHandler.Expire)
	admin.DELETE("/cache", cacheHandler.Clear)

	return r.engine
}
