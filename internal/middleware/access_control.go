package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AccessPolicy lists the client IP prefixes allowed to call guarded routes.
type AccessPolicy struct {
	AllowedIPs []string
}

// WithAccessControl rejects clients whose IP matches none of the allowed prefixes.
func WithAccessControl(policy AccessPolicy, logger *slog.Logger, enabled bool) gin.HandlerFunc {
	if !enabled {
		logger.Info("admin access control is disabled")
		return func(c *gin.Context) { c.Next() }
	}
	logger.Info("admin access control enabled", "allowed_ips", policy.AllowedIPs)

	return func(c *gin.Context) {
		if !isIPAllowed(policy, c.ClientIP()) {
			logger.Warn("admin request denied", "remote_addr", c.ClientIP(), "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied"})
			return
		}
		c.Next()
	}
}

func isIPAllowed(policy AccessPolicy, clientIP string) bool {
	for _, ipPrefix := range policy.AllowedIPs {
		if strings.HasPrefix(clientIP, ipPrefix) {
			return true
		}
	}
	return false
}
