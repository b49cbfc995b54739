// Package management exposes the operator endpoints: usage statistics, usage
// export and import, the usage log and key health.
package management

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/teampulse/pulse-ai/internal/keys"
	"github.com/teampulse/pulse-ai/internal/usage"
)

// Handler serves the management API. db may be nil, in which case usage
// endpoints fall back to the in-memory statistics.
type Handler struct {
	db            *gorm.DB
	usageStats    *usage.RequestStatistics
	keys          *keys.Manager
	managementKey string
}

func NewHandler(db *gorm.DB, stats *usage.RequestStatistics, manager *keys.Manager, managementKey string) *Handler {
	return &Handler{db: db, usageStats: stats, keys: manager, managementKey: managementKey}
}

// Middleware rejects requests without the management key. An empty key
// leaves the endpoints reachable only from loopback.
func (h *Handler) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.managementKey == "" {
			if !isLoopback(c.ClientIP()) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "management key not configured"})
				return
			}
			c.Next()
			return
		}
		provided := c.GetHeader("X-Management-Key")
		if provided == "" {
			provided = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(h.managementKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid management key"})
			return
		}
		c.Next()
	}
}

func isLoopback(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1"
}

// Register mounts every endpoint on group.
func (h *Handler) Register(group *gin.RouterGroup) {
	group.Use(h.Middleware())
	group.GET("/usage", h.GetUsageStatistics)
	group.GET("/usage/export", h.ExportUsageStatistics)
	group.POST("/usage/import", h.ImportUsageStatistics)
	group.GET("/logs", h.GetTrafficLogs)
	group.GET("/keys", h.GetKeys)
	group.POST("/keys/invalidate", h.InvalidateKeys)
}
