package management

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/teampulse/pulse-ai/internal/keys"
)

// GetKeys returns the health of every key. Secrets appear only as
// fingerprints.
func (h *Handler) GetKeys(c *gin.Context) {
	if h.keys == nil {
		c.JSON(http.StatusOK, gin.H{"keys": []keys.Health{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": h.keys.Snapshot()})
}

type invalidateRequest struct {
	TenantID string `json:"tenant_id"`
	Provider string `json:"provider"`
}

// InvalidateKeys drops cached key assignments. Empty fields widen the scope.
func (h *Handler) InvalidateKeys(c *gin.Context) {
	if h.keys == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "key manager unavailable"})
		return
	}
	var req invalidateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	var provider keys.Provider
	if req.Provider != "" {
		p, err := keys.ParseProvider(req.Provider)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		provider = p
	}
	h.keys.InvalidateCache(req.TenantID, provider)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "tenant_id": req.TenantID, "provider": provider})
}
