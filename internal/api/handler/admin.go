package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jibbs/catalog/internal/service"
)

// AdminHandler handles maintenance endpoints.
type AdminHandler struct {
	sweeper *service.Sweeper
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(sweeper *service.Sweeper) *AdminHandler {
	return &AdminHandler{
		sweeper: sweeper,
	}
}

// Sweep handles POST /api/v1/admin/sweep. It runs the orphan sweep
// synchronously and reports what was reclaimed.
func (h *AdminHandler) Sweep(c *gin.Context) {
	stats, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Sweep failed: " + err.Error(),
			"stats": stats,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scanned":  stats.Scanned,
		"orphaned": stats.Orphaned,
		"deleted":  stats.Deleted,
		"failed":   stats.Failed,
		"duration": stats.EndTime.Sub(stats.StartTime).String(),
	})
}
