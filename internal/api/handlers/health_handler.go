package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthHandler answers liveness probes.
type HealthHandler struct {
	deps *Deps
}

func NewHealthHandler(deps *Deps) *HealthHandler {
	return &HealthHandler{deps: deps}
}

// Check handles GET /api/health. The database round-trip is the only
// dependency worth probing.
func (h *HealthHandler) Check(c *gin.Context) {
	sqlDB, err := h.deps.DB.DB()
	if err == nil {
		err = sqlDB.Ping()
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}

	snap := h.deps.Publisher.Current()
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"built_at": snap.BuiltAt,
		"hosts":    len(snap.Hosts),
		"streams":  len(snap.Streams),
	})
}
