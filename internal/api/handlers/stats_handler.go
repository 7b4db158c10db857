package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gatehouse-proxy/gatehouse/internal/models"
)

// StatsHandler exposes realtime counters and minute-resolution history.
type StatsHandler struct {
	deps *Deps
}

func NewStatsHandler(deps *Deps) *StatsHandler {
	return &StatsHandler{deps: deps}
}

// Realtime handles GET /api/stats/realtime
func (h *StatsHandler) Realtime(c *gin.Context) {
	counters := h.deps.Collector.Realtime()
	connections, bytes := h.deps.Forwarder.Totals()
	c.JSON(http.StatusOK, gin.H{
		"http":    counters,
		"streams": gin.H{"connections": connections, "bytes": bytes},
	})
}

// History handles GET /api/stats/history?hours=. Ranges up to 24 hours come
// from the in-memory ring; longer ranges come entirely from the flushed rows.
func (h *StatsHandler) History(c *gin.Context) {
	hours := 1
	if raw := c.Query("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be a positive integer"})
			return
		}
		hours = parsed
	}

	if hours <= 24 {
		c.JSON(http.StatusOK, h.deps.Collector.History(hours))
		return
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	var rows []models.TrafficStat
	if err := h.deps.DB.Where("timestamp >= ?", since).Order("timestamp asc").Find(&rows).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rows)
}
