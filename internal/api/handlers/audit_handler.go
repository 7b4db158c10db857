package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gatehouse-proxy/gatehouse/internal/services"
)

// AuditHandler serves the audit trail, read-only.
type AuditHandler struct {
	deps *Deps
}

func NewAuditHandler(deps *Deps) *AuditHandler {
	return &AuditHandler{deps: deps}
}

// List handles GET /api/audit-logs?limit=&offset=&actor=&resource_type=
func (h *AuditHandler) List(c *gin.Context) {
	q := services.Query{
		Actor:        c.Query("actor"),
		ResourceType: c.Query("resource_type"),
	}
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		q.Limit = parsed
	}
	if raw := c.Query("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must not be negative"})
			return
		}
		q.Offset = parsed
	}

	events, total, err := h.deps.Audit.List(q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": total})
}
