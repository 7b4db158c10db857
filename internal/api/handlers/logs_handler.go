package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// LogsHandler serves the on-disk log files to the admin UI.
type LogsHandler struct {
	deps *Deps
}

func NewLogsHandler(deps *Deps) *LogsHandler {
	return &LogsHandler{deps: deps}
}

// List handles GET /api/logs
func (h *LogsHandler) List(c *gin.Context) {
	files, err := h.deps.Logs.ListLogs()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, files)
}

// Read handles GET /api/logs/:name?lines=
func (h *LogsHandler) Read(c *gin.Context) {
	lines := 0
	if raw := c.Query("lines"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "lines must be a positive integer"})
			return
		}
		lines = parsed
	}

	content, err := h.deps.Logs.ReadLog(c.Param("name"), lines)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "lines": content})
}
