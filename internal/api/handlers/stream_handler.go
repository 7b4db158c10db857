package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/gatehouse-proxy/gatehouse/internal/models"
	"github.com/gatehouse-proxy/gatehouse/internal/services"
)

// StreamHandler manages L4 port forwards.
type StreamHandler struct {
	deps *Deps
}

func NewStreamHandler(deps *Deps) *StreamHandler {
	return &StreamHandler{deps: deps}
}

type streamRequest struct {
	Protocol    string `json:"protocol"`
	ListenPort  int    `json:"listen_port" binding:"required"`
	ForwardHost string `json:"forward_host" binding:"required"`
	ForwardPort int    `json:"forward_port" binding:"required"`
	Enabled     *bool  `json:"enabled"`
}

// List handles GET /api/streams
func (h *StreamHandler) List(c *gin.Context) {
	var rows []models.Stream
	if err := h.deps.DB.Find(&rows).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rows)
}

// Create handles POST /api/streams. A duplicate (protocol, listen_port)
// pair is a conflict.
func (h *StreamHandler) Create(c *gin.Context) {
	var req streamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Protocol == "" {
		req.Protocol = models.StreamProtocolTCP
	}
	if req.Protocol != models.StreamProtocolTCP && req.Protocol != models.StreamProtocolUDP {
		c.JSON(http.StatusBadRequest, gin.H{"error": "protocol must be tcp or udp"})
		return
	}
	if req.ListenPort < 1 || req.ListenPort > 65535 || req.ForwardPort < 1 || req.ForwardPort > 65535 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "port out of range"})
		return
	}

	stream := models.Stream{
		Protocol:    req.Protocol,
		ListenPort:  req.ListenPort,
		ForwardHost: req.ForwardHost,
		ForwardPort: req.ForwardPort,
		Enabled:     true,
	}
	if req.Enabled != nil {
		stream.Enabled = *req.Enabled
	}

	ok := h.deps.mutate(c, services.Entry{
		Action:       "create",
		ResourceType: "stream",
		ResourceID:   fmt.Sprintf("%s/%d", stream.Protocol, stream.ListenPort),
		Detail:       fmt.Sprintf("forward to %s", stream.ForwardAddr()),
	}, func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Stream{}).
			Where("protocol = ? AND listen_port = ?", stream.Protocol, stream.ListenPort).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return conflictError("a stream already listens on that port")
		}
		return tx.Create(&stream).Error
	})
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, stream)
}

// Delete handles DELETE /api/streams/:listen_port. An optional ?protocol=
// narrows the deletion; by default both protocols on the port go.
func (h *StreamHandler) Delete(c *gin.Context) {
	port, err := strconv.Atoi(c.Param("listen_port"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid listen port"})
		return
	}
	protocol := c.Query("protocol")

	ok := h.deps.mutate(c, services.Entry{
		Action:       "delete",
		ResourceType: "stream",
		ResourceID:   strconv.Itoa(port),
	}, func(tx *gorm.DB) error {
		query := tx.Where("listen_port = ?", port)
		if protocol != "" {
			query = query.Where("protocol = ?", protocol)
		}
		result := query.Delete(&models.Stream{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "stream deleted"})
}
