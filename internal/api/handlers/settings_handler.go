package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/gatehouse-proxy/gatehouse/internal/models"
	"github.com/gatehouse-proxy/gatehouse/internal/services"
)

// SettingsHandler manages operator-tunable settings, the error page template
// chief among them.
type SettingsHandler struct {
	deps *Deps
}

func NewSettingsHandler(deps *Deps) *SettingsHandler {
	return &SettingsHandler{deps: deps}
}

var editableSettings = map[string]bool{
	models.SettingErrorPage:  true,
	models.SettingNotifyURLs: true,
	models.SettingACMEEmail:  true,
}

// List handles GET /api/settings
func (h *SettingsHandler) List(c *gin.Context) {
	var settings []models.Setting
	if err := h.deps.DB.Find(&settings).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}

// Get handles GET /api/settings/:key. A key that was never set reads as
// empty rather than missing.
func (h *SettingsHandler) Get(c *gin.Context) {
	key := c.Param("key")
	if !editableSettings[key] {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown setting"})
		return
	}

	var setting models.Setting
	err := h.deps.DB.Where("key = ?", key).First(&setting).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusOK, gin.H{"key": key, "value": ""})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"key": setting.Key, "value": setting.Value})
	}
}

type settingRequest struct {
	Value string `json:"value"`
}

// Set handles POST /api/settings/:key. An empty value clears the setting and
// falls back to built-in behavior.
func (h *SettingsHandler) Set(c *gin.Context) {
	key := c.Param("key")
	if !editableSettings[key] {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown setting"})
		return
	}

	var req settingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	detail := "updated"
	if strings.TrimSpace(req.Value) == "" {
		detail = "cleared"
	}

	var setting models.Setting
	ok := h.deps.mutate(c, services.Entry{
		Action:       "update",
		ResourceType: "setting",
		ResourceID:   key,
		Detail:       detail,
	}, func(tx *gorm.DB) error {
		err := tx.Where("key = ?", key).First(&setting).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		setting.Key = key
		setting.Value = req.Value
		return tx.Save(&setting).Error
	})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": setting.Key, "value": setting.Value})
}
