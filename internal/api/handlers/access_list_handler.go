package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/gatehouse-proxy/gatehouse/internal/models"
	"github.com/gatehouse-proxy/gatehouse/internal/services"
)

// AccessListHandler manages access lists, their Basic-Auth clients and IP
// rules.
type AccessListHandler struct {
	deps *Deps
}

func NewAccessListHandler(deps *Deps) *AccessListHandler {
	return &AccessListHandler{deps: deps}
}

// List handles GET /api/access-lists
func (h *AccessListHandler) List(c *gin.Context) {
	var lists []models.AccessList
	if err := h.deps.DB.Preload("Clients").Preload("IPRules").Find(&lists).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, lists)
}

type accessListRequest struct {
	Name string `json:"name" binding:"required"`
}

// Create handles POST /api/access-lists
func (h *AccessListHandler) Create(c *gin.Context) {
	var req accessListRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name must not be empty"})
		return
	}

	list := models.AccessList{Name: name}
	ok := h.deps.mutate(c, services.Entry{
		Action:       "create",
		ResourceType: "access_list",
		ResourceID:   name,
	}, func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.AccessList{}).Where("name = ?", name).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return conflictError("an access list with that name already exists")
		}
		return tx.Create(&list).Error
	})
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, list)
}

// Delete handles DELETE /api/access-lists/:id. A list still referenced by a
// host cannot be deleted.
func (h *AccessListHandler) Delete(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ID"})
		return
	}

	ok := h.deps.mutate(c, services.Entry{
		Action:       "delete",
		ResourceType: "access_list",
		ResourceID:   strconv.FormatUint(id, 10),
	}, func(tx *gorm.DB) error {
		var list models.AccessList
		if err := tx.First(&list, id).Error; err != nil {
			return err
		}
		var refs int64
		if err := tx.Model(&models.Host{}).Where("access_list_id = ?", id).Count(&refs).Error; err != nil {
			return err
		}
		if refs > 0 {
			return conflictError(fmt.Sprintf("access list is used by %d host(s)", refs))
		}
		if err := tx.Where("access_list_id = ?", id).Delete(&models.AccessListClient{}).Error; err != nil {
			return err
		}
		if err := tx.Where("access_list_id = ?", id).Delete(&models.AccessListIPRule{}).Error; err != nil {
			return err
		}
		return tx.Delete(&list).Error
	})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "access list deleted"})
}

type accessClientRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AddClient handles POST /api/access-lists/:id/clients. An existing username
// gets its password replaced.
func (h *AccessListHandler) AddClient(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ID"})
		return
	}

	var req accessClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var client models.AccessListClient
	ok := h.deps.mutate(c, services.Entry{
		Action:       "upsert",
		ResourceType: "access_list_client",
		ResourceID:   fmt.Sprintf("%d/%s", id, req.Username),
	}, func(tx *gorm.DB) error {
		var list models.AccessList
		if err := tx.First(&list, id).Error; err != nil {
			return err
		}
		err := tx.Where("access_list_id = ? AND username = ?", list.ID, req.Username).First(&client).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		client.AccessListID = list.ID
		client.Username = req.Username
		if err := client.SetPassword(req.Password); err != nil {
			return err
		}
		return tx.Save(&client).Error
	})
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, client)
}

// DeleteClient handles DELETE /api/access-lists/:id/clients/:username
func (h *AccessListHandler) DeleteClient(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ID"})
		return
	}
	username := c.Param("username")

	ok := h.deps.mutate(c, services.Entry{
		Action:       "delete",
		ResourceType: "access_list_client",
		ResourceID:   fmt.Sprintf("%d/%s", id, username),
	}, func(tx *gorm.DB) error {
		result := tx.Where("access_list_id = ? AND username = ?", id, username).
			Delete(&models.AccessListClient{})
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
	c.JSON(http.StatusOK, gin.H{"message": "client deleted"})
}

type accessIPRequest struct {
	Address   string `json:"address" binding:"required"`
	Directive string `json:"directive"`
}

// AddIP handles POST /api/access-lists/:id/ip-rules
func (h *AccessListHandler) AddIP(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ID"})
		return
	}

	var req accessIPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Directive == "" {
		req.Directive = models.AccessDirectiveDeny
	}
	if req.Directive != models.AccessDirectiveAllow && req.Directive != models.AccessDirectiveDeny {
		c.JSON(http.StatusBadRequest, gin.H{"error": "directive must be allow or deny"})
		return
	}
	if !validRuleAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address must be an IP or CIDR range"})
		return
	}

	var rule models.AccessListIPRule
	ok := h.deps.mutate(c, services.Entry{
		Action:       "create",
		ResourceType: "access_list_ip_rule",
		ResourceID:   fmt.Sprintf("%d/%s", id, req.Address),
		Detail:       req.Directive,
	}, func(tx *gorm.DB) error {
		var list models.AccessList
		if err := tx.First(&list, id).Error; err != nil {
			return err
		}
		rule = models.AccessListIPRule{
			AccessListID: list.ID,
			Address:      req.Address,
			Directive:    req.Directive,
		}
		return tx.Create(&rule).Error
	})
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// DeleteIP handles DELETE /api/access-lists/:id/ip-rules?address=
func (h *AccessListHandler) DeleteIP(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ID"})
		return
	}
	address := c.Query("address")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address query parameter required"})
		return
	}

	ok := h.deps.mutate(c, services.Entry{
		Action:       "delete",
		ResourceType: "access_list_ip_rule",
		ResourceID:   fmt.Sprintf("%d/%s", id, address),
	}, func(tx *gorm.DB) error {
		result := tx.Where("access_list_id = ? AND address = ?", id, address).
			Delete(&models.AccessListIPRule{})
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
	c.JSON(http.StatusOK, gin.H{"message": "ip rule deleted"})
}

func validRuleAddress(address string) bool {
	if _, err := netip.ParsePrefix(address); err == nil {
		return true
	}
	_, err := netip.ParseAddr(address)
	return err == nil
}
