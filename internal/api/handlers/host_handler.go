package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/gatehouse-proxy/gatehouse/internal/models"
	"github.com/gatehouse-proxy/gatehouse/internal/services"
)

// HostHandler manages proxied hosts and their locations and header rules.
type HostHandler struct {
	deps *Deps
}

func NewHostHandler(deps *Deps) *HostHandler {
	return &HostHandler{deps: deps}
}

type hostRequest struct {
	Domain         string   `json:"domain" binding:"required"`
	Targets        []string `json:"targets"`
	Scheme         string   `json:"scheme"`
	VerifySSL      *bool    `json:"verify_ssl"`
	UpstreamSNI    string   `json:"upstream_sni"`
	SSLForced      *bool    `json:"ssl_forced"`
	RedirectTo     *string  `json:"redirect_to"`
	RedirectStatus int      `json:"redirect_status"`
	AccessListID   *uint    `json:"access_list_id"`
}

func (r *hostRequest) apply(host *models.Host) error {
	host.Domain = strings.ToLower(strings.TrimSpace(r.Domain))
	if host.Domain == "" {
		return errors.New("domain must not be empty")
	}
	if r.Targets != nil {
		host.Targets = splitTargets(r.Targets)
	}
	if r.Scheme != "" {
		if r.Scheme != "http" && r.Scheme != "https" {
			return fmt.Errorf("unsupported scheme: %s", r.Scheme)
		}
		host.Scheme = r.Scheme
	}
	if r.VerifySSL != nil {
		host.VerifySSL = *r.VerifySSL
	}
	host.UpstreamSNI = r.UpstreamSNI
	if r.SSLForced != nil {
		host.SSLForced = *r.SSLForced
	}
	if r.RedirectTo != nil {
		host.RedirectTo = *r.RedirectTo
	}
	if r.RedirectStatus != 0 {
		if r.RedirectStatus != http.StatusMovedPermanently && r.RedirectStatus != http.StatusFound {
			return fmt.Errorf("redirect status must be 301 or 302")
		}
		host.RedirectStatus = r.RedirectStatus
	}
	host.AccessListID = r.AccessListID
	return nil
}

// List handles GET /api/hosts
func (h *HostHandler) List(c *gin.Context) {
	var hosts []models.Host
	if err := h.deps.DB.Preload("Locations").Preload("Headers").Find(&hosts).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, hosts)
}

// Upsert handles POST /api/hosts. An existing domain is updated in place.
func (h *HostHandler) Upsert(c *gin.Context) {
	var req hostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var host models.Host
	var created bool
	ok := h.deps.mutate(c, services.Entry{
		Action:       "upsert",
		ResourceType: "host",
		ResourceID:   strings.ToLower(req.Domain),
	}, func(tx *gorm.DB) error {
		err := tx.Where("domain = ?", strings.ToLower(strings.TrimSpace(req.Domain))).First(&host).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			created = true
		case err != nil:
			return err
		}
		if err := req.apply(&host); err != nil {
			return err
		}
		if err := validateAccessList(tx, host.AccessListID); err != nil {
			return err
		}
		return tx.Save(&host).Error
	})
	if !ok {
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, host)
}

// Update handles PUT /api/hosts/:domain
func (h *HostHandler) Update(c *gin.Context) {
	domain := strings.ToLower(c.Param("domain"))

	var req hostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Domain = domain

	var host models.Host
	ok := h.deps.mutate(c, services.Entry{
		Action:       "update",
		ResourceType: "host",
		ResourceID:   domain,
	}, func(tx *gorm.DB) error {
		if err := tx.Where("domain = ?", domain).First(&host).Error; err != nil {
			return err
		}
		if err := req.apply(&host); err != nil {
			return err
		}
		if err := validateAccessList(tx, host.AccessListID); err != nil {
			return err
		}
		return tx.Save(&host).Error
	})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, host)
}

// Delete handles DELETE /api/hosts/:domain
func (h *HostHandler) Delete(c *gin.Context) {
	domain := strings.ToLower(c.Param("domain"))

	ok := h.deps.mutate(c, services.Entry{
		Action:       "delete",
		ResourceType: "host",
		ResourceID:   domain,
	}, func(tx *gorm.DB) error {
		var host models.Host
		if err := tx.Where("domain = ?", domain).First(&host).Error; err != nil {
			return err
		}
		if err := tx.Where("host_id = ?", host.ID).Delete(&models.Location{}).Error; err != nil {
			return err
		}
		if err := tx.Where("host_id = ?", host.ID).Delete(&models.HeaderRule{}).Error; err != nil {
			return err
		}
		return tx.Delete(&host).Error
	})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "host deleted"})
}

type locationRequest struct {
	Path        string   `json:"path" binding:"required"`
	Targets     []string `json:"targets"`
	Scheme      string   `json:"scheme"`
	VerifySSL   *bool    `json:"verify_ssl"`
	UpstreamSNI string   `json:"upstream_sni"`
	Rewrite     bool     `json:"rewrite"`
}

// AddLocation handles POST /api/hosts/:domain/locations. An existing path is
// updated in place.
func (h *HostHandler) AddLocation(c *gin.Context) {
	domain := strings.ToLower(c.Param("domain"))

	var req locationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !strings.HasPrefix(req.Path, "/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "location path must start with /"})
		return
	}

	var location models.Location
	ok := h.deps.mutate(c, services.Entry{
		Action:       "upsert",
		ResourceType: "location",
		ResourceID:   domain + req.Path,
	}, func(tx *gorm.DB) error {
		var host models.Host
		if err := tx.Where("domain = ?", domain).First(&host).Error; err != nil {
			return err
		}

		err := tx.Where("host_id = ? AND path = ?", host.ID, req.Path).First(&location).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		location.HostID = host.ID
		location.Path = req.Path
		location.Targets = splitTargets(req.Targets)
		if req.Scheme != "" {
			location.Scheme = req.Scheme
		}
		if req.VerifySSL != nil {
			location.VerifySSL = *req.VerifySSL
		}
		location.UpstreamSNI = req.UpstreamSNI
		location.Rewrite = req.Rewrite
		return tx.Save(&location).Error
	})
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, location)
}

// DeleteLocation handles DELETE /api/hosts/:domain/locations?path=
func (h *HostHandler) DeleteLocation(c *gin.Context) {
	domain := strings.ToLower(c.Param("domain"))
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path query parameter required"})
		return
	}

	ok := h.deps.mutate(c, services.Entry{
		Action:       "delete",
		ResourceType: "location",
		ResourceID:   domain + path,
	}, func(tx *gorm.DB) error {
		var host models.Host
		if err := tx.Where("domain = ?", domain).First(&host).Error; err != nil {
			return err
		}
		result := tx.Where("host_id = ? AND path = ?", host.ID, path).Delete(&models.Location{})
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
	c.JSON(http.StatusOK, gin.H{"message": "location deleted"})
}

type headerRequest struct {
	Name   string `json:"name" binding:"required"`
	Value  string `json:"value"`
	Target string `json:"target"`
}

// AddHeader handles POST /api/hosts/:domain/headers
func (h *HostHandler) AddHeader(c *gin.Context) {
	domain := strings.ToLower(c.Param("domain"))

	var req headerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Target == "" {
		req.Target = models.HeaderTargetRequest
	}
	if req.Target != models.HeaderTargetRequest && req.Target != models.HeaderTargetResponse {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target must be request or response"})
		return
	}

	var rule models.HeaderRule
	ok := h.deps.mutate(c, services.Entry{
		Action:       "create",
		ResourceType: "header_rule",
		ResourceID:   domain + "/" + req.Name,
	}, func(tx *gorm.DB) error {
		var host models.Host
		if err := tx.Where("domain = ?", domain).First(&host).Error; err != nil {
			return err
		}
		rule = models.HeaderRule{
			HostID: host.ID,
			Name:   req.Name,
			Value:  req.Value,
			Target: req.Target,
		}
		return tx.Create(&rule).Error
	})
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// DeleteHeader handles DELETE /api/hosts/:domain/headers/:id
func (h *HostHandler) DeleteHeader(c *gin.Context) {
	domain := strings.ToLower(c.Param("domain"))
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ID"})
		return
	}

	ok := h.deps.mutate(c, services.Entry{
		Action:       "delete",
		ResourceType: "header_rule",
		ResourceID:   fmt.Sprintf("%s/%d", domain, id),
	}, func(tx *gorm.DB) error {
		var host models.Host
		if err := tx.Where("domain = ?", domain).First(&host).Error; err != nil {
			return err
		}
		result := tx.Where("host_id = ? AND id = ?", host.ID, id).Delete(&models.HeaderRule{})
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
	c.JSON(http.StatusOK, gin.H{"message": "header rule deleted"})
}

// validateAccessList rejects references to access lists that do not exist,
// which would otherwise fail the snapshot build.
func validateAccessList(tx *gorm.DB, id *uint) error {
	if id == nil {
		return nil
	}
	var count int64
	if err := tx.Model(&models.AccessList{}).Where("id = ?", *id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("access list %d does not exist", *id)
	}
	return nil
}
