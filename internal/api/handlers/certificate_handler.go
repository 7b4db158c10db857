package handlers

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/gatehouse-proxy/gatehouse/internal/acme"
	"github.com/gatehouse-proxy/gatehouse/internal/models"
	"github.com/gatehouse-proxy/gatehouse/internal/services"
)

// CertificateHandler manages certificates and DNS providers.
type CertificateHandler struct {
	deps *Deps
}

func NewCertificateHandler(deps *Deps) *CertificateHandler {
	return &CertificateHandler{deps: deps}
}

// List handles GET /api/certs
func (h *CertificateHandler) List(c *gin.Context) {
	var certificates []models.Certificate
	if err := h.deps.DB.Preload("DNSProvider").Find(&certificates).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, certificates)
}

type certificateRequest struct {
	Domain        string `json:"domain" binding:"required"`
	Email         string `json:"email"`
	DNSProviderID *uint  `json:"dns_provider_id"`
}

// Request handles POST /api/certs. The job is queued; issuance happens in the
// background, so the response is a 202.
func (h *CertificateHandler) Request(c *gin.Context) {
	var req certificateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	domain := strings.ToLower(strings.TrimSpace(req.Domain))
	if domain == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "domain must not be empty"})
		return
	}
	if req.DNSProviderID != nil {
		var count int64
		if err := h.deps.DB.Model(&models.DNSProvider{}).Where("id = ?", *req.DNSProviderID).Count(&count).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if count == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("DNS provider %d does not exist", *req.DNSProviderID)})
			return
		}
	}

	job := acme.Job{Domain: domain, Email: req.Email, DNSProviderID: req.DNSProviderID}
	if err := h.deps.Worker.Enqueue(job); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, acme.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	e := services.Entry{
		Action:       "request",
		ResourceType: "certificate",
		ResourceID:   domain,
	}
	fillActor(c, &e)
	if err := h.deps.Audit.Record(nil, e); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "certificate requested", "domain": domain})
}

type customCertRequest struct {
	Domain   string `json:"domain" binding:"required"`
	ChainPEM string `json:"chain_pem" binding:"required"`
	KeyPEM   string `json:"key_pem" binding:"required"`
}

// Upload handles POST /api/certs/custom. The PEM pair must parse as a valid
// keypair before anything is written.
func (h *CertificateHandler) Upload(c *gin.Context) {
	var req customCertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	domain := strings.ToLower(strings.TrimSpace(req.Domain))

	parsed, err := tls.X509KeyPair([]byte(req.ChainPEM), []byte(req.KeyPEM))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid certificate or key: " + err.Error()})
		return
	}
	leaf, err := x509.ParseCertificate(parsed.Certificate[0])
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid certificate: " + err.Error()})
		return
	}

	var cert models.Certificate
	ok := h.deps.mutate(c, services.Entry{
		Action:       "upload",
		ResourceType: "certificate",
		ResourceID:   domain,
	}, func(tx *gorm.DB) error {
		err := tx.Where("domain = ?", domain).First(&cert).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		cert.Domain = domain
		cert.Source = models.CertificateSourceCustom
		cert.ExpiresAt = leaf.NotAfter
		cert.DNSProviderID = nil
		if err := tx.Save(&cert).Error; err != nil {
			return err
		}
		chainPath, keyPath := h.deps.Catalog.Paths(cert.ID)
		if err := os.MkdirAll(filepath.Dir(chainPath), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(chainPath, []byte(req.ChainPEM), 0o644); err != nil {
			return err
		}
		if err := os.WriteFile(keyPath, []byte(req.KeyPEM), 0o600); err != nil {
			return err
		}
		return h.deps.Catalog.InstallFromDisk(cert.ID, domain)
	})
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, cert)
}

// Delete handles DELETE /api/certs/:id
func (h *CertificateHandler) Delete(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ID"})
		return
	}

	var cert models.Certificate
	ok := h.deps.mutate(c, services.Entry{
		Action:       "delete",
		ResourceType: "certificate",
		ResourceID:   strconv.FormatUint(id, 10),
	}, func(tx *gorm.DB) error {
		if err := tx.First(&cert, id).Error; err != nil {
			return err
		}
		return tx.Delete(&cert).Error
	})
	if !ok {
		return
	}
	h.deps.Catalog.Remove(cert.Domain)
	chainPath, keyPath := h.deps.Catalog.Paths(cert.ID)
	_ = os.Remove(chainPath)
	_ = os.Remove(keyPath)
	c.JSON(http.StatusOK, gin.H{"message": "certificate deleted"})
}

// ListDNSProviders handles GET /api/dns-providers. Credentials never appear
// in responses.
func (h *CertificateHandler) ListDNSProviders(c *gin.Context) {
	var providers []models.DNSProvider
	if err := h.deps.DB.Find(&providers).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, providers)
}

type dnsProviderRequest struct {
	Name         string `json:"name" binding:"required"`
	ProviderType string `json:"provider_type" binding:"required"`
	Credentials  string `json:"credentials" binding:"required"`
}

// CreateDNSProvider handles POST /api/dns-providers
func (h *CertificateHandler) CreateDNSProvider(c *gin.Context) {
	var req dnsProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	provider := models.DNSProvider{
		Name:         req.Name,
		ProviderType: req.ProviderType,
		Credentials:  req.Credentials,
	}
	ok := h.deps.mutate(c, services.Entry{
		Action:       "create",
		ResourceType: "dns_provider",
		ResourceID:   req.Name,
		Detail:       req.ProviderType,
	}, func(tx *gorm.DB) error {
		return tx.Create(&provider).Error
	})
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, provider)
}

// DeleteDNSProvider handles DELETE /api/dns-providers/:id. A provider still
// referenced by a certificate cannot be deleted.
func (h *CertificateHandler) DeleteDNSProvider(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ID"})
		return
	}

	ok := h.deps.mutate(c, services.Entry{
		Action:       "delete",
		ResourceType: "dns_provider",
		ResourceID:   strconv.FormatUint(id, 10),
	}, func(tx *gorm.DB) error {
		var provider models.DNSProvider
		if err := tx.First(&provider, id).Error; err != nil {
			return err
		}
		var refs int64
		if err := tx.Model(&models.Certificate{}).Where("dns_provider_id = ?", id).Count(&refs).Error; err != nil {
			return err
		}
		if refs > 0 {
			return conflictError(fmt.Sprintf("DNS provider is used by %d certificate(s)", refs))
		}
		return tx.Delete(&provider).Error
	})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "dns provider deleted"})
}
