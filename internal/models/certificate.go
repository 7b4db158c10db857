package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	// CertificateSourceACME marks certificates issued by the ACME worker.
	CertificateSourceACME = "acme"
	// CertificateSourceCustom marks certificates uploaded by an operator.
	CertificateSourceCustom = "custom"
)

// Certificate tracks one issued or uploaded certificate. The PEM material
// lives on disk under the cert directory; the row carries the renewal state.
type Certificate struct {
	ID   uint   `gorm:"primarykey" json:"id"`
	UUID string `gorm:"uniqueIndex;not null" json:"uuid"`

	Domain    string    `gorm:"uniqueIndex;not null" json:"domain"`
	ExpiresAt time.Time `json:"expires_at"`
	Source    string    `gorm:"default:'acme'" json:"source"`

	// DNSProviderID selects DNS-01 issuance; nil means HTTP-01.
	DNSProviderID *uint        `json:"dns_provider_id,omitempty"`
	DNSProvider   *DNSProvider `json:"dns_provider,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates UUID for new certificates
func (c *Certificate) BeforeCreate(tx *gorm.DB) error {
	if c.UUID == "" {
		c.UUID = uuid.New().String()
	}
	return nil
}

// ExpiresWithin reports whether the certificate needs renewal before the
// given duration elapses.
func (c *Certificate) ExpiresWithin(d time.Duration) bool {
	return time.Until(c.ExpiresAt) < d
}

// DNSProvider holds credentials for DNS-01 challenges, used for wildcard
// certificates where HTTP-01 cannot apply.
type DNSProvider struct {
	ID   uint   `gorm:"primarykey" json:"id"`
	UUID string `gorm:"uniqueIndex;not null" json:"uuid"`

	Name string `gorm:"not null" json:"name"`

	// ProviderType names a certbot DNS plugin, e.g. "cloudflare".
	ProviderType string `gorm:"not null" json:"provider_type"`

	// Credentials is the raw INI/JSON material handed to the plugin.
	// Never serialized to API responses.
	Credentials string `gorm:"type:text" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates UUID for new DNS providers
func (p *DNSProvider) BeforeCreate(tx *gorm.DB) error {
	if p.UUID == "" {
		p.UUID = uuid.New().String()
	}
	return nil
}
