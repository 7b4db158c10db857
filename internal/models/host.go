package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Host is the routing entity for one proxied domain. A request is matched to
// a Host by its Host header, then to one of its Locations by
// longest path prefix; the host-level targets serve everything unmatched.
type Host struct {
	ID   uint   `gorm:"primarykey" json:"id"`
	UUID string `gorm:"uniqueIndex;not null" json:"uuid"`

	Domain string `gorm:"uniqueIndex;not null" json:"domain"`

	// Targets are host:port upstreams, one picked at random per request.
	Targets   []string `gorm:"serializer:json" json:"targets"`
	Scheme    string   `gorm:"default:'http'" json:"scheme"`
	VerifySSL bool     `gorm:"default:true" json:"verify_ssl"`

	// UpstreamSNI overrides the SNI sent on https upstream connections.
	UpstreamSNI string `json:"upstream_sni,omitempty"`

	SSLForced bool `json:"ssl_forced"`

	// RedirectTo short-circuits proxying entirely when set.
	RedirectTo     string `json:"redirect_to,omitempty"`
	RedirectStatus int    `gorm:"default:301" json:"redirect_status"`

	AccessListID *uint       `json:"access_list_id,omitempty"`
	AccessList   *AccessList `json:"access_list,omitempty"`

	Locations []Location   `json:"locations,omitempty"`
	Headers   []HeaderRule `json:"headers,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates UUID for new hosts
func (h *Host) BeforeCreate(tx *gorm.DB) error {
	if h.UUID == "" {
		h.UUID = uuid.New().String()
	}
	return nil
}

// Location carries per-path routing overrides under a Host.
type Location struct {
	ID     uint `gorm:"primarykey" json:"id"`
	HostID uint `gorm:"index:idx_location_host_path,unique" json:"host_id"`

	Path      string   `gorm:"index:idx_location_host_path,unique;not null" json:"path"`
	Targets   []string `gorm:"serializer:json" json:"targets"`
	Scheme    string   `gorm:"default:'http'" json:"scheme"`
	VerifySSL bool     `gorm:"default:true" json:"verify_ssl"`

	// Rewrite strips the matched prefix before dispatching upstream.
	Rewrite bool `json:"rewrite"`

	UpstreamSNI string `json:"upstream_sni,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HeaderRule sets or overwrites one header on proxied traffic.
type HeaderRule struct {
	ID     uint `gorm:"primarykey" json:"id"`
	HostID uint `gorm:"index" json:"host_id"`

	Name  string `gorm:"not null" json:"name"`
	Value string `json:"value"`

	// Target is "request" or "response".
	Target string `gorm:"default:'request'" json:"target"`

	CreatedAt time.Time `json:"created_at"`
}

const (
	// HeaderTargetRequest applies the rule to the upstream request.
	HeaderTargetRequest = "request"
	// HeaderTargetResponse applies the rule to the downstream response.
	HeaderTargetResponse = "response"
)
