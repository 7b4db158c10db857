package models

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// AccessList bundles IP rules and Basic-Auth clients that can be attached to
// hosts. IP rules are evaluated first; when the list has clients, requests
// from permitted addresses must still present valid credentials.
type AccessList struct {
	ID   uint   `gorm:"primarykey" json:"id"`
	UUID string `gorm:"uniqueIndex;not null" json:"uuid"`

	Name string `gorm:"uniqueIndex;not null" json:"name"`

	Clients []AccessListClient `json:"clients,omitempty"`
	IPRules []AccessListIPRule `json:"ip_rules,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates UUID for new access lists
func (a *AccessList) BeforeCreate(tx *gorm.DB) error {
	if a.UUID == "" {
		a.UUID = uuid.New().String()
	}
	return nil
}

// AccessListClient is one Basic-Auth credential on an access list.
type AccessListClient struct {
	ID           uint `gorm:"primarykey" json:"id"`
	AccessListID uint `gorm:"index:idx_acl_client,unique" json:"access_list_id"`

	Username     string `gorm:"index:idx_acl_client,unique;not null" json:"username"`
	PasswordHash string `gorm:"not null" json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// SetPassword hashes and sets the client's password.
func (c *AccessListClient) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	c.PasswordHash = string(hash)
	return nil
}

// CheckPassword compares the provided password with the stored hash.
func (c *AccessListClient) CheckPassword(password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password))
	return err == nil
}

const (
	// AccessDirectiveAllow permits matching clients.
	AccessDirectiveAllow = "allow"
	// AccessDirectiveDeny rejects matching clients.
	AccessDirectiveDeny = "deny"
)

// AccessListIPRule matches a client address against an IP or CIDR range.
// Rules are evaluated in ID order; the first match wins.
type AccessListIPRule struct {
	ID           uint `gorm:"primarykey" json:"id"`
	AccessListID uint `gorm:"index" json:"access_list_id"`

	// Address is a literal IP or CIDR in prefix notation.
	Address   string `gorm:"not null" json:"address"`
	Directive string `gorm:"default:'deny'" json:"directive"`

	CreatedAt time.Time `json:"created_at"`
}
