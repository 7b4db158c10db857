package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditEvent records admin actions and important state changes. Admin API
// mutations that go through the handlers' shared mutate helper write exactly
// one event in the same transaction as the change itself; first-user
// registration and password changes record their event after the change has
// committed.
type AuditEvent struct {
	ID   uint   `gorm:"primarykey" json:"id"`
	UUID string `gorm:"uniqueIndex;not null" json:"uuid"`

	Actor  string `gorm:"index" json:"actor"`
	UserID *uint  `json:"user_id,omitempty"`

	// Action is a verb like "create", "update", "delete", "request".
	Action       string `gorm:"not null" json:"action"`
	ResourceType string `gorm:"index;not null" json:"resource_type"`
	ResourceID   string `json:"resource_id,omitempty"`

	Detail    string `gorm:"type:text" json:"detail,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// BeforeCreate generates UUID for new audit events
func (e *AuditEvent) BeforeCreate(tx *gorm.DB) error {
	if e.UUID == "" {
		e.UUID = uuid.New().String()
	}
	return nil
}
