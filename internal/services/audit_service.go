package services

import (
	"gorm.io/gorm"

	"github.com/gatehouse-proxy/gatehouse/internal/models"
)

// AuditService records and queries the audit trail. Handlers that mutate
// through the shared mutate helper write their event inside the same
// transaction as the change itself.
type AuditService struct {
	db *gorm.DB
}

// NewAuditService creates an AuditService.
func NewAuditService(db *gorm.DB) *AuditService {
	return &AuditService{db: db}
}

// Entry describes one auditable action.
type Entry struct {
	Actor        string
	UserID       *uint
	Action       string
	ResourceType string
	ResourceID   string
	Detail       string
	IPAddress    string
}

// Record appends the entry using the given handle, which may be a
// transaction.
func (s *AuditService) Record(tx *gorm.DB, e Entry) error {
	if tx == nil {
		tx = s.db
	}
	return tx.Create(&models.AuditEvent{
		Actor:        e.Actor,
		UserID:       e.UserID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Detail:       e.Detail,
		IPAddress:    e.IPAddress,
	}).Error
}

// Query filters the audit log.
type Query struct {
	Limit        int
	Offset       int
	Actor        string
	ResourceType string
}

// List returns matching events, newest first, plus the total count for
// pagination.
func (s *AuditService) List(q Query) ([]models.AuditEvent, int64, error) {
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 50
	}

	query := s.db.Model(&models.AuditEvent{})
	if q.Actor != "" {
		query = query.Where("actor = ?", q.Actor)
	}
	if q.ResourceType != "" {
		query = query.Where("resource_type = ?", q.ResourceType)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var events []models.AuditEvent
	err := query.Order("created_at desc").Limit(q.Limit).Offset(q.Offset).Find(&events).Error
	return events, total, err
}
