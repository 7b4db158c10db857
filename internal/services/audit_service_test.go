package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/gatehouse-proxy/gatehouse/internal/models"
)

func TestAuditService_Record(t *testing.T) {
	db := setupTestDB(t, &models.AuditEvent{})
	service := NewAuditService(db)

	err := service.Record(nil, Entry{
		Actor:        "admin@example.com",
		Action:       "create",
		ResourceType: "host",
		ResourceID:   "example.com",
		IPAddress:    "127.0.0.1",
	})
	require.NoError(t, err)

	var event models.AuditEvent
	require.NoError(t, db.First(&event).Error)
	assert.Equal(t, "admin@example.com", event.Actor)
	assert.Equal(t, "create", event.Action)
	assert.NotEmpty(t, event.UUID)
}

func TestAuditService_RecordInTransaction(t *testing.T) {
	db := setupTestDB(t, &models.AuditEvent{})
	service := NewAuditService(db)

	// A rolled-back transaction takes its audit event with it.
	_ = db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, service.Record(tx, Entry{Actor: "x", Action: "create", ResourceType: "host"}))
		return assert.AnError
	})

	var count int64
	require.NoError(t, db.Model(&models.AuditEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestAuditService_List(t *testing.T) {
	db := setupTestDB(t, &models.AuditEvent{})
	service := NewAuditService(db)

	entries := []Entry{
		{Actor: "alice", Action: "create", ResourceType: "host", ResourceID: "a.com"},
		{Actor: "alice", Action: "delete", ResourceType: "stream", ResourceID: "2222"},
		{Actor: "bob", Action: "create", ResourceType: "host", ResourceID: "b.com"},
	}
	for _, e := range entries {
		require.NoError(t, service.Record(nil, e))
	}

	events, total, err := service.List(Query{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, events, 3)

	events, total, err = service.List(Query{Actor: "alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, events, 2)

	events, total, err = service.List(Query{ResourceType: "host"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	events, total, err = service.List(Query{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, events, 1)

	events, _, err = service.List(Query{Limit: 1, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
