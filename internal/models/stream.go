package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	// StreamProtocolTCP forwards raw TCP connections.
	StreamProtocolTCP = "tcp"
	// StreamProtocolUDP forwards UDP datagrams through a NAT table.
	StreamProtocolUDP = "udp"
)

// Stream is an L4 port forward. A (protocol, listen_port) pair identifies one
// forwarder; changing the target restarts only that listener.
type Stream struct {
	ID   uint   `gorm:"primarykey" json:"id"`
	UUID string `gorm:"uniqueIndex;not null" json:"uuid"`

	Protocol   string `gorm:"index:idx_stream_proto_port,unique;default:'tcp'" json:"protocol"`
	ListenPort int    `gorm:"index:idx_stream_proto_port,unique;not null" json:"listen_port"`

	ForwardHost string `gorm:"not null" json:"forward_host"`
	ForwardPort int    `gorm:"not null" json:"forward_port"`

	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates UUID for new streams
func (s *Stream) BeforeCreate(tx *gorm.DB) error {
	if s.UUID == "" {
		s.UUID = uuid.New().String()
	}
	return nil
}

// ForwardAddr returns the upstream dial address.
func (s *Stream) ForwardAddr() string {
	return fmt.Sprintf("%s:%d", s.ForwardHost, s.ForwardPort)
}
