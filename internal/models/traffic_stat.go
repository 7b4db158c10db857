package models

import "time"

// TrafficStat is one per-minute snapshot of proxy counters, flushed by the
// stats collector. Minutes with zero requests are not persisted.
type TrafficStat struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`

	TotalRequests uint64 `json:"total_requests"`
	TotalBytes    uint64 `json:"total_bytes"`
	Status2xx     uint64 `json:"status_2xx"`
	Status4xx     uint64 `json:"status_4xx"`
	Status5xx     uint64 `json:"status_5xx"`
}
