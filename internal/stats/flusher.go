package stats

import (
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/gatehouse-proxy/gatehouse/internal/logger"
	"github.com/gatehouse-proxy/gatehouse/internal/models"
)

// Flusher persists completed history minutes to the traffic_stats table.
// Wired to a per-minute cron job; minutes with no traffic are skipped.
type Flusher struct {
	db        *gorm.DB
	collector *Collector

	lastFlushed int64
}

// NewFlusher creates a flusher that starts at the current minute, so only
// minutes completed after startup are written.
func NewFlusher(db *gorm.DB, collector *Collector) *Flusher {
	return &Flusher{
		db:          db,
		collector:   collector,
		lastFlushed: time.Now().Unix() / 60,
	}
}

// Flush writes every completed minute since the previous call.
func (f *Flusher) Flush() {
	prev := time.Now().Unix()/60 - 1
	for minute := f.lastFlushed; minute <= prev; minute++ {
		sample, ok := f.collector.Minute(minute)
		if !ok || sample.Requests == 0 {
			continue
		}
		row := models.TrafficStat{
			Timestamp:     time.Unix(minute*60, 0).UTC(),
			TotalRequests: sample.Requests,
			TotalBytes:    sample.Bytes,
			Status2xx:     sample.Status2xx,
			Status4xx:     sample.Status4xx,
			Status5xx:     sample.Status5xx,
		}
		if err := f.db.Create(&row).Error; err != nil {
			logger.WithFields(logrus.Fields{"error": err}).Error("traffic stats flush failed")
			return
		}
	}
	f.lastFlushed = prev + 1
}
