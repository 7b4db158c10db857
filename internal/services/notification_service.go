package services

import (
	"fmt"
	"strings"

	"github.com/containrrr/shoutrrr"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/gatehouse-proxy/gatehouse/internal/logger"
	"github.com/gatehouse-proxy/gatehouse/internal/models"
)

// NotificationService delivers operator notifications through shoutrrr. The
// destination URLs live in the settings table so they can be changed without
// a restart.
type NotificationService struct {
	db *gorm.DB
}

// NewNotificationService creates a NotificationService.
func NewNotificationService(db *gorm.DB) *NotificationService {
	return &NotificationService{db: db}
}

// Notify sends title and message to every configured destination. Delivery
// runs in the background; failures are logged, never surfaced to the caller.
func (s *NotificationService) Notify(title, message string) {
	urls := s.destinations()
	if len(urls) == 0 {
		return
	}

	msg := fmt.Sprintf("%s\n\n%s", title, message)
	for _, url := range urls {
		go func(url string) {
			if err := shoutrrr.Send(url, msg); err != nil {
				logger.WithFields(logrus.Fields{"error": err}).Warn("notification delivery failed")
			}
		}(url)
	}
}

// destinations reads the configured shoutrrr URLs, one per line or
// comma-separated.
func (s *NotificationService) destinations() []string {
	var setting models.Setting
	if err := s.db.Where("key = ?", models.SettingNotifyURLs).First(&setting).Error; err != nil {
		return nil
	}

	fields := strings.FieldsFunc(setting.Value, func(r rune) bool {
		return r == ',' || r == '\n'
	})
	urls := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			urls = append(urls, f)
		}
	}
	return urls
}
