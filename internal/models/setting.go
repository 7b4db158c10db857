package models

import "time"

const (
	// SettingErrorPage stores the HTML template served for proxy errors.
	SettingErrorPage = "error_page"
	// SettingNotifyURLs stores comma-separated shoutrrr notification URLs.
	SettingNotifyURLs = "notify_urls"
	// SettingACMEEmail stores the default ACME account contact.
	SettingACMEEmail = "acme_email"
)

// Setting is a simple key/value row for operator-tunable state.
type Setting struct {
	ID    uint   `gorm:"primarykey" json:"id"`
	Key   string `gorm:"uniqueIndex;not null" json:"key"`
	Value string `gorm:"type:text" json:"value"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
