package users

import (
	"strings"
	"time"
)

// User anchors every ride, bike, component and vendor credential.
type User struct {
	ID               string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	ActiveDataSource string    `gorm:"column:active_data_source;size:32;not null;default:''"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// Identity maps a vendor's opaque user id onto an internal user id so inbound webhook
// events can be routed. The (provider, subject) pair is unique.
type Identity struct {
	Provider   string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject    string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID     string    `gorm:"column:user_id;size:190;not null;index"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing provider identities.
func (Identity) TableName() string {
	return "provider_identities"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
