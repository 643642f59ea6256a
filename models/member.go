package models

import (
	"time"

	"gorm.io/gorm"
)

// Member roles.
const (
	RoleMember = "member"
	RoleHouse  = "house"
)

// Member is a loyalty program participant. Emails are stored normalized and never change;
// PassSerial stays nil until the first pass is issued and is immutable afterwards.
type Member struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	Email              string    `gorm:"size:191;uniqueIndex;not null" json:"email"`
	Name               string    `gorm:"size:255" json:"name"`
	Role               string    `gorm:"size:16;not null;default:member" json:"role"`
	PassSerial         *string   `gorm:"size:191;uniqueIndex" json:"pass_serial"`
	AuthSecret         string    `gorm:"size:64" json:"-"`
	PassTypeIdentifier string    `gorm:"size:191" json:"pass_type_identifier"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// BeforeCreate hook ensures timestamps and role are set even when not provided.
func (m *Member) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Role == "" {
		m.Role = RoleMember
	}
	return nil
}

// Serial returns the issued pass serial or an empty string.
func (m *Member) Serial() string {
	if m.PassSerial == nil {
		return ""
	}
	return *m.PassSerial
}

// IsHouse reports whether the member is a staff account.
func (m *Member) IsHouse() bool { return m.Role == RoleHouse }
