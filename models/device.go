package models

import "time"

// Device is a wallet installation registered for a member's pass.
type Device struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	DeviceKey          string    `gorm:"size:191;uniqueIndex;not null" json:"device_key"`
	MemberID           uint      `gorm:"index;not null" json:"member_id"`
	PassTypeIdentifier string    `gorm:"size:191" json:"pass_type_identifier"`
	PushAddress        string    `gorm:"size:255" json:"push_address"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}
