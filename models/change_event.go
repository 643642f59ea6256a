package models

import "time"

// ChangeEvent records that a member's pass content changed. Seq increases strictly per
// member and Stamp (unix ms) never decreases per member.
type ChangeEvent struct {
	ID         uint                `gorm:"primaryKey" json:"id"`
	MemberID   uint                `gorm:"index:idx_change_member_seq,unique;not null" json:"member_id"`
	Seq        int64               `gorm:"index:idx_change_member_seq,unique;not null" json:"seq"`
	Stamp      int64               `gorm:"index;not null" json:"stamp"`
	OccurredAt time.Time           `gorm:"index;not null" json:"occurred_at"`
	Reason     string              `gorm:"size:64" json:"reason"`
	Devices    []ChangeEventDevice `gorm:"foreignKey:ChangeEventID" json:"devices,omitempty"`
}

// ChangeEventDevice is the snapshot of one device that held the pass when the change happened.
// (Stamp, Seq) is the device's own cursor: it starts at the event's position and is pushed past
// the device's previous row when needed, so it grows per device even across passes.
type ChangeEventDevice struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	ChangeEventID uint   `gorm:"index;not null" json:"change_event_id"`
	DeviceKey     string `gorm:"size:191;index:idx_change_device_cursor,unique;not null" json:"device_key"`
	MemberID      uint   `gorm:"not null" json:"member_id"`
	Stamp         int64  `gorm:"index:idx_change_device_cursor,unique;not null" json:"stamp"`
	Seq           int64  `gorm:"index:idx_change_device_cursor,unique;not null" json:"seq"`
}

// All lists every table the service migrates.
func All() []interface{} {
	return []interface{}{
		&Member{},
		&Visit{},
		&DailyClaim{},
		&Device{},
		&ChangeEvent{},
		&ChangeEventDevice{},
	}
}
