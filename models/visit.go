package models

import "time"

// Visit kinds.
const (
	VisitSelf      = "self"
	VisitRetro     = "retro"
	VisitCompanion = "companion"
)

// Visit is one immutable check-in. Companion visits carry no MemberID and point at the
// primary member through CompanionOfMemberID instead.
type Visit struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	MemberID            *uint     `gorm:"index" json:"member_id"`
	OccurredAt          time.Time `gorm:"index;not null" json:"occurred_at"`
	Day                 string    `gorm:"size:10;index;not null" json:"day"`
	Kind                string    `gorm:"size:16;not null" json:"kind"`
	Note                string    `gorm:"size:255" json:"note"`
	CompanionOfMemberID *uint     `gorm:"index" json:"companion_of_member_id"`
	BatchID             string    `gorm:"size:36;index" json:"batch_id"`
	CreatedAt           time.Time `json:"created_at"`
}
