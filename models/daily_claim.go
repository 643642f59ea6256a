package models

import "time"

// DailyClaim marks that a member used up a once-per-reference-day allowance.
// The composite unique index is what keeps two processes from both accepting a check-in.
type DailyClaim struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	MemberID  uint      `gorm:"index:idx_claim_member_day_kind,unique;not null" json:"member_id"`
	Day       string    `gorm:"index:idx_claim_member_day_kind,unique;size:10;not null" json:"day"`
	Kind      string    `gorm:"index:idx_claim_member_day_kind,unique;size:16;not null" json:"kind"`
	VisitID   *uint     `json:"visit_id"`
	CreatedAt time.Time `json:"created_at"`
}
