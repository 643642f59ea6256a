package services

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cppla/passbook/models"
	"github.com/cppla/passbook/utils"
)

// Ledger is the append-only visit log. It owns the one-self-visit-per-reference-day rule.
//
// Two layers enforce the rule: a per-member Locker serializes callers of this process (or of
// every process when the locker is Redis backed), and the DailyClaim unique index rejects
// whatever still slips through, e.g. two instances without a shared locker.
type Ledger struct {
	db            *gorm.DB
	cal           *Calendar
	locker        utils.Locker
	throttle      bool
	maxCompanions int
	now           func() time.Time
}

// LedgerOption tunes a Ledger.
type LedgerOption func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// WithThrottle switches the daily rules on or off. Off is for non-production testing.
func WithThrottle(on bool) LedgerOption {
	return func(l *Ledger) { l.throttle = on }
}

// WithMaxCompanions caps one companion batch.
func WithMaxCompanions(n int) LedgerOption {
	return func(l *Ledger) { l.maxCompanions = n }
}

// WithLocker replaces the in-process member lock.
func WithLocker(locker utils.Locker) LedgerOption {
	return func(l *Ledger) { l.locker = locker }
}

// NewLedger builds a ledger with the throttle on.
func NewLedger(db *gorm.DB, cal *Calendar, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		db:            db,
		cal:           cal,
		locker:        utils.NewKeyedMutex(),
		throttle:      true,
		maxCompanions: 10,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Calendar returns the calendar the ledger counts days with.
func (l *Ledger) Calendar() *Calendar { return l.cal }

// Now returns the ledger's current time.
func (l *Ledger) Now() time.Time { return l.now() }

func memberLockKey(memberID uint) string {
	return "member:" + strconv.FormatUint(uint64(memberID), 10)
}

// RecordSelfVisit appends today's self visit or fails with a *ThrottleError wrapping
// ErrAlreadyCheckedInToday.
func (l *Ledger) RecordSelfVisit(ctx context.Context, memberID uint) (*models.Visit, error) {
	unlock, err := l.locker.Lock(ctx, memberLockKey(memberID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := l.now().UTC()
	day := l.cal.Day(now)
	visit := models.Visit{
		MemberID:   &memberID,
		OccurredAt: now,
		Day:        day,
		Kind:       models.VisitSelf,
	}

	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if l.throttle {
			var n int64
			if err := tx.Model(&models.Visit{}).
				Where("member_id = ? AND kind = ? AND day = ?", memberID, models.VisitSelf, day).
				Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return l.throttled(ErrAlreadyCheckedInToday, now)
			}
		}
		if err := tx.Create(&visit).Error; err != nil {
			return err
		}
		if l.throttle {
			return l.claim(tx, memberID, day, models.VisitSelf, &visit.ID, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &visit, nil
}

// claim inserts the DailyClaim row; a conflict means someone else already holds the day.
func (l *Ledger) claim(tx *gorm.DB, memberID uint, day, kind string, visitID *uint, now time.Time) error {
	c := models.DailyClaim{MemberID: memberID, Day: day, Kind: kind, VisitID: visitID}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&c)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if kind == models.VisitCompanion {
			return l.throttled(ErrCompanionsAlreadyAddedToday, now)
		}
		return l.throttled(ErrAlreadyCheckedInToday, now)
	}
	return nil
}

func (l *Ledger) throttled(base error, now time.Time) error {
	return NewThrottleError(base, l.cal.Day(now), l.cal.NextDayStart(now))
}

// CheckedInOn reports whether memberID has a self visit on the reference day of t.
func (l *Ledger) CheckedInOn(ctx context.Context, memberID uint, t time.Time) (bool, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&models.Visit{}).
		Where("member_id = ? AND kind = ? AND day = ?", memberID, models.VisitSelf, l.cal.Day(t)).
		Count(&n).Error
	return n > 0, err
}

// VisitCount counts every visit attributed to memberID. Companion rows carry no member
// and so never count toward the primary's tally.
func (l *Ledger) VisitCount(ctx context.Context, memberID uint) (int, error) {
	var n int64
	if err := l.db.WithContext(ctx).Model(&models.Visit{}).Where("member_id = ?", memberID).Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

// LastVisit returns the latest attributed visit, or nil when there is none.
func (l *Ledger) LastVisit(ctx context.Context, memberID uint) (*models.Visit, error) {
	var v models.Visit
	err := l.db.WithContext(ctx).Where("member_id = ?", memberID).Order("occurred_at DESC, id DESC").First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// AddRetroVisit backfills a visit at occurredAt. It bypasses the daily throttle.
// A nil memberID records an anonymous visit.
func (l *Ledger) AddRetroVisit(ctx context.Context, memberID *uint, occurredAt time.Time, note string) (*models.Visit, error) {
	occurredAt = occurredAt.UTC()
	v := models.Visit{
		MemberID:   memberID,
		OccurredAt: occurredAt,
		Day:        l.cal.Day(occurredAt),
		Kind:       models.VisitRetro,
		Note:       note,
	}
	if err := l.db.WithContext(ctx).Create(&v).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

// AddCompanions inserts count anonymous companion visits for primaryID as one batch.
// Only one batch per primary per reference day is accepted; count is clamped to [1, maxCompanions].
func (l *Ledger) AddCompanions(ctx context.Context, primaryID uint, count int) ([]models.Visit, error) {
	if count < 1 {
		count = 1
	}
	if l.maxCompanions > 0 && count > l.maxCompanions {
		count = l.maxCompanions
	}

	unlock, err := l.locker.Lock(ctx, memberLockKey(primaryID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := l.now().UTC()
	day := l.cal.Day(now)
	batch := uuid.NewString()
	rows := make([]models.Visit, count)
	for i := range rows {
		rows[i] = models.Visit{
			OccurredAt:          now,
			Day:                 day,
			Kind:                models.VisitCompanion,
			CompanionOfMemberID: &primaryID,
			BatchID:             batch,
		}
	}

	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if l.throttle {
			var n int64
			if err := tx.Model(&models.Visit{}).
				Where("companion_of_member_id = ? AND kind = ? AND day = ?", primaryID, models.VisitCompanion, day).
				Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return l.throttled(ErrCompanionsAlreadyAddedToday, now)
			}
			if err := l.claim(tx, primaryID, day, models.VisitCompanion, nil, now); err != nil {
				return err
			}
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// CompanionCount counts companion visits brought by primaryID.
func (l *Ledger) CompanionCount(ctx context.Context, primaryID uint) (int, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&models.Visit{}).
		Where("companion_of_member_id = ? AND kind = ?", primaryID, models.VisitCompanion).
		Count(&n).Error
	return int(n), err
}
