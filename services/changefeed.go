package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/cppla/passbook/models"
	"github.com/cppla/passbook/utils"
)

// Watermark is a position in a device's change stream: the (stamp, seq) of the last seen event.
// Its wire form is "<stamp>-<seq>". A bare integer is a legacy epoch-ms tag meaning
// "everything at or before that millisecond".
type Watermark struct {
	Stamp int64
	Seq   int64
}

// ParseWatermark reads the wire form. An empty string is the zero watermark.
func ParseWatermark(s string) (Watermark, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Watermark{}, nil
	}
	stampPart, seqPart, hasSeq := strings.Cut(s, "-")
	stamp, err := strconv.ParseInt(stampPart, 10, 64)
	if err != nil || stamp < 0 {
		return Watermark{}, fmt.Errorf("%w: %q", ErrInvalidWatermark, s)
	}
	if !hasSeq {
		return Watermark{Stamp: stamp, Seq: math.MaxInt64}, nil
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil || seq < 0 {
		return Watermark{}, fmt.Errorf("%w: %q", ErrInvalidWatermark, s)
	}
	return Watermark{Stamp: stamp, Seq: seq}, nil
}

func (w Watermark) String() string {
	return strconv.FormatInt(w.Stamp, 10) + "-" + strconv.FormatInt(w.Seq, 10)
}

// ChangeSet is what a device has not seen yet.
type ChangeSet struct {
	Events    []models.ChangeEventDevice
	MemberIDs []uint
	Watermark Watermark
}

// ChangeFeed appends per-member change events and answers device polls.
type ChangeFeed struct {
	db     *gorm.DB
	locker utils.Locker
	now    func() time.Time
}

// NewChangeFeed builds a feed. now may be nil.
func NewChangeFeed(db *gorm.DB, locker utils.Locker, now func() time.Time) *ChangeFeed {
	if locker == nil {
		locker = utils.NewKeyedMutex()
	}
	if now == nil {
		now = time.Now
	}
	return &ChangeFeed{db: db, locker: locker, now: now}
}

// RecordChange snapshots memberID's registered devices and appends one event after every
// earlier one: seq is last+1 and stamp never goes below the previous stamp even if the
// wall clock stepped back.
func (f *ChangeFeed) RecordChange(ctx context.Context, memberID uint, reason string) (*models.ChangeEvent, error) {
	unlock, err := f.locker.Lock(ctx, "change:"+strconv.FormatUint(uint64(memberID), 10))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var event *models.ChangeEvent
	err = utils.Retry(ctx, 3, 20*time.Millisecond, func(ctx context.Context) error {
		ev, err := f.append(ctx, memberID, reason)
		if err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return err
			}
			return utils.Permanent(err)
		}
		event = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (f *ChangeFeed) append(ctx context.Context, memberID uint, reason string) (*models.ChangeEvent, error) {
	var event models.ChangeEvent
	err := f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last models.ChangeEvent
		err := tx.Where("member_id = ?", memberID).Order("seq DESC").First(&last).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := f.now().UTC()
		stamp := now.UnixMilli()
		if stamp < last.Stamp {
			stamp = last.Stamp
		}

		var devices []models.Device
		if err := tx.Where("member_id = ?", memberID).Order("id ASC").Find(&devices).Error; err != nil {
			return err
		}

		event = models.ChangeEvent{
			MemberID:   memberID,
			Seq:        last.Seq + 1,
			Stamp:      stamp,
			OccurredAt: now,
			Reason:     reason,
		}
		if err := tx.Omit("Devices").Create(&event).Error; err != nil {
			return err
		}
		if len(devices) == 0 {
			return nil
		}
		rows := make([]models.ChangeEventDevice, 0, len(devices))
		for _, d := range devices {
			cursor, err := deviceCursor(tx, d.DeviceKey, Watermark{Stamp: event.Stamp, Seq: event.Seq})
			if err != nil {
				return err
			}
			rows = append(rows, models.ChangeEventDevice{
				ChangeEventID: event.ID,
				DeviceKey:     d.DeviceKey,
				MemberID:      memberID,
				Stamp:         cursor.Stamp,
				Seq:           cursor.Seq,
			})
		}
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}
		event.Devices = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// deviceCursor places a new row for deviceKey strictly after the device's previous row. A
// device that moved between passes has already seen the old member's positions, which can
// sit ahead of the new member's (stamp, seq).
func deviceCursor(tx *gorm.DB, deviceKey string, want Watermark) (Watermark, error) {
	var last models.ChangeEventDevice
	err := tx.Where("device_key = ?", deviceKey).Order("stamp DESC, seq DESC").First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return want, nil
	}
	if err != nil {
		return Watermark{}, err
	}
	if want.Stamp > last.Stamp || (want.Stamp == last.Stamp && want.Seq > last.Seq) {
		return want, nil
	}
	return Watermark{Stamp: last.Stamp, Seq: last.Seq + 1}, nil
}

// ChangesSince returns the events naming deviceKey after since, oldest first.
// ErrNothingFound means the device is up to date.
func (f *ChangeFeed) ChangesSince(ctx context.Context, deviceKey string, since Watermark) (*ChangeSet, error) {
	var rows []models.ChangeEventDevice
	err := f.db.WithContext(ctx).
		Where("device_key = ? AND (stamp > ? OR (stamp = ? AND seq > ?))", deviceKey, since.Stamp, since.Stamp, since.Seq).
		Order("stamp ASC, seq ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNothingFound
	}

	set := &ChangeSet{Events: rows}
	seen := map[uint]struct{}{}
	for _, r := range rows {
		if _, ok := seen[r.MemberID]; !ok {
			seen[r.MemberID] = struct{}{}
			set.MemberIDs = append(set.MemberIDs, r.MemberID)
		}
	}
	last := rows[len(rows)-1]
	set.Watermark = Watermark{Stamp: last.Stamp, Seq: last.Seq}
	return set, nil
}

// Prune drops change history older than before. The newest event of each member and the
// newest row of each device are kept so positions keep growing.
func (f *ChangeFeed) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UnixMilli()
	var removed int64
	err := f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// the newest row per device stays as that device's cursor floor
		err := tx.Exec(
			"DELETE FROM change_event_devices WHERE stamp < ? AND id NOT IN (SELECT id FROM (SELECT MAX(id) AS id FROM change_event_devices GROUP BY device_key) AS keep_latest)",
			cutoff,
		).Error
		if err != nil {
			return err
		}
		res := tx.Exec(
			"DELETE FROM change_events WHERE stamp < ? AND id NOT IN (SELECT id FROM (SELECT MAX(id) AS id FROM change_events GROUP BY member_id) AS keep_latest)",
			cutoff,
		)
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return nil
	})
	return removed, err
}
