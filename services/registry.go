package services

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cppla/passbook/models"
	"github.com/cppla/passbook/utils"
)

// Registry tracks which devices hold which member's pass.
//
// Operations on one device key run one at a time in arrival order tickets: when a later
// arrival already committed, an earlier one that only now got the lock does nothing, so the
// final state is always the last caller's.
type Registry struct {
	db      *gorm.DB
	members *Members
	keys    *utils.KeyedMutex
}

// Registration is the outcome of Register.
type Registration struct {
	IsNew  bool
	Device models.Device
	// Superseded is set when a later call for the same key already won.
	Superseded bool
}

// NewRegistry builds a registry over db.
func NewRegistry(db *gorm.DB, members *Members) *Registry {
	return &Registry{db: db, members: members, keys: utils.NewKeyedMutex()}
}

// Register binds deviceKey to the member owning serial. An existing key is updated in place.
func (r *Registry) Register(ctx context.Context, deviceKey, serial, pushAddress, passTypeIdentifier string) (Registration, error) {
	t := r.keys.Acquire(deviceKey)
	defer t.Release()

	m, err := r.members.BySerial(ctx, serial)
	if errors.Is(err, ErrMemberNotFound) {
		return Registration{}, ErrUnknownPassSerial
	}
	if err != nil {
		return Registration{}, err
	}

	var existing models.Device
	err = r.db.WithContext(ctx).Where("device_key = ?", deviceKey).First(&existing).Error
	found := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return Registration{}, err
	}

	if t.Superseded() {
		return Registration{IsNew: false, Device: existing, Superseded: true}, nil
	}

	d := models.Device{
		DeviceKey:          deviceKey,
		MemberID:           m.ID,
		PassTypeIdentifier: passTypeIdentifier,
		PushAddress:        pushAddress,
	}
	// upsert keeps a second instance racing on the same key from failing on the unique index
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"member_id", "pass_type_identifier", "push_address", "updated_at"}),
	}).Create(&d).Error
	if err != nil {
		return Registration{}, err
	}
	t.Commit()

	if found {
		d.ID = existing.ID
		d.CreatedAt = existing.CreatedAt
	}
	return Registration{IsNew: !found, Device: d}, nil
}

// Unregister removes deviceKey. Unknown keys are not an error.
func (r *Registry) Unregister(ctx context.Context, deviceKey string) error {
	t := r.keys.Acquire(deviceKey)
	defer t.Release()

	if t.Superseded() {
		return nil
	}
	if err := r.db.WithContext(ctx).Where("device_key = ?", deviceKey).Delete(&models.Device{}).Error; err != nil {
		return err
	}
	t.Commit()
	return nil
}

// Forget removes deviceKey only while it still carries pushAddress. Used when the push
// provider reports the address dead, so a fresh re-registration is never lost.
func (r *Registry) Forget(ctx context.Context, deviceKey, pushAddress string) (bool, error) {
	t := r.keys.Acquire(deviceKey)
	defer t.Release()

	res := r.db.WithContext(ctx).
		Where("device_key = ? AND push_address = ?", deviceKey, pushAddress).
		Delete(&models.Device{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DevicesFor lists the devices registered for memberID.
func (r *Registry) DevicesFor(ctx context.Context, memberID uint) ([]models.Device, error) {
	var devices []models.Device
	err := r.db.WithContext(ctx).Where("member_id = ?", memberID).Order("id ASC").Find(&devices).Error
	return devices, err
}

// Device returns one registration by key.
func (r *Registry) Device(ctx context.Context, deviceKey string) (*models.Device, error) {
	var d models.Device
	err := r.db.WithContext(ctx).Where("device_key = ?", deviceKey).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNothingFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}
