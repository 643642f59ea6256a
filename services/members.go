package services

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cppla/passbook/models"
	"github.com/cppla/passbook/utils"
)

// Members is the member directory: lookup, get-or-create and pass identity issuance.
type Members struct {
	db *gorm.DB
}

// NewMembers wraps db.
func NewMembers(db *gorm.DB) *Members {
	return &Members{db: db}
}

// LeaderboardEntry is one public ranking row. It carries no serial: serials are derived from
// emails.
type LeaderboardEntry struct {
	Rank   int    `json:"rank"`
	Name   string `json:"name"`
	Visits int64  `json:"visits"`
	Level  string `json:"level"`
}

// GetOrCreate returns the member for email, creating it on first sight. A non-empty name
// replaces the stored one, matching how returning members correct their display name.
func (s *Members) GetOrCreate(ctx context.Context, email, name string) (*models.Member, bool, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, false, err
	}
	name = utils.SanitizeName(name)

	fresh := models.Member{Email: email, Name: name, Role: models.RoleMember}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh)
	if res.Error != nil {
		return nil, false, res.Error
	}
	created := res.RowsAffected > 0

	var m models.Member
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&m).Error; err != nil {
		return nil, false, err
	}
	if !created && name != "" && name != m.Name {
		if err := s.db.WithContext(ctx).Model(&m).Update("name", name).Error; err != nil {
			return nil, false, err
		}
	}
	return &m, created, nil
}

// ByEmail looks a member up by (unnormalized) email.
func (s *Members) ByEmail(ctx context.Context, email string) (*models.Member, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	return s.first(ctx, "email = ?", email)
}

// BySerial looks a member up by pass serial.
func (s *Members) BySerial(ctx context.Context, serial string) (*models.Member, error) {
	if serial == "" {
		return nil, ErrMemberNotFound
	}
	return s.first(ctx, "pass_serial = ?", serial)
}

// ByID looks a member up by id.
func (s *Members) ByID(ctx context.Context, id uint) (*models.Member, error) {
	return s.first(ctx, "id = ?", id)
}

func (s *Members) first(ctx context.Context, query string, args ...interface{}) (*models.Member, error) {
	var m models.Member
	err := s.db.WithContext(ctx).Where(query, args...).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// EnsurePass issues serial and auth secret on first call and is a no-op afterwards.
// The conditional update makes concurrent first issuances agree on one identity.
func (s *Members) EnsurePass(ctx context.Context, m *models.Member, passTypeIdentifier string) (*models.Member, error) {
	if m.PassSerial != nil {
		return m, nil
	}
	secret, err := IssueAuthSecret()
	if err != nil {
		return nil, fmt.Errorf("issue auth secret: %w", err)
	}

	serial := SerialFor(m.Email)
	if holder, err := s.BySerial(ctx, serial); err == nil && holder.ID != m.ID {
		utils.Sugar.Warnw("pass serial collision, disambiguating",
			"serial", serial, "member_id", m.ID, "holder_id", holder.ID)
		serial = DisambiguatedSerial(m.Email)
	} else if err != nil && !errors.Is(err, ErrMemberNotFound) {
		return nil, err
	}

	err = s.assignPass(ctx, m.ID, serial, secret, passTypeIdentifier)
	if errors.Is(err, gorm.ErrDuplicatedKey) && serial != DisambiguatedSerial(m.Email) {
		// a colliding email took the serial between the check and the write
		utils.Sugar.Warnw("pass serial taken during issuance, disambiguating",
			"serial", serial, "member_id", m.ID)
		err = s.assignPass(ctx, m.ID, DisambiguatedSerial(m.Email), secret, passTypeIdentifier)
	}
	if err != nil {
		return nil, err
	}
	return s.ByID(ctx, m.ID)
}

func (s *Members) assignPass(ctx context.Context, memberID uint, serial, secret, passTypeIdentifier string) error {
	return s.db.WithContext(ctx).Model(&models.Member{}).
		Where("id = ? AND pass_serial IS NULL", memberID).
		Updates(map[string]interface{}{
			"pass_serial":          serial,
			"auth_secret":          secret,
			"pass_type_identifier": passTypeIdentifier,
		}).Error
}

// RotateAuthSecret replaces the auth secret of the pass with serial and returns the new one.
func (s *Members) RotateAuthSecret(ctx context.Context, serial string) (string, error) {
	m, err := s.BySerial(ctx, serial)
	if err != nil {
		return "", err
	}
	secret, err := IssueAuthSecret()
	if err != nil {
		return "", err
	}
	if err := s.db.WithContext(ctx).Model(m).Update("auth_secret", secret).Error; err != nil {
		return "", err
	}
	return secret, nil
}

// SetRole changes the role of the member with email.
func (s *Members) SetRole(ctx context.Context, email, role string) (*models.Member, error) {
	if role != models.RoleMember && role != models.RoleHouse {
		return nil, ErrInvalidRole
	}
	m, err := s.ByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(m).Update("role", role).Error; err != nil {
		return nil, err
	}
	m.Role = role
	return m, nil
}

// Leaderboard ranks non-house members by attributed visits.
func (s *Members) Leaderboard(ctx context.Context, levels *LevelTable, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	type row struct {
		Name   string
		Visits int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Table("members").
		Select("members.name, COUNT(visits.id) AS visits").
		Joins("JOIN visits ON visits.member_id = members.id").
		Where("members.role <> ?", models.RoleHouse).
		Group("members.id, members.name").
		Order("visits DESC, members.id ASC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]LeaderboardEntry, 0, len(rows))
	for i, r := range rows {
		out = append(out, LeaderboardEntry{
			Rank:   i + 1,
			Name:   r.Name,
			Visits: r.Visits,
			Level:  levels.For(int(r.Visits)).Name,
		})
	}
	return out, nil
}
