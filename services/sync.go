package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/passbook/models"
	"github.com/cppla/passbook/utils"
)

// Notifier schedules a push fan-out without waiting for it.
type Notifier interface {
	Enqueue(memberID uint) bool
}

// PassService orchestrates ledger, registry, change feed and push for every pass operation.
// It is the only writer of per-member pass state.
type PassService struct {
	members  *Members
	ledger   *Ledger
	levels   *LevelTable
	registry *Registry
	feed     *ChangeFeed
	notifier Notifier
	builders map[string]PassBuilder
	archives ArchiveReader
	cache    *utils.Cache

	passTypeIdentifier string
}

// PassServiceDeps wires a PassService.
type PassServiceDeps struct {
	Members            *Members
	Ledger             *Ledger
	Levels             *LevelTable
	Registry           *Registry
	Feed               *ChangeFeed
	Notifier           Notifier
	Builders           []PassBuilder
	Archives           ArchiveReader
	Cache              *utils.Cache
	PassTypeIdentifier string
}

// NewPassService builds the service.
func NewPassService(d PassServiceDeps) *PassService {
	s := &PassService{
		members:            d.Members,
		ledger:             d.Ledger,
		levels:             d.Levels,
		registry:           d.Registry,
		feed:               d.Feed,
		notifier:           d.Notifier,
		builders:           map[string]PassBuilder{},
		archives:           d.Archives,
		cache:              d.Cache,
		passTypeIdentifier: d.PassTypeIdentifier,
	}
	if s.levels == nil {
		s.levels = DefaultLevelTable()
	}
	if s.cache == nil {
		s.cache = utils.NewCache(nil, "pass:", time.Hour)
	}
	for _, b := range d.Builders {
		s.builders[b.Platform()] = b
	}
	return s
}

// Levels returns the active level table.
func (s *PassService) Levels() *LevelTable { return s.levels }

// PassResult is the outcome of CreatePass.
type PassResult struct {
	MemberID   uint          `json:"member_id"`
	Serial     string        `json:"serial"`
	Link       string        `json:"link"`
	VisitCount int           `json:"visit_count"`
	Level      Level         `json:"level"`
	Visit      *models.Visit `json:"visit,omitempty"`
}

// CheckInResult is the outcome of HandleCheckIn.
type CheckInResult struct {
	MemberID    uint          `json:"member_id"`
	Serial      string        `json:"serial"`
	VisitCount  int           `json:"visit_count"`
	Level       Level         `json:"level"`
	Visit       *models.Visit `json:"visit"`
	Link        string        `json:"link,omitempty"`
	PassUpdated bool          `json:"pass_updated"`
	Devices     int           `json:"devices"`
	Notified    bool          `json:"notified"`
}

// MemberStatus is the public view of one pass.
type MemberStatus struct {
	Name           string     `json:"name"`
	Serial         string     `json:"serial"`
	VisitCount     int        `json:"visit_count"`
	Level          Level      `json:"level"`
	NextLevel      *Level     `json:"next_level,omitempty"`
	VisitsToNext   int        `json:"visits_to_next"`
	LastVisit      *time.Time `json:"last_visit,omitempty"`
	CheckedInToday bool       `json:"checked_in_today"`
}

// SerialsUpdate answers a device poll.
type SerialsUpdate struct {
	SerialNumbers []string `json:"serialNumbers"`
	LastUpdated   string   `json:"lastUpdated"`
}

func (s *PassService) builder(platform string) (PassBuilder, error) {
	b, ok := s.builders[platform]
	if !ok {
		return nil, ErrUnsupportedPlatform
	}
	return b, nil
}

// CreatePass issues the member's pass for platform and returns the acquisition link.
// Today's self visit is recorded unless one already exists.
func (s *PassService) CreatePass(ctx context.Context, email, name, platform string) (*PassResult, error) {
	b, err := s.builder(platform)
	if err != nil {
		return nil, err
	}
	m, err := s.identify(ctx, email, name)
	if err != nil {
		return nil, err
	}

	visit, err := s.ledger.RecordSelfVisit(ctx, m.ID)
	if err != nil && !errors.Is(err, ErrAlreadyCheckedInToday) {
		return nil, err
	}

	state, err := s.state(ctx, m)
	if err != nil {
		return nil, err
	}
	art, err := b.Build(ctx, state, BuildIssue)
	if err != nil {
		return nil, err
	}
	s.remember(ctx, state.Serial, art)

	if visit != nil {
		s.publish(ctx, m.ID, "visit")
	}
	utils.Logger.Info("pass issued",
		zap.Uint("member_id", m.ID), zap.String("serial", state.Serial),
		zap.String("platform", platform), zap.Bool("visit_recorded", visit != nil))

	return &PassResult{
		MemberID:   m.ID,
		Serial:     state.Serial,
		Link:       art.Link,
		VisitCount: state.VisitCount,
		Level:      state.Level,
		Visit:      visit,
	}, nil
}

// HandleCheckIn records today's visit and brings every copy of the pass up to date.
//  1. get-or-create the member and its pass identity
//  2. record the self visit; ErrAlreadyCheckedInToday is returned unchanged
//  3. recount and relevel
//  4. rebuild the pass; a failure is logged, the visit stands
//  5. with registered devices, record a change and enqueue the push; best effort
func (s *PassService) HandleCheckIn(ctx context.Context, email, name, platform string) (*CheckInResult, error) {
	b, err := s.builder(platform)
	if err != nil {
		return nil, err
	}
	m, err := s.identify(ctx, email, name)
	if err != nil {
		return nil, err
	}

	visit, err := s.ledger.RecordSelfVisit(ctx, m.ID)
	if err != nil {
		if IsBusinessRejection(err) {
			utils.Logger.Info("check-in rejected", zap.Uint("member_id", m.ID), zap.Error(err))
		}
		return nil, err
	}

	state, err := s.state(ctx, m)
	if err != nil {
		// the visit is stored; report it even though the pass could not be described
		utils.Logger.Error("load pass state after visit", zap.Uint("member_id", m.ID), zap.Error(err))
		return &CheckInResult{MemberID: m.ID, Serial: m.Serial(), Visit: visit}, nil
	}
	res := &CheckInResult{
		MemberID:   m.ID,
		Serial:     state.Serial,
		VisitCount: state.VisitCount,
		Level:      state.Level,
		Visit:      visit,
	}

	s.cache.Delete(ctx, state.Serial)
	art, err := b.Build(ctx, state, BuildRefresh)
	if err != nil {
		utils.Logger.Error("refresh pass after visit",
			zap.Uint("member_id", m.ID), zap.String("platform", platform), zap.Error(err))
	} else {
		res.PassUpdated = true
		res.Link = art.Link
		s.remember(ctx, state.Serial, art)
	}

	res.Devices, res.Notified = s.publish(ctx, m.ID, "visit")
	return res, nil
}

// AddRetroVisit backfills a visit on day (YYYY-MM-DD, reference zone) at the day's last instant.
// An empty email records an anonymous visit.
func (s *PassService) AddRetroVisit(ctx context.Context, email, name, day, note string) (*models.Visit, error) {
	date, err := s.ledger.Calendar().ParseDay(day)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDay, day)
	}
	occurredAt := s.ledger.Calendar().EndOfDay(date)
	if email == "" {
		return s.ledger.AddRetroVisit(ctx, nil, occurredAt, note)
	}
	m, _, err := s.members.GetOrCreate(ctx, email, name)
	if err != nil {
		return nil, err
	}
	v, err := s.ledger.AddRetroVisit(ctx, &m.ID, occurredAt, note)
	if err != nil {
		return nil, err
	}
	if m.PassSerial != nil {
		s.cache.Delete(ctx, *m.PassSerial)
		s.publish(ctx, m.ID, "retro")
	}
	return v, nil
}

// AddCompanions records count companions brought by the member with email.
func (s *PassService) AddCompanions(ctx context.Context, email string, count int) ([]models.Visit, error) {
	m, err := s.members.ByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return s.ledger.AddCompanions(ctx, m.ID, count)
}

// HasPass reports whether email was already issued a pass.
func (s *PassService) HasPass(ctx context.Context, email string) (bool, error) {
	m, err := s.members.ByEmail(ctx, email)
	if errors.Is(err, ErrMemberNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.PassSerial != nil, nil
}

// Authorize checks a device secret against the pass. Unknown serials and wrong secrets
// both yield ErrUnauthorized, so a response never reveals whether a serial exists.
func (s *PassService) Authorize(ctx context.Context, serial, secret string) (*models.Member, error) {
	m, err := s.members.BySerial(ctx, serial)
	if errors.Is(err, ErrMemberNotFound) {
		// keep timing close to the mismatch path
		utils.SecureEqual(secret, "00000000000000000000000000000000")
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if secret == "" || m.AuthSecret == "" || !utils.SecureEqual(secret, m.AuthSecret) {
		return nil, ErrUnauthorized
	}
	return m, nil
}

// RegisterDevice binds deviceKey to the pass after checking the secret.
func (s *PassService) RegisterDevice(ctx context.Context, deviceKey, passTypeIdentifier, serial, pushAddress, secret string) (Registration, error) {
	m, err := s.Authorize(ctx, serial, secret)
	if err != nil {
		return Registration{}, err
	}
	if m.PassTypeIdentifier != "" && passTypeIdentifier != "" && m.PassTypeIdentifier != passTypeIdentifier {
		return Registration{}, ErrPassNotFound
	}
	reg, err := s.registry.Register(ctx, deviceKey, serial, pushAddress, passTypeIdentifier)
	if err != nil {
		return Registration{}, err
	}
	utils.Logger.Info("device registered",
		zap.String("device", deviceKey), zap.String("serial", serial), zap.Bool("new", reg.IsNew))
	return reg, nil
}

// UnregisterDevice drops deviceKey after checking the secret. Unknown devices are fine.
func (s *PassService) UnregisterDevice(ctx context.Context, deviceKey, passTypeIdentifier, serial, secret string) error {
	if _, err := s.Authorize(ctx, serial, secret); err != nil {
		return err
	}
	if err := s.registry.Unregister(ctx, deviceKey); err != nil {
		return err
	}
	utils.Logger.Info("device unregistered", zap.String("device", deviceKey), zap.String("serial", serial))
	return nil
}

// UpdatedSerials answers "what changed since" for a device. ErrNothingFound means no content.
func (s *PassService) UpdatedSerials(ctx context.Context, deviceKey, since string) (*SerialsUpdate, error) {
	wm, err := ParseWatermark(since)
	if err != nil {
		return nil, err
	}
	set, err := s.feed.ChangesSince(ctx, deviceKey, wm)
	if err != nil {
		return nil, err
	}
	out := &SerialsUpdate{LastUpdated: set.Watermark.String()}
	for _, id := range set.MemberIDs {
		m, err := s.members.ByID(ctx, id)
		if errors.Is(err, ErrMemberNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if serial := m.Serial(); serial != "" {
			out.SerialNumbers = append(out.SerialNumbers, serial)
		}
	}
	out.SerialNumbers = utils.UniqueStrings(out.SerialNumbers)
	if len(out.SerialNumbers) == 0 {
		return nil, ErrNothingFound
	}
	return out, nil
}

// LatestPass returns the current Apple archive for serial after checking the secret.
func (s *PassService) LatestPass(ctx context.Context, serial, secret string) ([]byte, error) {
	m, err := s.Authorize(ctx, serial, secret)
	if err != nil {
		return nil, err
	}
	return s.archive(ctx, m)
}

// ArchiveBySerial returns the Apple archive without a device secret; callers must have
// verified a download token.
func (s *PassService) ArchiveBySerial(ctx context.Context, serial string) ([]byte, error) {
	m, err := s.members.BySerial(ctx, serial)
	if errors.Is(err, ErrMemberNotFound) {
		return nil, ErrPassNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.archive(ctx, m)
}

func (s *PassService) archive(ctx context.Context, m *models.Member) ([]byte, error) {
	serial := m.Serial()
	if data, ok := s.cache.Get(ctx, serial); ok {
		return data, nil
	}
	b, ok := s.builders[PlatformApple]
	if !ok {
		return nil, ErrPassNotFound
	}
	state, err := s.state(ctx, m)
	if err != nil {
		return nil, err
	}
	art, err := b.Build(ctx, state, BuildRefresh)
	if err == nil && len(art.Data) > 0 {
		s.remember(ctx, serial, art)
		return art.Data, nil
	}
	if s.archives != nil {
		// serve the last stored archive rather than nothing
		if data, rerr := s.archives.ReadArchive(ctx, serial); rerr == nil {
			utils.Logger.Warn("serving stored archive, rebuild failed", zap.String("serial", serial), zap.Error(err))
			return data, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return nil, ErrPassNotFound
}

// Status returns the holder's view of the pass with serial. It needs the pass secret, and
// unknown serials fail the same way as wrong secrets.
func (s *PassService) Status(ctx context.Context, serial, secret string) (*MemberStatus, error) {
	m, err := s.Authorize(ctx, serial, secret)
	if err != nil {
		return nil, err
	}
	count, err := s.ledger.VisitCount(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	st := &MemberStatus{
		Name:       m.Name,
		Serial:     serial,
		VisitCount: count,
		Level:      s.levels.For(count),
	}
	if next, ok := s.levels.Next(count); ok {
		st.NextLevel = &next
		st.VisitsToNext = next.Visits - count
	}
	last, err := s.ledger.LastVisit(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	if last != nil {
		t := last.OccurredAt
		st.LastVisit = &t
	}
	st.CheckedInToday, err = s.ledger.CheckedInOn(ctx, m.ID, s.ledger.Now())
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Leaderboard ranks members, house accounts excluded.
func (s *PassService) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	return s.members.Leaderboard(ctx, s.levels, limit)
}

// RotateAuthSecret replaces a pass secret and tells its devices to refetch.
func (s *PassService) RotateAuthSecret(ctx context.Context, serial string) (string, error) {
	secret, err := s.members.RotateAuthSecret(ctx, serial)
	if err != nil {
		return "", err
	}
	s.cache.Delete(ctx, serial)
	if m, err := s.members.BySerial(ctx, serial); err == nil {
		s.publish(ctx, m.ID, "secret-rotated")
	}
	return secret, nil
}

// SetRole changes a member's role.
func (s *PassService) SetRole(ctx context.Context, email, role string) (*models.Member, error) {
	return s.members.SetRole(ctx, email, role)
}

// identify runs step 1: get-or-create and make sure the pass identity exists.
func (s *PassService) identify(ctx context.Context, email, name string) (*models.Member, error) {
	m, created, err := s.members.GetOrCreate(ctx, email, name)
	if err != nil {
		return nil, err
	}
	if created {
		utils.Logger.Info("member created", zap.Uint("member_id", m.ID))
	}
	return s.members.EnsurePass(ctx, m, s.passTypeIdentifier)
}

func (s *PassService) state(ctx context.Context, m *models.Member) (PassState, error) {
	count, err := s.ledger.VisitCount(ctx, m.ID)
	if err != nil {
		return PassState{}, err
	}
	st := PassState{
		MemberID:           m.ID,
		Email:              m.Email,
		Name:               m.Name,
		Serial:             m.Serial(),
		AuthSecret:         m.AuthSecret,
		PassTypeIdentifier: m.PassTypeIdentifier,
		VisitCount:         count,
		Level:              s.levels.For(count),
		MemberSince:        m.CreatedAt,
	}
	last, err := s.ledger.LastVisit(ctx, m.ID)
	if err != nil {
		return PassState{}, err
	}
	if last != nil {
		st.LastVisit = last.OccurredAt
		st.LastVisitText = s.ledger.Calendar().Format(last.OccurredAt)
	}
	return st, nil
}

func (s *PassService) remember(ctx context.Context, serial string, art *Artifact) {
	if art != nil && art.Platform == PlatformApple && len(art.Data) > 0 {
		s.cache.Set(ctx, serial, art.Data)
	}
}

// publish runs step 5. It never fails the caller: errors are logged and the visit stands.
func (s *PassService) publish(ctx context.Context, memberID uint, reason string) (devices int, notified bool) {
	list, err := s.registry.DevicesFor(ctx, memberID)
	if err != nil {
		utils.Logger.Error("list devices for change", zap.Uint("member_id", memberID), zap.Error(err))
		return 0, false
	}
	if len(list) == 0 {
		return 0, false
	}
	if _, err := s.feed.RecordChange(ctx, memberID, reason); err != nil {
		utils.Logger.Error("record change", zap.Uint("member_id", memberID), zap.Error(err))
		return len(list), false
	}
	if s.notifier == nil {
		return len(list), false
	}
	return len(list), s.notifier.Enqueue(memberID)
}
