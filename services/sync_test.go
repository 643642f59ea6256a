package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBuilder struct {
	platform string

	mu     sync.Mutex
	builds []PassState
	modes  []BuildMode
	fail   error
}

func (b *fakeBuilder) Platform() string { return b.platform }

func (b *fakeBuilder) Build(ctx context.Context, state PassState, mode BuildMode) (*Artifact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return nil, b.fail
	}
	b.builds = append(b.builds, state)
	b.modes = append(b.modes, mode)
	return &Artifact{
		Platform: b.platform,
		Link:     "https://wallet.test/" + b.platform + "/" + state.Serial,
		Data:     []byte("archive:" + state.Serial + ":" + state.Level.Name),
	}, nil
}

func (b *fakeBuilder) last() PassState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.builds[len(b.builds)-1]
}

type fakeNotifier struct {
	mu  sync.Mutex
	ids []uint
}

func (n *fakeNotifier) Enqueue(memberID uint) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, memberID)
	return true
}

type fakeArchives struct {
	data map[string][]byte
}

func (a fakeArchives) ReadArchive(ctx context.Context, serial string) ([]byte, error) {
	if b, ok := a.data[serial]; ok {
		return b, nil
	}
	return nil, errors.New("not stored")
}

type syncFixture struct {
	clock    *testClock
	svc      *PassService
	apple    *fakeBuilder
	google   *fakeBuilder
	notifier *fakeNotifier
	registry *Registry
	members  *Members
}

func newSyncFixture(t *testing.T, archives ArchiveReader) *syncFixture {
	t.Helper()
	db := newTestDB(t)
	clock := newTestClock(laTime(t, "2024-10-05T10:00"))
	members := NewMembers(db)
	registry := NewRegistry(db, members)
	f := &syncFixture{
		clock:    clock,
		apple:    &fakeBuilder{platform: PlatformApple},
		google:   &fakeBuilder{platform: PlatformGoogle},
		notifier: &fakeNotifier{},
		registry: registry,
		members:  members,
	}
	f.svc = NewPassService(PassServiceDeps{
		Members:            members,
		Ledger:             NewLedger(db, MustCalendar(testZone), WithClock(clock.Now)),
		Registry:           registry,
		Feed:               NewChangeFeed(db, nil, clock.Now),
		Notifier:           f.notifier,
		Builders:           []PassBuilder{f.apple, f.google},
		Archives:           archives,
		PassTypeIdentifier: "pass.test.loyalty",
	})
	return f
}

func TestPassService_CreatePass(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, nil)

	res, err := f.svc.CreatePass(ctx, "Jay@Example.com", "Jay", PlatformGoogle)
	require.NoError(t, err)
	assert.Equal(t, "jay_example_com", res.Serial)
	assert.Equal(t, "https://wallet.test/google/jay_example_com", res.Link)
	assert.Equal(t, 1, res.VisitCount)
	assert.NotNil(t, res.Visit)
	assert.Equal(t, BuildIssue, f.google.modes[0])

	ok, err := f.svc.HasPass(ctx, "jay@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	// a second pass request the same day is not a check-in
	again, err := f.svc.CreatePass(ctx, "jay@example.com", "", PlatformApple)
	require.NoError(t, err)
	assert.Nil(t, again.Visit)
	assert.Equal(t, 1, again.VisitCount)
	assert.Equal(t, res.Serial, again.Serial)
}

func TestPassService_HasPassForStranger(t *testing.T) {
	f := newSyncFixture(t, nil)
	ok, err := f.svc.HasPass(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.svc.HasPass(context.Background(), "broken")
	assert.ErrorIs(t, err, ErrInvalidEmail)
}

func TestPassService_UnsupportedPlatform(t *testing.T) {
	f := newSyncFixture(t, nil)
	_, err := f.svc.CreatePass(context.Background(), "kay@example.com", "Kay", "")
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
	_, err = f.svc.HandleCheckIn(context.Background(), "kay@example.com", "Kay", "windows")
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestPassService_HandleCheckIn(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, nil)

	res, err := f.svc.HandleCheckIn(ctx, "lou@example.com", "Lou", PlatformApple)
	require.NoError(t, err)
	assert.Equal(t, 1, res.VisitCount)
	assert.True(t, res.PassUpdated)
	assert.Zero(t, res.Devices)
	assert.False(t, res.Notified)
	assert.Equal(t, BuildRefresh, f.apple.modes[0])
	assert.NotEmpty(t, f.apple.last().LastVisitText)

	f.clock.Advance(time.Hour)
	_, err = f.svc.HandleCheckIn(ctx, "lou@example.com", "Lou", PlatformApple)
	var te *ThrottleError
	require.True(t, errors.As(err, &te))
	assert.ErrorIs(t, err, ErrAlreadyCheckedInToday)

	f.clock.Advance(24 * time.Hour)
	res, err = f.svc.HandleCheckIn(ctx, "lou@example.com", "Lou", PlatformApple)
	require.NoError(t, err)
	assert.Equal(t, 2, res.VisitCount)
	assert.Equal(t, "Dozer", res.Level.Name)
}

func TestPassService_CheckInNotifiesRegisteredDevices(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, nil)

	created, err := f.svc.CreatePass(ctx, "mo@example.com", "Mo", PlatformApple)
	require.NoError(t, err)
	m, err := f.members.BySerial(ctx, created.Serial)
	require.NoError(t, err)

	reg, err := f.svc.RegisterDevice(ctx, "device-1", "pass.test.loyalty", created.Serial, "apns-token", m.AuthSecret)
	require.NoError(t, err)
	assert.True(t, reg.IsNew)

	f.clock.Advance(24 * time.Hour)
	res, err := f.svc.HandleCheckIn(ctx, "mo@example.com", "Mo", PlatformApple)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Devices)
	assert.True(t, res.Notified)
	assert.Equal(t, []uint{m.ID}, f.notifier.ids)

	update, err := f.svc.UpdatedSerials(ctx, "device-1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{created.Serial}, update.SerialNumbers)

	_, err = f.svc.UpdatedSerials(ctx, "device-1", update.LastUpdated)
	assert.ErrorIs(t, err, ErrNothingFound)

	_, err = f.svc.UpdatedSerials(ctx, "device-1", "garbage")
	assert.ErrorIs(t, err, ErrInvalidWatermark)
}

func TestPassService_BuilderFailureKeepsVisit(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, nil)
	f.google.fail = errors.New("wallet api down")

	res, err := f.svc.HandleCheckIn(ctx, "ned@example.com", "Ned", PlatformGoogle)
	require.NoError(t, err)
	assert.False(t, res.PassUpdated)
	assert.Equal(t, 1, res.VisitCount)

	_, err = f.svc.HandleCheckIn(ctx, "ned@example.com", "Ned", PlatformGoogle)
	assert.ErrorIs(t, err, ErrAlreadyCheckedInToday)
}

func TestPassService_Authorize(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, nil)
	created, err := f.svc.CreatePass(ctx, "oli@example.com", "Oli", PlatformApple)
	require.NoError(t, err)
	m, err := f.members.BySerial(ctx, created.Serial)
	require.NoError(t, err)

	_, err = f.svc.Authorize(ctx, created.Serial, m.AuthSecret)
	require.NoError(t, err)

	_, unknownErr := f.svc.Authorize(ctx, "nobody_example_com", m.AuthSecret)
	_, wrongErr := f.svc.Authorize(ctx, created.Serial, "nope")
	_, emptyErr := f.svc.Authorize(ctx, created.Serial, "")
	assert.ErrorIs(t, unknownErr, ErrUnauthorized)
	assert.Equal(t, unknownErr, wrongErr)
	assert.Equal(t, unknownErr, emptyErr)

	_, err = f.svc.RegisterDevice(ctx, "device-1", "pass.test.loyalty", created.Serial, "push", "wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.svc.RegisterDevice(ctx, "device-1", "pass.other", created.Serial, "push", m.AuthSecret)
	assert.ErrorIs(t, err, ErrPassNotFound)

	require.NoError(t, f.svc.UnregisterDevice(ctx, "never-registered", "pass.test.loyalty", created.Serial, m.AuthSecret))
}

func TestPassService_LatestPass(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, nil)
	created, err := f.svc.CreatePass(ctx, "pat@example.com", "Pat", PlatformApple)
	require.NoError(t, err)
	m, err := f.members.BySerial(ctx, created.Serial)
	require.NoError(t, err)

	data, err := f.svc.LatestPass(ctx, created.Serial, m.AuthSecret)
	require.NoError(t, err)
	assert.Equal(t, "archive:pat_example_com:Sleepless", string(data))

	_, err = f.svc.LatestPass(ctx, created.Serial, "bad")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.ArchiveBySerial(ctx, "missing")
	assert.ErrorIs(t, err, ErrPassNotFound)
}

func TestPassService_LatestPassFallsBackToStoredArchive(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, fakeArchives{data: map[string][]byte{"quo_example_com": []byte("stored")}})
	created, err := f.svc.CreatePass(ctx, "quo@example.com", "Quo", PlatformGoogle)
	require.NoError(t, err)

	f.apple.fail = errors.New("signing certificate missing")
	data, err := f.svc.ArchiveBySerial(ctx, created.Serial)
	require.NoError(t, err)
	assert.Equal(t, "stored", string(data))
}

func TestPassService_RetroVisitAndCompanions(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, nil)
	created, err := f.svc.CreatePass(ctx, "ray@example.com", "Ray", PlatformApple)
	require.NoError(t, err)

	v, err := f.svc.AddRetroVisit(ctx, "ray@example.com", "", "2024-10-01", "backfill")
	require.NoError(t, err)
	assert.Equal(t, "2024-10-01", v.Day)

	_, err = f.svc.AddRetroVisit(ctx, "", "", "2024-10-02", "walk-in")
	require.NoError(t, err)
	_, err = f.svc.AddRetroVisit(ctx, "ray@example.com", "", "10/02/2024", "")
	assert.ErrorIs(t, err, ErrInvalidDay)

	holder, err := f.members.BySerial(ctx, created.Serial)
	require.NoError(t, err)
	st, err := f.svc.Status(ctx, created.Serial, holder.AuthSecret)
	require.NoError(t, err)
	assert.Equal(t, 2, st.VisitCount)
	assert.True(t, st.CheckedInToday)
	require.NotNil(t, st.NextLevel)
	assert.Equal(t, "Snoozer", st.NextLevel.Name)
	assert.Equal(t, 2, st.VisitsToNext)

	// a guessed serial looks exactly like a wrong secret
	_, unknownErr := f.svc.Status(ctx, "nobody_example_com", "guess")
	_, wrongErr := f.svc.Status(ctx, created.Serial, "guess")
	assert.ErrorIs(t, unknownErr, ErrUnauthorized)
	assert.ErrorIs(t, wrongErr, ErrUnauthorized)

	rows, err := f.svc.AddCompanions(ctx, "ray@example.com", 3)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	_, err = f.svc.AddCompanions(ctx, "ray@example.com", 3)
	assert.ErrorIs(t, err, ErrCompanionsAlreadyAddedToday)
	_, err = f.svc.AddCompanions(ctx, "stranger@example.com", 1)
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

func TestPassService_RotateAuthSecret(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, nil)
	created, err := f.svc.CreatePass(ctx, "sue@example.com", "Sue", PlatformApple)
	require.NoError(t, err)
	before, err := f.members.BySerial(ctx, created.Serial)
	require.NoError(t, err)

	secret, err := f.svc.RotateAuthSecret(ctx, created.Serial)
	require.NoError(t, err)

	_, err = f.svc.Authorize(ctx, created.Serial, before.AuthSecret)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.svc.Authorize(ctx, created.Serial, secret)
	assert.NoError(t, err)
}
