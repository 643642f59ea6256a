package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/cppla/passbook/models"
	"github.com/cppla/passbook/services"
)

// fakeAPI overrides the PassAPI methods a test sets; the rest panic through the nil embed.
type fakeAPI struct {
	PassAPI
	createPass       func(email, name, platform string) (*services.PassResult, error)
	checkIn          func(email, name, platform string) (*services.CheckInResult, error)
	hasPass          func(email string) (bool, error)
	addCompanions    func(email string, count int) ([]models.Visit, error)
	addRetroVisit    func(email, name, day, note string) (*models.Visit, error)
	registerDevice   func(device, passType, serial, push, secret string) (services.Registration, error)
	unregisterDevice func(device, passType, serial, secret string) error
	updatedSerials   func(device, since string) (*services.SerialsUpdate, error)
	latestPass       func(serial, secret string) ([]byte, error)
	archiveBySerial  func(serial string) ([]byte, error)
	status           func(serial, secret string) (*services.MemberStatus, error)
	leaderboard      func(limit int) ([]services.LeaderboardEntry, error)
	rotate           func(serial string) (string, error)
}

func (f *fakeAPI) Levels() *services.LevelTable { return services.DefaultLevelTable() }

func (f *fakeAPI) CreatePass(ctx context.Context, email, name, platform string) (*services.PassResult, error) {
	return f.createPass(email, name, platform)
}

func (f *fakeAPI) HandleCheckIn(ctx context.Context, email, name, platform string) (*services.CheckInResult, error) {
	return f.checkIn(email, name, platform)
}

func (f *fakeAPI) HasPass(ctx context.Context, email string) (bool, error) {
	return f.hasPass(email)
}

func (f *fakeAPI) AddCompanions(ctx context.Context, email string, count int) ([]models.Visit, error) {
	return f.addCompanions(email, count)
}

func (f *fakeAPI) AddRetroVisit(ctx context.Context, email, name, day, note string) (*models.Visit, error) {
	return f.addRetroVisit(email, name, day, note)
}

func (f *fakeAPI) RegisterDevice(ctx context.Context, device, passType, serial, push, secret string) (services.Registration, error) {
	return f.registerDevice(device, passType, serial, push, secret)
}

func (f *fakeAPI) UnregisterDevice(ctx context.Context, device, passType, serial, secret string) error {
	return f.unregisterDevice(device, passType, serial, secret)
}

func (f *fakeAPI) UpdatedSerials(ctx context.Context, device, since string) (*services.SerialsUpdate, error) {
	return f.updatedSerials(device, since)
}

func (f *fakeAPI) LatestPass(ctx context.Context, serial, secret string) ([]byte, error) {
	return f.latestPass(serial, secret)
}

func (f *fakeAPI) ArchiveBySerial(ctx context.Context, serial string) ([]byte, error) {
	return f.archiveBySerial(serial)
}

func (f *fakeAPI) Status(ctx context.Context, serial, secret string) (*services.MemberStatus, error) {
	return f.status(serial, secret)
}

func (f *fakeAPI) Leaderboard(ctx context.Context, limit int) ([]services.LeaderboardEntry, error) {
	return f.leaderboard(limit)
}

func (f *fakeAPI) RotateAuthSecret(ctx context.Context, serial string) (string, error) {
	return f.rotate(serial)
}

type envelope struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data"`
}

func init() {
	gin.SetMode(gin.TestMode)
}

func perform(r http.Handler, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}
