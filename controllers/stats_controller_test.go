package controllers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/passbook/services"
)

func statsRouter(api *fakeAPI) *gin.Engine {
	s := NewStatsController(api)
	r := gin.New()
	r.GET("/leaderboard", s.Leaderboard)
	r.GET("/members/:serial/status", s.MemberStatus)
	return r
}

func TestMemberStatus_NeedsPassSecret(t *testing.T) {
	api := &fakeAPI{status: func(serial, secret string) (*services.MemberStatus, error) {
		if serial != "ann_example_com" || secret != "s3cret" {
			return nil, services.ErrUnauthorized
		}
		return &services.MemberStatus{Serial: serial, VisitCount: 4}, nil
	}}
	r := statsRouter(api)

	w := perform(r, http.MethodGet, "/members/ann_example_com/status", "", "Authorization", "ApplePass s3cret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 4, decode(t, w).Data["visit_count"])

	unknown := perform(r, http.MethodGet, "/members/nobody_example_com/status", "", "Authorization", "ApplePass s3cret")
	wrong := perform(r, http.MethodGet, "/members/ann_example_com/status", "", "Authorization", "ApplePass nope")
	missing := perform(r, http.MethodGet, "/members/ann_example_com/status", "")
	for _, w := range []*httptest.ResponseRecorder{unknown, wrong, missing} {
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
	assert.Equal(t, unknown.Body.String(), wrong.Body.String())
}

func TestLeaderboard_HidesSerials(t *testing.T) {
	api := &fakeAPI{leaderboard: func(limit int) ([]services.LeaderboardEntry, error) {
		return []services.LeaderboardEntry{{Rank: 1, Name: "Ann", Visits: 9, Level: "Dreamer"}}, nil
	}}
	w := perform(statsRouter(api), http.MethodGet, "/leaderboard", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "serial")
	assert.Contains(t, w.Body.String(), `"rank":1`)
}
