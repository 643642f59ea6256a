package controllers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cppla/passbook/utils"
)

// StatsController provides public member statistics.
type StatsController struct {
	svc PassAPI
}

// NewStatsController creates a new StatsController instance.
func NewStatsController(svc PassAPI) *StatsController {
	return &StatsController{svc: svc}
}

// Leaderboard ranks members by visits.
func (s *StatsController) Leaderboard(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	entries, err := s.svc.Leaderboard(ctx.Request.Context(), limit)
	if err != nil {
		writeServiceError(ctx, 90, err)
		return
	}
	utils.Success(ctx, gin.H{"entries": entries})
}

// MemberStatus returns visits and level progress for a pass. The caller presents the pass
// secret the same way a device does.
func (s *StatsController) MemberStatus(ctx *gin.Context) {
	st, err := s.svc.Status(ctx.Request.Context(), ctx.Param("serial"), passSecret(ctx))
	if err != nil {
		writeServiceError(ctx, 91, err)
		return
	}
	utils.Success(ctx, st)
}
