package controllers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/passbook/models"
	"github.com/cppla/passbook/services"
	"github.com/cppla/passbook/utils"
)

// PassAPI is what the handlers need from services.PassService.
type PassAPI interface {
	Levels() *services.LevelTable
	CreatePass(ctx context.Context, email, name, platform string) (*services.PassResult, error)
	HandleCheckIn(ctx context.Context, email, name, platform string) (*services.CheckInResult, error)
	HasPass(ctx context.Context, email string) (bool, error)
	AddCompanions(ctx context.Context, email string, count int) ([]models.Visit, error)
	AddRetroVisit(ctx context.Context, email, name, day, note string) (*models.Visit, error)
	RegisterDevice(ctx context.Context, deviceKey, passTypeIdentifier, serial, pushAddress, secret string) (services.Registration, error)
	UnregisterDevice(ctx context.Context, deviceKey, passTypeIdentifier, serial, secret string) error
	UpdatedSerials(ctx context.Context, deviceKey, since string) (*services.SerialsUpdate, error)
	LatestPass(ctx context.Context, serial, secret string) ([]byte, error)
	ArchiveBySerial(ctx context.Context, serial string) ([]byte, error)
	Status(ctx context.Context, serial, secret string) (*services.MemberStatus, error)
	Leaderboard(ctx context.Context, limit int) ([]services.LeaderboardEntry, error)
	RotateAuthSecret(ctx context.Context, serial string) (string, error)
	SetRole(ctx context.Context, email, role string) (*models.Member, error)
}

var _ PassAPI = (*services.PassService)(nil)

// writeServiceError maps service errors onto the JSON envelope. code is the
// endpoint's base application code; the mapped status is added to it.
func writeServiceError(ctx *gin.Context, code int, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidEmail),
		errors.Is(err, services.ErrUnsupportedPlatform),
		errors.Is(err, services.ErrInvalidRole),
		errors.Is(err, services.ErrInvalidWatermark),
		errors.Is(err, services.ErrInvalidDay):
		utils.Error(ctx, http.StatusBadRequest, 40000+code, err.Error())
	case errors.Is(err, services.ErrUnauthorized):
		utils.Error(ctx, http.StatusUnauthorized, 40100+code, err.Error())
	case errors.Is(err, services.ErrMemberNotFound),
		errors.Is(err, services.ErrUnknownPassSerial),
		errors.Is(err, services.ErrPassNotFound):
		utils.Error(ctx, http.StatusNotFound, 40400+code, err.Error())
	case errors.Is(err, services.ErrCompanionsAlreadyAddedToday),
		errors.Is(err, services.ErrAlreadyCheckedInToday):
		utils.Error(ctx, http.StatusConflict, 40900+code, err.Error())
	default:
		utils.Logger.Error("request failed",
			zap.String("path", ctx.FullPath()), zap.Error(err))
		utils.Error(ctx, http.StatusInternalServerError, 50000+code, "internal error")
	}
}
