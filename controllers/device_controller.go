package controllers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/passbook/services"
	"github.com/cppla/passbook/storage"
	"github.com/cppla/passbook/utils"
)

// DeviceController implements the wallet web service devices call back into. Responses use
// bare status codes because the wallet client ignores bodies on most of them.
type DeviceController struct {
	svc        PassAPI
	linkSecret string
}

// NewDeviceController creates a new controller. linkSecret verifies download links.
func NewDeviceController(svc PassAPI, linkSecret string) *DeviceController {
	return &DeviceController{svc: svc, linkSecret: linkSecret}
}

// passSecret reads "ApplePass <secret>", also accepting "Bearer <secret>".
func passSecret(ctx *gin.Context) string {
	parts := strings.SplitN(ctx.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "ApplePass") && !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Register binds a device to a pass: 201 when new, 200 when already known.
func (d *DeviceController) Register(ctx *gin.Context) {
	var body struct {
		PushToken string `json:"pushToken"`
	}
	if err := ctx.ShouldBindJSON(&body); err != nil || body.PushToken == "" {
		ctx.Status(http.StatusBadRequest)
		return
	}

	reg, err := d.svc.RegisterDevice(ctx.Request.Context(),
		ctx.Param("device"), ctx.Param("passType"), ctx.Param("serial"), body.PushToken, passSecret(ctx))
	if err != nil {
		d.fail(ctx, err)
		return
	}
	if reg.IsNew {
		ctx.Status(http.StatusCreated)
		return
	}
	ctx.Status(http.StatusOK)
}

// Unregister drops a device; unknown devices still get 200.
func (d *DeviceController) Unregister(ctx *gin.Context) {
	err := d.svc.UnregisterDevice(ctx.Request.Context(),
		ctx.Param("device"), ctx.Param("passType"), ctx.Param("serial"), passSecret(ctx))
	if err != nil {
		d.fail(ctx, err)
		return
	}
	ctx.Status(http.StatusOK)
}

// UpdatedSerials lists passes changed since passesUpdatedSince, or 204.
func (d *DeviceController) UpdatedSerials(ctx *gin.Context) {
	res, err := d.svc.UpdatedSerials(ctx.Request.Context(), ctx.Param("device"), ctx.Query("passesUpdatedSince"))
	if err != nil {
		d.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, res)
}

// LatestPass returns the current archive for an authorized device.
func (d *DeviceController) LatestPass(ctx *gin.Context) {
	data, err := d.svc.LatestPass(ctx.Request.Context(), ctx.Param("serial"), passSecret(ctx))
	if err != nil {
		d.fail(ctx, err)
		return
	}
	ctx.Data(http.StatusOK, storage.PassArchiveContentType, data)
}

// Log accepts diagnostic messages from devices.
func (d *DeviceController) Log(ctx *gin.Context) {
	var body struct {
		Logs []string `json:"logs"`
	}
	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.Status(http.StatusBadRequest)
		return
	}
	for _, line := range body.Logs {
		utils.Logger.Info("device log", zap.String("message", line))
	}
	ctx.Status(http.StatusOK)
}

// Download serves an archive behind a signed short-lived link.
func (d *DeviceController) Download(ctx *gin.Context) {
	serial := strings.TrimSuffix(ctx.Param("serial"), ".pkpass")
	tokenSerial, err := utils.ParseDownloadToken(d.linkSecret, ctx.Query("t"))
	if err != nil || tokenSerial != serial {
		utils.Error(ctx, http.StatusUnauthorized, 40160, "invalid or expired link")
		return
	}
	data, err := d.svc.ArchiveBySerial(ctx.Request.Context(), serial)
	if err != nil {
		writeServiceError(ctx, 60, err)
		return
	}
	ctx.Header("Content-Disposition", `attachment; filename="`+serial+`.pkpass"`)
	ctx.Data(http.StatusOK, storage.PassArchiveContentType, data)
}

func (d *DeviceController) fail(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrNothingFound):
		ctx.Status(http.StatusNoContent)
	case errors.Is(err, services.ErrUnauthorized):
		ctx.Status(http.StatusUnauthorized)
	case errors.Is(err, services.ErrPassNotFound), errors.Is(err, services.ErrUnknownPassSerial),
		errors.Is(err, services.ErrMemberNotFound):
		ctx.Status(http.StatusNotFound)
	case errors.Is(err, services.ErrInvalidWatermark):
		ctx.Status(http.StatusBadRequest)
	default:
		utils.Logger.Error("wallet web service", zap.String("path", ctx.FullPath()), zap.Error(err))
		ctx.Status(http.StatusInternalServerError)
	}
}
