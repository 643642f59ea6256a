package controllers

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cppla/passbook/services"
	"github.com/cppla/passbook/utils"
)

// PassController serves the member-facing pass and check-in endpoints.
type PassController struct {
	svc PassAPI
	now func() time.Time
}

// NewPassController creates a new controller instance.
func NewPassController(svc PassAPI) *PassController {
	return &PassController{svc: svc, now: time.Now}
}

type passRequest struct {
	Email    string `json:"email" form:"email" binding:"required"`
	Name     string `json:"name" form:"name"`
	Platform string `json:"platform" form:"platform" binding:"required"`
}

// CreatePass issues a pass and returns the link that adds it to a wallet.
func (p *PassController) CreatePass(ctx *gin.Context) {
	var req passRequest
	if err := ctx.ShouldBind(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40010, "invalid request payload")
		return
	}

	res, err := p.svc.CreatePass(ctx.Request.Context(), req.Email, utils.SanitizeName(req.Name), req.Platform)
	if err != nil {
		writeServiceError(ctx, 10, err)
		return
	}
	utils.Success(ctx, res)
}

// RecordVisit checks the member in for today.
func (p *PassController) RecordVisit(ctx *gin.Context) {
	var req passRequest
	if err := ctx.ShouldBind(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40020, "invalid request payload")
		return
	}

	res, err := p.svc.HandleCheckIn(ctx.Request.Context(), req.Email, utils.SanitizeName(req.Name), req.Platform)
	var throttled *services.ThrottleError
	if errors.As(err, &throttled) {
		secs := int64(math.Ceil(throttled.RetryAfter(p.now()).Seconds()))
		ctx.Header("Retry-After", strconv.FormatInt(secs, 10))
		utils.ErrorWithData(ctx, http.StatusTooManyRequests, 42920, err.Error(), gin.H{
			"day":                 throttled.Day,
			"retry_after_seconds": secs,
		})
		return
	}
	if err != nil {
		writeServiceError(ctx, 20, err)
		return
	}
	utils.Success(ctx, res)
}

// HasPass reports whether an email already holds a pass.
func (p *PassController) HasPass(ctx *gin.Context) {
	email := ctx.Query("email")
	if email == "" {
		utils.Error(ctx, http.StatusBadRequest, 40030, "email is required")
		return
	}
	ok, err := p.svc.HasPass(ctx.Request.Context(), email)
	if err != nil {
		writeServiceError(ctx, 30, err)
		return
	}
	utils.Success(ctx, gin.H{"has_pass": ok})
}

// AddCompanions records the companions a member brought today.
func (p *PassController) AddCompanions(ctx *gin.Context) {
	var req struct {
		Email string `json:"email" form:"email" binding:"required"`
		Count int    `json:"count" form:"count"`
	}
	if err := ctx.ShouldBind(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40040, "invalid request payload")
		return
	}

	visits, err := p.svc.AddCompanions(ctx.Request.Context(), req.Email, req.Count)
	if err != nil {
		writeServiceError(ctx, 40, err)
		return
	}
	batch := ""
	if len(visits) > 0 {
		batch = visits[0].BatchID
	}
	utils.Success(ctx, gin.H{"added": len(visits), "batch_id": batch})
}
