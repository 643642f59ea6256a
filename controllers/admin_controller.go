package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/passbook/utils"
)

const adminTokenTTL = 12 * time.Hour

// AdminCredentials is the single operator account.
type AdminCredentials struct {
	Username     string
	PasswordHash string
	JWTSecret    string
}

// AdminController serves operator endpoints.
type AdminController struct {
	svc   PassAPI
	creds AdminCredentials
}

// NewAdminController creates a new controller instance.
func NewAdminController(svc PassAPI, creds AdminCredentials) *AdminController {
	return &AdminController{svc: svc, creds: creds}
}

// Login exchanges the operator password for a JWT.
func (a *AdminController) Login(ctx *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40070, "invalid request payload")
		return
	}

	if a.creds.PasswordHash == "" ||
		!utils.SecureEqual(req.Username, a.creds.Username) ||
		!utils.CheckPassword(a.creds.PasswordHash, req.Password) {
		utils.Logger.Warn("admin login failed", zap.String("ip", ctx.ClientIP()))
		utils.Error(ctx, http.StatusUnauthorized, 40170, "invalid username or password")
		return
	}

	token, err := utils.GenerateToken(a.creds.JWTSecret, a.creds.Username, adminTokenTTL)
	if err != nil {
		utils.Error(ctx, http.StatusInternalServerError, 50070, "failed to generate token")
		return
	}
	utils.Success(ctx, gin.H{"token": token, "expires_in": int(adminTokenTTL.Seconds())})
}

// Logout revokes the presented token.
func (a *AdminController) Logout(ctx *gin.Context) {
	parts := strings.SplitN(ctx.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 {
		utils.Error(ctx, http.StatusUnauthorized, 40171, "invalid authorization header")
		return
	}
	token := strings.TrimSpace(parts[1])
	claims, err := utils.ParseToken(a.creds.JWTSecret, token)
	if err != nil {
		utils.Error(ctx, http.StatusUnauthorized, 40172, "invalid token")
		return
	}

	expiresAt := time.Now().Add(adminTokenTTL)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	utils.RevokeToken(token, expiresAt)
	utils.Success(ctx, gin.H{"message": "logged out"})
}

// RetroVisit backfills a visit on a past day. Without an email the visit is anonymous.
func (a *AdminController) RetroVisit(ctx *gin.Context) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
		Day   string `json:"day" binding:"required"`
		Note  string `json:"note"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40080, "invalid request payload")
		return
	}

	visit, err := a.svc.AddRetroVisit(ctx.Request.Context(), req.Email, utils.SanitizeName(req.Name), req.Day, req.Note)
	if err != nil {
		writeServiceError(ctx, 80, err)
		return
	}
	utils.Logger.Info("retro visit added", zap.String("day", visit.Day), zap.String("admin", ctx.GetString("username")))
	utils.Success(ctx, visit)
}

// RotateSecret replaces a pass's device secret.
func (a *AdminController) RotateSecret(ctx *gin.Context) {
	serial := ctx.Param("serial")
	if _, err := a.svc.RotateAuthSecret(ctx.Request.Context(), serial); err != nil {
		writeServiceError(ctx, 81, err)
		return
	}
	utils.Logger.Info("pass secret rotated", zap.String("serial", serial), zap.String("admin", ctx.GetString("username")))
	utils.Success(ctx, gin.H{"serial": serial, "rotated": true})
}

// SetRole switches a member between regular and house accounts.
func (a *AdminController) SetRole(ctx *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
		Role  string `json:"role" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40082, "invalid request payload")
		return
	}
	m, err := a.svc.SetRole(ctx.Request.Context(), req.Email, req.Role)
	if err != nil {
		writeServiceError(ctx, 82, err)
		return
	}
	utils.Success(ctx, m)
}
