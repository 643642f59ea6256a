package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/cppla/passbook/config"
	"github.com/cppla/passbook/controllers"
	"github.com/cppla/passbook/middleware"
	"github.com/cppla/passbook/utils"
)

// SetupRouter wires routes, middlewares, and controllers.
func SetupRouter(cfg config.AppConfig, svc controllers.PassAPI) *gin.Engine {
	switch strings.ToLower(cfg.GinMode) {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	// Access log goes to its own rolling file
	gl, err := utils.NewRollingFileLogger(cfg.GinPath, cfg.LogLevel, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays, cfg.LogCompress)
	if err == nil {
		r.Use(utils.Ginzap(gl, time.RFC3339, true))
		r.Use(utils.RecoveryWithZap(gl, false))
	} else {
		r.Use(gin.Recovery())
	}

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 || (len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*") {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	r.GET("/health", func(ctx *gin.Context) {
		utils.Success(ctx, gin.H{"status": "ok"})
	})

	passController := controllers.NewPassController(svc)
	deviceController := controllers.NewDeviceController(svc, cfg.JWTSecret)
	adminController := controllers.NewAdminController(svc, controllers.AdminCredentials{
		Username:     cfg.AdminUsername,
		PasswordHash: cfg.AdminPasswordHash,
		JWTSecret:    cfg.JWTSecret,
	})
	statsController := controllers.NewStatsController(svc)
	configController := controllers.NewConfigController(svc)

	public := r.Group("")
	public.Use(middleware.RateLimitMiddleware(cfg.RateLimitPerMinute))
	public.POST("/create-pass", passController.CreatePass)
	public.POST("/record-visit", passController.RecordVisit)
	public.GET("/has-pass", passController.HasPass)
	public.POST("/add-companions", passController.AddCompanions)
	public.GET("/download/:serial", deviceController.Download)

	// Wallet web service; webServiceURL points at the site root
	wallet := r.Group("/v1")
	wallet.POST("/devices/:device/registrations/:passType/:serial", deviceController.Register)
	wallet.DELETE("/devices/:device/registrations/:passType/:serial", deviceController.Unregister)
	wallet.GET("/devices/:device/registrations/:passType", deviceController.UpdatedSerials)
	wallet.GET("/passes/:passType/:serial", deviceController.LatestPass)
	wallet.POST("/log", deviceController.Log)

	api := r.Group("/api/v1")
	api.GET("/config/levels", configController.GetLevels)
	api.GET("/leaderboard", statsController.Leaderboard)
	api.GET("/members/:serial/status", statsController.MemberStatus)

	adminGroup := api.Group("/admin")
	adminGroup.POST("/login", middleware.RateLimitMiddleware(10), adminController.Login)
	protected := adminGroup.Group("")
	protected.Use(middleware.AdminRequired(cfg.JWTSecret))
	protected.POST("/logout", adminController.Logout)
	protected.POST("/visits/retro", adminController.RetroVisit)
	protected.POST("/passes/:serial/rotate-secret", adminController.RotateSecret)
	protected.POST("/members/role", adminController.SetRole)

	r.NoRoute(func(ctx *gin.Context) {
		utils.Error(ctx, http.StatusNotFound, 40400, "route not found")
	})

	return r
}
