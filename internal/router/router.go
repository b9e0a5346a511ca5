package router

import (
	"context"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stemsi/exstem-cbt/internal/config"
	"github.com/stemsi/exstem-cbt/internal/handler"
	"github.com/stemsi/exstem-cbt/internal/middleware"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/response"
	"github.com/stemsi/exstem-cbt/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth          *handler.AuthHandler
	StudentPortal *handler.StudentPortalHandler
	Admin         *handler.AdminHandler
	Monitor       *handler.MonitorHandler
	WS            *handler.WSHandler
	System        *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// The rate limiters stop their cleanup loops when ctx is cancelled. A nil
// gatherer leaves /metrics unregistered.
func SetupRouter(
	ctx context.Context,
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
	gatherer prometheus.Gatherer,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	router.GET("/health", handlers.System.Health)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	// ─── 1. Auth Group (Public, Rate Limited) ──────────────────────────
	loginLimiter := middleware.NewRateLimiter(ctx, 10, time.Minute)
	auth := router.Group("/api/v1/auth")
	{
		auth.POST("/login", loginLimiter.Middleware(), handlers.Auth.Login)
		auth.GET("/me", middleware.RequireJWT(authService), handlers.Auth.Me)
	}

	// ─── 2. Student Group (JWT) ────────────────────────────────────────
	// Answer saves arrive every few seconds per student, so the limit is
	// generous and keyed on the user rather than the address.
	studentLimiter := middleware.NewRateLimiter(ctx, 240, time.Minute)
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(
		middleware.RequireJWT(authService),
		studentLimiter.Middleware(),
		middleware.NoStore(),
		middleware.Brotli(),
	)
	{
		studentAPI.GET("/exams", handlers.StudentPortal.GetLobby)
		studentAPI.GET("/exams/:exam_id/admission", handlers.StudentPortal.GetAdmission)
		studentAPI.POST("/exams/:exam_id/open", handlers.StudentPortal.OpenExam)
		studentAPI.GET("/exams/:exam_id/state", handlers.StudentPortal.GetState)
		studentAPI.PUT("/exams/:exam_id/answers", handlers.StudentPortal.SetAnswer)
		studentAPI.PUT("/exams/:exam_id/position", handlers.StudentPortal.Navigate)
		studentAPI.POST("/exams/:exam_id/heartbeat", handlers.StudentPortal.Heartbeat)
		studentAPI.POST("/exams/:exam_id/submit", handlers.StudentPortal.Submit)

		studentAPI.GET("/results", handlers.StudentPortal.ListResults)
		studentAPI.GET("/results/:exam_id", handlers.StudentPortal.GetResult)
	}

	// ─── 3. WebSocket Group ────────────────────────────────────────────
	// Browsers cannot set headers on the upgrade request, so the token
	// may also travel as ?token=.
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireWSAuth(authService))
	{
		ws.GET("/student/exams/:exam_id/stream", handlers.WS.ExamWebSocketStream)
	}

	// ─── 4. Admin Group (JWT + Staff) ──────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(
		middleware.RequireJWT(authService),
		middleware.RequireStaff(),
		middleware.NoStore(),
		middleware.Brotli(),
	)
	{
		// App Settings Routes
		adminAPI.GET("/settings", handlers.Admin.GetSettings)
		// Lecturers may read settings but not flip the portal lock.
		adminAPI.PUT("/settings",
			middleware.RequireRole(model.RoleAdmin, model.RoleExamOfficer, model.RoleHOD),
			handlers.Admin.UpdateSettings)
		adminAPI.GET("/audit-logs", handlers.Admin.ListAuditLogs)

		// Results & Monitoring Routes
		adminAPI.GET("/exams/:exam_id/results", handlers.Admin.ListExamResults)
		adminAPI.GET("/exams/:exam_id/monitor", handlers.Monitor.MonitorExamSSE)
		adminAPI.GET("/exams/:exam_id/monitor/snapshot", handlers.Monitor.GetSnapshot)
	}

	return router
}
