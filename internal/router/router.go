package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/accessgate"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Exam    *handler.ExamHandler
	WS      *handler.WSHandler
	Monitor *handler.MonitorHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	exams middleware.ExamLookup,
	handlers *Handlers,
	cfg *config.Config,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// Restrict to AllowedOrigins when set; otherwise allow all so dev works
	// without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{
		"Origin", "Content-Type", "Authorization", response.HeaderRequestID,
		accessgate.HeaderConfigKeyHash,
	}
	corsConfig.ExposeHeaders = []string{response.HeaderRequestID, "Retry-After"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())

	router.GET("/health", handlers.System.Health)

	gateLimiter := middleware.NewRateLimiter(cfg.GateAttemptsPerMinute, time.Minute)
	lockedBrowser := middleware.RequireLockedBrowser(exams)

	// ─── 1. Candidate Group (JWT) ──────────────────────────────────────
	candidateAPI := router.Group("/api/v1/exams/:exam_id")
	candidateAPI.Use(
		middleware.Brotli(),
		middleware.NoStore(),
	)
	{
		// The gate check answers before a token exists, so it is limited
		// by address instead of authenticated.
		candidateAPI.GET("/gate", gateLimiter.Middleware(), handlers.Exam.VerifyAccessGate)

		candidateAPI.GET("/paper",
			middleware.RequireCandidateJWT(authService),
			lockedBrowser,
			handlers.Exam.GetPaper,
		)
		candidateAPI.GET("/result",
			middleware.RequireCandidateJWT(authService),
			handlers.Exam.GetResult,
		)
	}

	// ─── 2. WebSocket Group (Candidate JWT + Access Gate) ──────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireCandidateJWT(authService))
	{
		ws.GET("/exams/:exam_id/session", lockedBrowser, handlers.WS.ExamSessionStream)
	}

	// ─── 3. Proctor Group (JWT) ────────────────────────────────────────
	proctorAPI := router.Group("/api/v1/proctor")
	proctorAPI.Use(middleware.RequireProctorJWT(authService), middleware.NoStore())
	{
		proctorAPI.GET("/exams/:exam_id/monitor", handlers.Monitor.MonitorExamSSE)
		proctorAPI.GET("/system/metrics", handlers.System.SystemMetricsSSE)
	}

	return router
}
