package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-cbt/internal/config"
	"github.com/stemsi/exstem-cbt/internal/database"
	"github.com/stemsi/exstem-cbt/internal/engine"
	"github.com/stemsi/exstem-cbt/internal/event"
	"github.com/stemsi/exstem-cbt/internal/grading"
	"github.com/stemsi/exstem-cbt/internal/handler"
	"github.com/stemsi/exstem-cbt/internal/logger"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/repository"
	"github.com/stemsi/exstem-cbt/internal/router"
	"github.com/stemsi/exstem-cbt/internal/service"
	"github.com/stemsi/exstem-cbt/internal/validator"
	"github.com/stemsi/exstem-cbt/internal/worker"
)

// backend is the store the engine runs on plus what the result and monitor
// endpoints read.
type backend struct {
	store    engine.Store
	results  service.ResultReader
	progress service.ProgressReader
}

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("store", cfg.StoreBackend).
		Str("resume_policy", cfg.ResumePolicy).
		Msg("Starting ExStem CBT")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.MaxDBConns, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Connect to RabbitMQ (optional) ────────────────────────────────
	amqpConn, err := database.NewAMQPConnection(cfg.AMQPURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
	}
	if amqpConn != nil {
		defer amqpConn.Close()
	}
	publisher, err := event.NewAMQPPublisher(amqpConn, cfg.AMQPExchange, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to declare event exchange")
	}
	defer publisher.Close()

	// ─── Grade Bands ───────────────────────────────────────────────────
	bands := grading.DefaultBands()
	if cfg.GradeBandsFile != "" {
		bands, err = grading.LoadBands(cfg.GradeBandsFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.GradeBandsFile).Msg("Invalid grade bands")
		}
	}

	// ─── Initialize Repositories ───────────────────────────────────────
	userRepo := repository.NewUserRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)
	examRepo := repository.NewExamRepository(pool, questionRepo)
	sessionRepo := repository.NewExamSessionRepository(pool)
	resultRepo := repository.NewExamResultRepository(pool)
	settingRepo := repository.NewSettingRepository(pool)
	auditRepo := repository.NewAuditLogRepository(pool)

	be := selectBackend(cfg, rdb, pool, sessionRepo, resultRepo, log)

	// ─── Metrics ───────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(userRepo, cfg.JWTSecret, cfg.JWTExpiry, cfg.BcryptCost)
	examService := service.NewExamService(examRepo, rdb, cfg.ExamCacheTTL, log)
	settingService := service.NewSettingService(settingRepo, auditRepo, model.PortalSettings{
		AcademicSession: cfg.DefaultAcademicSession,
		Semester:        cfg.DefaultSemester,
	}, log)
	resultService := service.NewResultService(be.results)

	eng := engine.New(be.store, examService, engine.Options{
		TickInterval:       cfg.TickInterval,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		HeartbeatRetryBase: cfg.HeartbeatRetryBase,
		HeartbeatRetryMax:  cfg.HeartbeatRetryMax,
		SessionIdleTimeout: cfg.SessionIdleTimeout,
		ResumePolicy:       engine.ResumePolicy(cfg.ResumePolicy),
		Bands:              bands,
		GatedRoles:         gatedRoles(cfg.GatedRoles),
		Registerer:         reg,
	}, log)

	outbox := service.NewResultOutbox(rdb, log)
	eng.OnFinalized(outbox.Enqueue)

	monitorService := service.NewMonitorService(be.progress, be.results, examService, rdb, log)
	eng.OnFinalized(monitorService.Announce)

	sessionService := service.NewExamSessionService(eng, settingService, examService, be.results, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Auth:          handler.NewAuthHandler(authService, log),
		StudentPortal: handler.NewStudentPortalHandler(sessionService, resultService, log),
		Admin:         handler.NewAdminHandler(settingService, resultService, log),
		Monitor:       handler.NewMonitorHandler(monitorService, log),
		WS:            handler.NewWSHandler(sessionService, log, cfg.AllowedOrigins),
		System:        handler.NewSystemHandler(pool, rdb, eng, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workersDone := make(chan struct{}, 2)

	go func() {
		eng.Run(workerCtx)
	}()
	go func() {
		worker.NewResultEventWorker(publisher, rdb, log).Start(workerCtx)
		workersDone <- struct{}{}
	}()
	if cfg.StoreBackend == config.StoreBackendRedis {
		go func() {
			worker.NewSnapshotWorker(sessionRepo, rdb, log).Start(workerCtx)
			workersDone <- struct{}{}
		}()
	} else {
		workersDone <- struct{}{}
	}

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// Load all live exams into Redis BEFORE accepting traffic so the
	// first wave of opens does not stampede Postgres.
	if err := examService.PrewarmLive(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(ctx, authService, handlers, cfg, reg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Flush every loaded attempt so a restart resumes where it stopped.
	engineCtx, engineCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer engineCancel()
	if err := eng.Shutdown(engineCtx); err != nil {
		log.Error().Err(err).Msg("Session engine shutdown incomplete")
	}

	// 3. Stop background workers and wait for queues to drain.
	workerCancel()
	for range 2 {
		select {
		case <-workersDone:
		case <-time.After(10 * time.Second):
			log.Warn().Msg("Worker drain timed out")
		}
	}

	log.Info().Msg("Shutdown complete")
}

// selectBackend builds the session and result store named by STORE_BACKEND.
// Exams, settings and users stay on Postgres for every backend.
func selectBackend(
	cfg *config.Config,
	rdb *redis.Client,
	pool *pgxpool.Pool,
	sessions *repository.ExamSessionRepository,
	results *repository.ExamResultRepository,
	log zerolog.Logger,
) backend {
	progress := repository.NewMonitorRepository(pool)
	switch cfg.StoreBackend {
	case config.StoreBackendRedis:
		hot := repository.NewRedisSessionStore(rdb, sessions, cfg.SessionTombstone, log)
		return backend{store: repository.NewRedisStore(hot, results), results: results, progress: progress}
	case config.StoreBackendMemory:
		log.Warn().Msg("Memory store selected: sessions and results are lost on restart")
		mem := repository.NewMemoryStore()
		return backend{store: mem, results: mem, progress: mem}
	case config.StoreBackendPostgres:
		return backend{store: repository.NewPostgresStore(sessions, results), results: results, progress: progress}
	default:
		log.Fatal().Str("store", cfg.StoreBackend).Msg("Unknown STORE_BACKEND")
		return backend{}
	}
}

// gatedRoles converts GATED_ROLES into portal roles.
func gatedRoles(raw []string) []model.Role {
	roles := make([]model.Role, 0, len(raw))
	for _, r := range raw {
		roles = append(roles, model.Role(r))
	}
	return roles
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
