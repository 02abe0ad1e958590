package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/casetrail/audit-api/internal/config"
	audithandler "github.com/casetrail/audit-api/internal/handler/audit"
	authhandler "github.com/casetrail/audit-api/internal/handler/auth"
	healthhandler "github.com/casetrail/audit-api/internal/handler/health"
	promhandler "github.com/casetrail/audit-api/internal/handler/prometheus"
	sechandler "github.com/casetrail/audit-api/internal/handler/security"
	"github.com/casetrail/audit-api/internal/middleware"
	"github.com/casetrail/audit-api/internal/repository/postgres"
	redisrepo "github.com/casetrail/audit-api/internal/repository/redis"
	"github.com/casetrail/audit-api/internal/router"
	"github.com/casetrail/audit-api/internal/service/alert"
	"github.com/casetrail/audit-api/internal/service/audit"
	"github.com/casetrail/audit-api/internal/service/auth"
	"github.com/casetrail/audit-api/internal/service/lockout"
	"github.com/casetrail/audit-api/internal/service/pattern"
	"github.com/casetrail/audit-api/internal/service/risk"
	pkgauth "github.com/casetrail/audit-api/pkg/auth"
	"github.com/casetrail/audit-api/pkg/logger"
	redismsg "github.com/casetrail/audit-api/pkg/messaging/redis"
	"github.com/casetrail/audit-api/pkg/metrics"
	"github.com/casetrail/audit-api/pkg/security"
	"github.com/casetrail/audit-api/pkg/worker"
)

func main() {
	log := logger.NewLogger(&logger.Config{
		Level:      zerolog.InfoLevel,
		TimeFormat: time.RFC3339,
		Output:     os.Stdout,
	})

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err, "loading configuration")
	}

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		log.Fatal(err, "connecting to database")
	}
	defer db.Close()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatal(err, "parsing redis url")
	}
	redisOpts.PoolSize = cfg.Redis.PoolSize
	redisOpts.MinIdleConns = cfg.Redis.MinIdleConns
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal(err, "connecting to redis")
	}

	m := metrics.NewMetrics("casetrail", "audit")
	broker := redismsg.NewRedisBrokerFromClient(redisClient, log)
	defer broker.Close()

	baseRepo := postgres.NewBaseRepository(db)
	auditRepo := postgres.NewAuditRepository(baseRepo)
	userRepo := postgres.NewUserRepository(baseRepo)
	patternRepo := redisrepo.NewPatternRepository(redisClient)
	lockoutRepo := redisrepo.NewLockoutRepository(redisClient)

	auditSvc := audit.NewService(auditRepo, log, m, audit.Config{
		MaxAppendAttempts: cfg.Audit.MaxAppendAttempts,
		RetryBackoff:      cfg.Audit.RetryBackoff,
		FailureBuffer:     cfg.Audit.FailureBuffer,
	})
	verifier := audit.NewVerifier(auditRepo, log, m, cfg.Verification.BatchSize)

	dispatcher := alert.NewDispatcher(broker, alert.Config{
		MaxAttempts:  cfg.Security.Alerts.MaxRetries,
		RetryBackoff: cfg.Security.Alerts.RetryBackoff,
		Email:        emailConfig(cfg),
	}, log, m)

	patternTracker := pattern.NewTracker(patternRepo, log)
	engine := risk.NewEngine(
		patternTracker,
		risk.StaticConfigProvider{Config: cfg.SecurityDefaults()},
		auditSvc,
		dispatcher,
		log,
		m,
	)
	lockoutTracker := lockout.NewTracker(lockoutRepo, auditSvc, cfg.Security.Lockout, log, m)

	tokens := pkgauth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Expiry)
	hasher := security.NewBcryptHasher(0)
	authSvc := auth.NewService(userRepo, lockoutTracker, patternTracker, auditSvc, tokens, hasher, log)

	authMW := middleware.NewAuthMiddleware(tokens)
	auditMW := middleware.NewAuditMiddleware(auditSvc, engine)

	r := router.NewRouter(
		authMW,
		auditMW,
		authhandler.NewHandler(authSvc, authMW),
		audithandler.NewHandler(auditSvc, verifier),
		sechandler.NewHandler(engine, lockoutTracker, patternTracker, authMW),
		healthhandler.NewHandler(db, redisClient),
		promhandler.New(),
		router.Config{
			RateLimit: rateLimit(cfg),
			RateBurst: cfg.RateLimit.Burst,
			CORS:      corsConfig(cfg),
			Timeout:   cfg.Server.WriteTimeout,
		},
	)
	r.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// In-process copies of the background loops. The worker binary runs
	// the same loops for deployments that separate them.
	go worker.NewVerificationWorker(auditRepo, verifier, dispatcher, log, cfg.Verification.Interval).Start(ctx)
	go worker.NewFailureDrain(auditSvc.Failures(), broker, log).Start(ctx)

	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        r.Engine(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	go func() {
		log.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err, "server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "graceful shutdown failed")
	}
}

func emailConfig(cfg *config.Config) alert.EmailConfig {
	email := cfg.Security.Alerts.Email
	if !email.Enabled {
		return alert.EmailConfig{}
	}
	return alert.EmailConfig{
		Host:     email.Host,
		Port:     email.Port,
		Username: email.Username,
		Password: email.Password,
		From:     email.From,
	}
}

func rateLimit(cfg *config.Config) float64 {
	if !cfg.RateLimit.Enabled {
		return 0
	}
	return cfg.RateLimit.RequestsPerSecond
}

func corsConfig(cfg *config.Config) middleware.CORSConfig {
	c := middleware.DefaultCORSConfig()
	c.AllowOrigins = cfg.Server.CORSOrigins
	return c
}
