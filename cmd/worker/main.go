package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/casetrail/audit-api/internal/config"
	"github.com/casetrail/audit-api/internal/repository/postgres"
	"github.com/casetrail/audit-api/internal/service/alert"
	"github.com/casetrail/audit-api/internal/service/audit"
	"github.com/casetrail/audit-api/pkg/logger"
	redismsg "github.com/casetrail/audit-api/pkg/messaging/redis"
	"github.com/casetrail/audit-api/pkg/metrics"
	"github.com/casetrail/audit-api/pkg/worker"
)

// workerEnv carries the worker-only knobs, overridable without touching the
// shared config file.
type workerEnv struct {
	HealthAddr     string        `envconfig:"WORKER_HEALTH_ADDR" default:":8081"`
	VerifyInterval time.Duration `envconfig:"WORKER_VERIFY_INTERVAL"`
	BatchSize      int           `envconfig:"WORKER_VERIFY_BATCH_SIZE"`
}

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

	var env workerEnv
	if err := envconfig.Process("", &env); err != nil {
		log.Fatal(err, "reading worker environment")
	}
	if env.VerifyInterval <= 0 {
		env.VerifyInterval = cfg.Verification.Interval
	}
	if env.BatchSize <= 0 {
		env.BatchSize = cfg.Verification.BatchSize
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
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal(err, "connecting to redis")
	}

	m := metrics.NewMetrics("casetrail", "audit_worker")
	broker := redismsg.NewRedisBrokerFromClient(redisClient, log)
	defer broker.Close()

	auditRepo := postgres.NewAuditRepository(postgres.NewBaseRepository(db))
	verifier := audit.NewVerifier(auditRepo, log, m, env.BatchSize)
	dispatcher := alert.NewDispatcher(broker, alert.Config{
		MaxAttempts:  cfg.Security.Alerts.MaxRetries,
		RetryBackoff: cfg.Security.Alerts.RetryBackoff,
	}, log, m)

	startHealthServer(env.HealthAddr, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutting down")
		cancel()
	}()

	worker.NewVerificationWorker(auditRepo, verifier, dispatcher, log, env.VerifyInterval).Start(ctx)
}

func startHealthServer(addr string, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Fatal(err, "health server failed")
		}
	}()
}
