package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docforge-labs/docforge-go/internal/clients/registry"
	"github.com/docforge-labs/docforge-go/internal/eventlog"
	"github.com/docforge-labs/docforge-go/internal/platform/auditlog"
	"github.com/docforge-labs/docforge-go/internal/platform/auth"
	"github.com/docforge-labs/docforge-go/internal/platform/env"
	"github.com/docforge-labs/docforge-go/internal/platform/lineageevent"
	"github.com/docforge-labs/docforge-go/internal/platform/httpserver"
	"github.com/docforge-labs/docforge-go/internal/platform/postgres"
	repopg "github.com/docforge-labs/docforge-go/internal/repo/postgres"
	"github.com/docforge-labs/docforge-go/internal/service/orchestrator"
	"github.com/docforge-labs/docforge-go/internal/service/outputs"
	"github.com/docforge-labs/docforge-go/internal/service/workqueue"
	"github.com/docforge-labs/docforge-go/internal/storage/objectstore"
	"github.com/docforge-labs/docforge-go/internal/stream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("DOCFORGE_RUNS_HTTP_ADDR", ":8084")
	shutdownTimeout, err := env.Duration("DOCFORGE_RUNS_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()
	store, err := objectstore.NewMinioStoreWithClient(storeClient)
	if err != nil {
		logger.Error("object store init failed", "error", err)
		os.Exit(2)
	}

	logRoot := env.String("DOCFORGE_RUNLOG_DIR", "./data/runlogs")
	log, err := eventlog.New(logRoot)
	if err != nil {
		logger.Error("event log init failed", "error", err)
		os.Exit(2)
	}

	registryURL := env.String("DOCFORGE_REGISTRY_URL", "http://localhost:8081")
	registryTimeout, err := env.Duration("DOCFORGE_REGISTRY_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid registry timeout", "error", err)
		os.Exit(2)
	}
	registryClient, err := registry.New(registryURL, registryTimeout)
	if err != nil {
		logger.Error("registry client init failed", "error", err)
		os.Exit(2)
	}

	tuning, err := loadTuning(logger)
	if err != nil {
		logger.Error("invalid queue tuning", "error", err)
		os.Exit(2)
	}

	safeMode, err := env.Bool("DOCFORGE_SAFE_MODE", false)
	if err != nil {
		logger.Error("invalid safe mode flag", "error", err)
		os.Exit(2)
	}
	maxAttempts, err := env.Int("DOCFORGE_RUN_MAX_ATTEMPTS", 3)
	if err != nil {
		logger.Error("invalid max attempts", "error", err)
		os.Exit(2)
	}
	presignTTL, err := env.Duration("DOCFORGE_DOWNLOAD_TTL", 10*time.Minute)
	if err != nil {
		logger.Error("invalid download ttl", "error", err)
		os.Exit(2)
	}

	runStore := repopg.NewRunStore(db)
	sideTables := repopg.NewSideTableStore(db)

	orchestratorSvc := orchestrator.New(logger, runStore, registryClient, registryClient, orchestrator.Config{
		SafeMode:           safeMode,
		DefaultMaxAttempts: maxAttempts,
	})
	queueSvc := workqueue.New(logger, runStore, log, tuning)
	streamer, err := stream.New(runStore, log, logger, stream.Config{})
	if err != nil {
		logger.Error("streamer init failed", "error", err)
		os.Exit(2)
	}
	outputResolver, err := outputs.New(runStore, store, logger, outputs.Config{
		BucketOutputs: storeCfg.BucketOutputs,
		BucketRunLogs: storeCfg.BucketRunLogs,
		PresignTTL:    presignTTL,
	})
	if err != nil {
		logger.Error("output resolver init failed", "error", err)
		os.Exit(2)
	}
	if orchestratorSvc == nil || queueSvc == nil {
		logger.Error("service wiring failed")
		os.Exit(2)
	}

	go queueSvc.RunSweeper(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("runservice"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"runservice",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					_, err := store.Stat(checkCtx, storeCfg.BucketRunLogs, ".readiness-probe")
					if err != nil && !errors.Is(err, objectstore.ErrObjectNotFound) {
						return err
					}
					return nil
				},
			},
		),
	)

	audit := auditlog.NewRecorder(db, logger)
	lineage := lineageevent.NewRecorder(db, logger)

	api := &runsAPI{
		logger:        logger,
		orchestrator:  orchestratorSvc,
		queue:         queueSvc,
		runs:          runStore,
		sideTables:    sideTables,
		log:           log,
		streamer:      streamer,
		outputs:       outputResolver,
		store:         store,
		runLogsBucket: storeCfg.BucketRunLogs,
		audit:         audit,
		lineage:       lineage,
	}
	api.register(mux)

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	var inner http.Handler = mux
	if authCfg.Mode != auth.ModeDisabled {
		authenticator, err := auth.NewAuthenticator(authCfg)
		if err != nil {
			logger.Error("authenticator init failed", "error", err)
			os.Exit(2)
		}
		inner = auth.Middleware{
			Logger:        logger,
			Authenticator: authenticator,
			Authorize:     auth.RequireRole(),
			Audit:         audit.AuthDenyFunc("runservice"),
			SkipPrefixes:  []string{"/healthz", "/readyz"},
		}.Wrap(mux)
	}

	handler := httpserver.Wrap(logger, "runservice", inner)
	serverCfg := httpserver.Config{
		Service:         "runservice",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, serverCfg, handler); err != nil {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

// loadTuning prefers an explicit profile document, falling back to env
// overlays on the defaults.
func loadTuning(logger *slog.Logger) (workqueue.Tuning, error) {
	if path := env.String("DOCFORGE_QUEUE_PROFILE", ""); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return workqueue.Tuning{}, err
		}
		tuning, err := workqueue.ParseProfile(raw)
		if err != nil {
			return workqueue.Tuning{}, err
		}
		logger.Info("queue tuning loaded from profile", "path", path)
		return tuning, nil
	}
	return workqueue.TuningFromEnv()
}
