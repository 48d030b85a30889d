// Command relay runs the secure git relay HTTP server: chunked session
// upload, envelope decryption, git bundle/patch application, and the
// optional durable File Store path, per spec.md §4 and SPEC_FULL.md.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/secure-git-relay/internal/allowlist"
	"github.com/kenneth/secure-git-relay/internal/api"
	"github.com/kenneth/secure-git-relay/internal/audit"
	"github.com/kenneth/secure-git-relay/internal/config"
	"github.com/kenneth/secure-git-relay/internal/filestore"
	"github.com/kenneth/secure-git-relay/internal/metrics"
	"github.com/kenneth/secure-git-relay/internal/middleware"
	"github.com/kenneth/secure-git-relay/internal/repo"
	"github.com/kenneth/secure-git-relay/internal/session"
	"github.com/kenneth/secure-git-relay/internal/tracing"
	"github.com/kenneth/secure-git-relay/internal/transport"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}
	live := config.NewLive(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcherStop, err := config.Watch(live, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to start configuration watcher")
	}
	defer watcherStop()

	keyProvider, err := transport.NewKeyProvider(cfg)
	if err != nil {
		logger.WithError(err).Fatal("failed to build transport key provider")
	}
	defer keyProvider.Close(ctx)

	decryptor := transport.NewDecryptor(cfg.TransportMode, cfg.EncryptionKey, keyProvider)

	var replay transport.ReplayCache
	switch cfg.ReplayBackend {
	case config.ReplayBackendRedis:
		replay = transport.NewRedisReplayCache(cfg.RedisAddr)
	default:
		replay = transport.NewMemoryReplayCache(cfg.SweepInterval)
	}
	defer replay.Close()

	sessions := session.NewStore(cfg.SessionsRoot)
	sweepStop := sessions.StartSweep(cfg.SweepInterval, cfg.SessionTTL)
	defer sweepStop()

	repos := repo.NewManager(cfg.ReposDir, cfg.GitHubPAT)

	var fileBackend filestore.Backend
	if cfg.FileStorageBackend == config.FileStorageS3 {
		s3Backend, err := filestore.NewS3Backend(ctx, cfg.S3)
		if err != nil {
			logger.WithError(err).Fatal("failed to build S3 file store backend")
		}
		fileBackend = s3Backend
	} else {
		fileBackend = &filestore.LocalBackend{Root: cfg.FileStorageDir}
	}
	files := &filestore.Store{
		Sessions:    sessions,
		Backend:     fileBackend,
		MaxFileSize: cfg.MaxFileSizeBytes,
	}

	allow := allowlist.New(cfg.AllowedRepos)

	auditLogger, err := audit.NewLoggerFromConfig(cfg.Audit)
	if err != nil {
		logger.WithError(err).Fatal("failed to build audit logger")
	}

	m := metrics.NewMetrics()
	m.StartSystemMetricsCollector()
	m.SetHardwareAccelerationStatus("aes-ni", transport.IsHardwareAccelerationEnabled(cfg.Hardware))
	stopBufferPoolSync := startBufferPoolSync(m)
	defer stopBufferPoolSync()

	tracingShutdown, err := tracing.Init(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("tracing shutdown failed")
		}
	}()

	handler := api.NewHandler(sessions, repos, files, allow, cfg, logger, m, auditLogger)

	router := mux.NewRouter()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.TracingMiddleware())

	router.HandleFunc("/ready", metrics.ReadinessHandler(keyProvider.HealthCheck)).Methods(http.MethodGet)
	router.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(middleware.AuthMiddleware(cfg.APIKey))
	apiRouter.Use(middleware.EnvelopeMiddleware(decryptor, replay, cfg.ReplayTTL, cfg.ClockSkew, func() bool {
		return live.Get().TransportMode != config.ModeV1
	}, m))

	handler.RegisterRoutes(router, apiRouter)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.Port).Info("relay listening")
		serveErrCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("relay server failed")
		}
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("graceful shutdown failed")
		}
	}
}

// startBufferPoolSync periodically folds the global crypto buffer pool's
// cumulative hit/miss counters into the Prometheus counters, which can only
// be incremented, not set.
func startBufferPoolSync(m *metrics.Metrics) (stop func()) {
	ticker := time.NewTicker(15 * time.Second)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				snap := transport.GetGlobalBufferPool().GetMetrics()
				m.SyncBufferPoolMetrics(snap.Hits32, snap.Misses32, snap.Hits64K, snap.Misses64K)
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
