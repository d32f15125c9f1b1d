package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/ephemeral-key-broker/internal/api"
	"github.com/kenneth/ephemeral-key-broker/internal/audit"
	"github.com/kenneth/ephemeral-key-broker/internal/broker"
	"github.com/kenneth/ephemeral-key-broker/internal/config"
	"github.com/kenneth/ephemeral-key-broker/internal/crypto"
	"github.com/kenneth/ephemeral-key-broker/internal/keystore"
	"github.com/kenneth/ephemeral-key-broker/internal/metrics"
	"github.com/kenneth/ephemeral-key-broker/internal/middleware"
	"github.com/kenneth/ephemeral-key-broker/internal/render"
	"github.com/kenneth/ephemeral-key-broker/internal/tracing"
)

// setupTracing is swapped in tests.
var setupTracing = tracing.Setup

func runServe(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := newLogger(cfg.Logging)
	metrics.SetVersion(version)

	random := crypto.NewSystemRandom()
	sample, err := random.Bytes(crypto.KeySize)
	if err != nil {
		logger.WithError(err).Fatal("Entropy self-test failed")
	}
	crypto.Wipe(sample)
	logger.WithFields(logrus.Fields(crypto.HardwareInfo())).Info("Cipher environment")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(ctx, cfg.Tracing, version)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.WithError(err).Warn("Failed to flush traces")
		}
	}()

	app, err := buildApp(cfg, logger, random, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer app.close()

	if configPath != "" {
		w, err := config.NewWatcher(configPath, logger, func(c *config.Config) {
			applyLogLevel(logger, c.Logging.Level)
		})
		if err != nil {
			logger.WithError(err).Warn("Config watcher disabled")
		} else {
			defer w.Close()
		}
	}

	app.sweeper.Start()

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      app.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":           cfg.ListenAddr,
			"ttl":            cfg.Broker.TTL().String(),
			"sweep_interval": cfg.Broker.SweepInterval().String(),
			"version":        version,
		}).Info("Starting key broker")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Graceful shutdown incomplete")
	}
	return nil
}

// app is the wired service, minus the listener.
type app struct {
	router  *mux.Router
	store   *keystore.Store
	sweeper *keystore.Sweeper
	broker  *broker.Broker
	audit   audit.Logger
	limiter *middleware.RateLimiter
	metrics *metrics.Metrics
}

func buildApp(cfg *config.Config, logger *logrus.Logger, random crypto.SecureRandom, reg prometheus.Registerer) (*app, error) {
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetricsWithRegistry(reg)
	}

	auditLogger, err := audit.NewLoggerFromConfig(cfg.Audit, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up audit: %w", err)
	}

	store := keystore.New(cfg.Broker.TTL(),
		keystore.WithTombstoneRetention(cfg.Broker.TombstoneRetention()),
		keystore.WithEvictionHook(func(reason keystore.EvictReason, count int) {
			if m != nil {
				m.RecordEviction(string(reason), count)
			}
			auditLogger.LogEviction(string(reason), count)
		}),
	)

	sweeperOpts := []keystore.SweeperOption{}
	brokerOpts := []broker.Option{}
	if m != nil {
		m.WatchLiveKeys(store.Len)
		sweeperOpts = append(sweeperOpts,
			keystore.WithSweepHook(func(stats keystore.SweepStats, d time.Duration) {
				m.RecordSweep(d, stats.Tombstones)
			}),
			keystore.WithFailureHook(func(error) {
				m.RecordSweepFailure()
			}),
		)
		brokerOpts = append(brokerOpts, broker.WithRecorder(m))
	}
	sweeper := keystore.NewSweeper(store, cfg.Broker.SweepInterval(), logger, sweeperOpts...)
	b := broker.New(store, crypto.NewEncryptor(random), random, logger, brokerOpts...)

	renderer, err := render.Load(cfg.Content.TemplatePath, cfg.Content.PagePath)
	if err != nil {
		auditLogger.Close()
		return nil, err
	}

	handlerOpts := []api.Option{
		api.WithAudit(auditLogger),
		api.WithSweeper(sweeper),
		api.WithStaticDir(cfg.Content.StaticDir),
		api.WithMaxIssueBytes(cfg.Content.MaxIssueBytes),
		api.WithMetricsPath(cfg.Metrics.Path),
		api.WithTrustForwardedFor(cfg.RateLimit.TrustForwardedFor),
	}
	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, 0, logger,
			middleware.WithTrustForwardedFor(cfg.RateLimit.TrustForwardedFor))
		handlerOpts = append(handlerOpts, api.WithRateLimiter(limiter))
	}
	h := api.NewHandler(b, renderer, logger, m, handlerOpts...)

	r := mux.NewRouter()
	r.Use(middleware.RequestIDMiddleware(), middleware.RecoveryMiddleware(logger), middleware.LoggingMiddleware(logger))
	if m != nil {
		recordHTTP := middleware.MetricsMiddleware(m)
		r.Use(recordHTTP)
		// Router middleware only runs on matched routes.
		r.NotFoundHandler = recordHTTP(http.NotFoundHandler())
		r.MethodNotAllowedHandler = recordHTTP(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusMethodNotAllowed)
		}))
	}
	h.RegisterRoutes(r)

	return &app{
		router:  r,
		store:   store,
		sweeper: sweeper,
		broker:  b,
		audit:   auditLogger,
		limiter: limiter,
		metrics: m,
	}, nil
}

// close stops background work in dependency order.
func (a *app) close() {
	a.sweeper.Stop()
	if a.limiter != nil {
		a.limiter.Close()
	}
	_ = a.audit.Close()
}
