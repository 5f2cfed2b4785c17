package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/labqc-server/internal/api"
	"github.com/labqc-server/internal/audit"
	"github.com/labqc-server/internal/cache"
	"github.com/labqc-server/internal/config"
	"github.com/labqc-server/internal/database"
	"github.com/labqc-server/internal/domain"
	"github.com/labqc-server/internal/logging"
	"github.com/labqc-server/internal/memstore"
	"github.com/labqc-server/internal/notification"
	"github.com/labqc-server/internal/repository"
	"github.com/labqc-server/internal/service"
)

// notifier is what the engine needs from a notification backend.
type notifier interface {
	domain.NotificationService
	domain.ResultHoldService
}

// app is a fully wired engine plus the resources it holds.
type app struct {
	engine  service.Engine
	logger  *logrus.Logger
	checks  map[string]api.HealthCheck
	closers []func() error
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WithError(err).Warn("Failed to release resource")
		}
	}
}

// loadManager reads and validates the server configuration.
func loadManager(configFile string) (domain.ConfigManager, error) {
	manager, err := config.NewManager(configFile)
	if err != nil {
		return nil, err
	}
	if err := manager.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return manager, nil
}

// newServerApp wires the engine onto PostgreSQL, an optional Redis statistics cache,
// the configured audit store and notification backend.
func newServerApp(ctx context.Context, manager domain.ConfigManager, logCfg domain.LoggingConfig) (*app, error) {
	cfg := manager.GetConfig()

	logger, logCloser, err := logging.New(logCfg)
	if err != nil {
		return nil, err
	}
	a := &app{logger: logger, checks: make(map[string]api.HealthCheck)}
	a.onClose(logCloser.Close)
	wired := false
	defer func() {
		if !wired {
			a.Close()
		}
	}()

	db, err := database.NewConnection(ctx, database.ConfigFromDomain(cfg.Database), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.onClose(func() error { db.Close(); return nil })
	a.checks["database"] = db.Health

	var statsCache domain.StatisticsCache
	if cfg.Cache.RedisURL != "" {
		redisCache, err := cache.NewRedisCache(ctx, cfg.Cache, logger)
		if err != nil {
			return nil, err
		}
		a.onClose(redisCache.Close)
		a.checks["redis"] = redisCache.Health
		statsCache = redisCache
	} else {
		statsCache = cache.NewMemoryCache(cfg.Cache.MemoryEntries, cfg.Cache.DefaultTTL)
	}

	analytes, err := repository.NewCachedAnalyteRepository(
		repository.NewAnalyteRepository(db.Pool, logger),
		cfg.Cache.MemoryEntries,
		cfg.Cache.AnalyteTTL,
		logger,
	)
	if err != nil {
		return nil, err
	}

	auditStore, err := openAuditStore(cfg.Audit, manager.GetDatabaseURL())
	if err != nil {
		return nil, err
	}
	a.onClose(auditStore.Close)

	alerts, err := newNotifier(cfg.Notification, logger)
	if err != nil {
		return nil, err
	}

	settings, err := service.QCSettingsFromConfig(cfg.QC)
	if err != nil {
		return nil, err
	}

	qc := service.NewQCService(
		repository.NewMaterialRepository(db.Pool, logger),
		repository.NewRunRepository(db.Pool, logger),
		analytes,
		service.NewRejectionNotifier(alerts, alerts, logger),
		statsCache,
		auditStore,
		settings,
		logger,
	)
	a.engine = service.Engine{
		Results:  service.NewResultService(repository.NewResultRepository(db.Pool, logger), analytes, alerts, auditStore, logger),
		Analytes: service.NewAnalyteService(analytes, qc, logger),
		QC:       qc,
	}
	wired = true
	return a, nil
}

// newLiteApp wires the engine onto in-memory repositories and a local SQLite audit log.
func newLiteApp(ctx context.Context, cfg *config.LiteConfig) (*app, error) {
	logger, logCloser, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return nil, err
	}
	a := &app{logger: logger, checks: make(map[string]api.HealthCheck)}
	a.onClose(logCloser.Close)
	wired := false
	defer func() {
		if !wired {
			a.Close()
		}
	}()

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	auditStore, err := audit.NewSQLiteStore(cfg.AuditDBPath())
	if err != nil {
		return nil, err
	}
	a.onClose(auditStore.Close)

	settings, err := service.QCSettingsFromConfig(cfg.QCConfig())
	if err != nil {
		return nil, err
	}

	store := memstore.New()
	alerts := notification.NewLogNotifier(logger)
	qc := service.NewQCService(
		store.Materials(),
		store.Runs(),
		store.Analytes(),
		service.NewRejectionNotifier(alerts, alerts, logger),
		cache.NewMemoryCache(cfg.CacheMaxItems, cfg.CacheTTL),
		auditStore,
		settings,
		logger,
	)
	a.engine = service.Engine{
		Results:  service.NewResultService(store.Results(), store.Analytes(), alerts, auditStore, logger),
		Analytes: service.NewAnalyteService(store.Analytes(), qc, logger),
		QC:       qc,
	}

	if cfg.AnalytesFile != "" {
		data, err := os.ReadFile(cfg.AnalytesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read analytes file: %w", err)
		}
		n, err := a.engine.Analytes.RegisterAll(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("failed to load analytes from %s: %w", cfg.AnalytesFile, err)
		}
		logger.WithFields(logrus.Fields{"file": cfg.AnalytesFile, "count": n}).Info("Loaded analyte definitions")
	}
	wired = true
	return a, nil
}

func openAuditStore(cfg domain.AuditConfig, databaseURL string) (audit.Store, error) {
	if cfg.Driver == "sqlite" {
		store, err := audit.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := audit.NewPostgresStoreFromURL(databaseURL)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func newNotifier(cfg domain.NotificationConfig, logger *logrus.Logger) (notifier, error) {
	if cfg.WebhookURL == "" {
		logger.Warn("No notification webhook configured, alerts are logged only")
		return notification.NewLogNotifier(logger), nil
	}
	webhook, err := notification.NewWebhookNotifier(cfg, logger)
	if err != nil {
		return nil, err
	}
	return webhook, nil
}
