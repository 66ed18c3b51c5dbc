package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/trial-signal-server/internal/api"
	"github.com/trial-signal-server/internal/config"
	"github.com/trial-signal-server/internal/database"
	"github.com/trial-signal-server/internal/domain"
	"github.com/trial-signal-server/internal/notification"
	"github.com/trial-signal-server/internal/repository"
	"github.com/trial-signal-server/internal/service"
	"github.com/trial-signal-server/pkg/external"
)

func main() {
	// Load configuration
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	cfg := configManager.GetConfig()

	logger := newLogger(cfg.Logging)
	logger.WithFields(logrus.Fields{
		"host":   cfg.Server.Host,
		"port":   cfg.Server.Port,
		"driver": cfg.Database.Driver,
	}).Info("Starting trial signal server")

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down")
		cancel()
	}()

	store, err := newStore(ctx, configManager, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize persistence")
	}
	defer store.Close()

	if cfg.Cache.Enabled {
		cached, err := repository.NewCachedStore(store, cfg.Cache, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize Redis cache")
		}
		store = cached
	}

	notifier := notification.NewWebhookNotifier(cfg.Notification, logger)

	var aiDetector domain.Detector
	if cfg.OpenAI.Enabled {
		aiDetector = service.NewAIDetector(external.NewOpenAIClient(cfg.OpenAI, logger), logger)
		logger.WithField("model", cfg.OpenAI.Model).Info("AI detection enabled")
	}

	materializer := service.NewMaterializer(store, notifier, "TSK", logger)
	detection := service.NewDetectionService(store, service.NewRuleEngine(logger), aiDetector,
		service.NewCrossSourceEvaluator(logger), materializer, logger)

	var provider domain.RecordProvider = external.NoRecordsProvider{}
	if cfg.Monitoring.RecordsURL != "" {
		provider = external.NewRecordGatewayClient(cfg.Monitoring.RecordsURL, cfg.Monitoring.SampleSize, logger)
	}
	monitorMaterializer := service.NewMaterializer(store, notifier, "DM", logger)
	sessions := api.NewSessionFactory(store, provider, monitorMaterializer, cfg.Monitoring.Interval, logger)

	server := api.NewServer(cfg, store, detection, sessions, logger)
	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}

	logger.Info("Server stopped")
}

// newStore selects the persistence backend from configuration and runs
// migrations for postgres.
func newStore(ctx context.Context, configManager *config.Manager, logger *logrus.Logger) (domain.Store, error) {
	cfg := configManager.GetConfig()

	switch strings.ToLower(cfg.Database.Driver) {
	case "postgres":
		if err := database.RunMigrations(configManager.GetDatabaseURL(), cfg.Database.MigrationsPath, logger); err != nil {
			return nil, err
		}

		db, err := database.NewConnection(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		return repository.NewPostgresStore(db.Pool, logger), nil

	case "sqlite":
		return repository.NewSQLiteStore(cfg.Database.SQLitePath, logger)

	default:
		logger.Warn("Using in-memory store; data is lost on restart")
		return repository.NewMemoryStore(), nil
	}
}

// newLogger configures logrus from the logging section.
func newLogger(cfg domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.Output == "stderr" {
		logger.SetOutput(os.Stderr)
	}

	return logger
}
