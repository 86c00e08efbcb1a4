// Package main is the standalone job runner. It consumes dispatched planning
// and execution jobs over NATS for deployments where model work runs out of
// process; the queue group shares the load with any in-process runners.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/tracklet/tracklet/internal/agentrun"
	"github.com/tracklet/tracklet/internal/common/config"
	"github.com/tracklet/tracklet/internal/common/logger"
	"github.com/tracklet/tracklet/internal/db"
	"github.com/tracklet/tracklet/internal/dispatch"
	"github.com/tracklet/tracklet/internal/events/bus"
	"github.com/tracklet/tracklet/internal/llm"
	"github.com/tracklet/tracklet/internal/planning/repository"
	"github.com/tracklet/tracklet/internal/planning/repository/sqlstore"
	"github.com/tracklet/tracklet/internal/secrets"
	"github.com/tracklet/tracklet/internal/sysprompt"
	"github.com/tracklet/tracklet/internal/toolbridge"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting Tracklet runner...")

	// 3. Event bus. A standalone runner only makes sense over NATS; the
	// in-memory bus cannot reach the API process.
	if cfg.NATS.URL == "" {
		log.Fatal("TRACKLET_NATS_URL is required for the standalone runner")
	}
	eventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer eventBus.Close()

	// 4. Storage, shared with the API process
	repo, pool, err := openRepository(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer func() { _ = repo.Close() }()
	if pool != nil {
		defer func() { _ = pool.Close() }()
	}

	// 5. Tool bridge
	var store toolbridge.Store
	if pool == nil {
		store = toolbridge.NewMemoryStore()
	} else {
		crypto, err := secrets.NewMasterKeyProvider(trackletDir())
		if err != nil {
			log.Fatal("Failed to load master key", zap.Error(err))
		}
		store, err = toolbridge.ProvideStore(pool.Writer(), pool.Reader(), crypto)
		if err != nil {
			log.Fatal("Failed to initialize tool connection store", zap.Error(err))
		}
	}
	bridge := toolbridge.NewBridge(store, eventBus, log)

	// 6. Prompts, cost accounting, LLM provider
	prompts, err := sysprompt.Load(os.Getenv("TRACKLET_PROMPTS_FILE"))
	if err != nil {
		log.Fatal("Failed to load prompt overrides", zap.Error(err))
	}
	estimator := llm.NewEstimator(cfg.LLM.InputCostPerMillion, cfg.LLM.OutputCostPerMillion)
	provider := llm.NewProvider(cfg.LLM, log)

	// 7. Job processing
	planner := agentrun.NewPlanner(repo, provider, estimator, prompts, eventBus, log)
	controller := agentrun.NewController(repo, bridge, provider, estimator, prompts, eventBus, cfg.LLM.MaxToolIterations, log)
	runner := dispatch.NewRunner(eventBus, repo, planner, controller, cfg.LLM.RequestTimeoutDuration(), log)
	if err := runner.Start(); err != nil {
		log.Fatal("Failed to start runner", zap.Error(err))
	}

	log.Info("Runner consuming jobs", zap.String("nats", cfg.NATS.URL))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down...", zap.String("signal", sig.String()))

	runner.Stop()
	log.Info("Tracklet runner stopped")
}

// openRepository wires the planning store for the configured driver. The
// returned pool is nil for the memory driver, which only suits local testing
// since a standalone runner would not see the API's data.
func openRepository(cfg *config.Config, log *logger.Logger) (repository.Repository, *db.Pool, error) {
	switch cfg.Database.Driver {
	case "memory":
		log.Warn("In-memory storage on a standalone runner does not share state with the API")
		return repository.NewMemoryRepository(), nil, nil

	case "postgres":
		sqlDB, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, err
		}
		dbx := sqlx.NewDb(sqlDB, "pgx")
		pool := db.NewPool(dbx, dbx)
		repo, err := sqlstore.NewWithDB(pool.Writer(), pool.Reader())
		if err != nil {
			return nil, nil, err
		}
		log.Info("PostgreSQL storage initialized", zap.String("host", cfg.Database.Host))
		return repo, pool, nil

	default:
		writer, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, nil, err
		}
		reader, err := db.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			return nil, nil, err
		}
		pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
		repo, err := sqlstore.NewWithDB(pool.Writer(), pool.Reader())
		if err != nil {
			return nil, nil, err
		}
		log.Info("SQLite storage initialized", zap.String("path", cfg.Database.Path))
		return repo, pool, nil
	}
}

// trackletDir returns the config directory holding the master key.
func trackletDir() string {
	if dir := os.Getenv("TRACKLET_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tracklet"
	}
	return home + "/.tracklet"
}
