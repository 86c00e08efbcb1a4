// Package main is the unified entry point for Tracklet. A single binary runs
// the HTTP API, the planning services, and (on the in-memory bus) the job
// runner with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tracklet/tracklet/internal/agentrun"
	"github.com/tracklet/tracklet/internal/common/config"
	"github.com/tracklet/tracklet/internal/common/httpmw"
	"github.com/tracklet/tracklet/internal/common/logger"
	"github.com/tracklet/tracklet/internal/common/tracing"
	"github.com/tracklet/tracklet/internal/db"
	"github.com/tracklet/tracklet/internal/dispatch"
	"github.com/tracklet/tracklet/internal/events/bus"
	"github.com/tracklet/tracklet/internal/llm"
	planninghandlers "github.com/tracklet/tracklet/internal/planning/handlers"
	"github.com/tracklet/tracklet/internal/planning/repository"
	"github.com/tracklet/tracklet/internal/planning/repository/sqlstore"
	"github.com/tracklet/tracklet/internal/planning/service"
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

	log.Info("Starting Tracklet...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 4. Storage
	repo, pool, err := openRepository(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer func() { _ = repo.Close() }()
	if pool != nil {
		defer func() { _ = pool.Close() }()
	}

	// 5. Tool bridge
	bridge, err := buildBridge(cfg, pool, eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize tool bridge", zap.Error(err))
	}

	// 6. Prompts, cost accounting, LLM provider
	prompts, err := sysprompt.Load(os.Getenv("TRACKLET_PROMPTS_FILE"))
	if err != nil {
		log.Fatal("Failed to load prompt overrides", zap.Error(err))
	}
	estimator := llm.NewEstimator(cfg.LLM.InputCostPerMillion, cfg.LLM.OutputCostPerMillion)
	provider := llm.NewProvider(cfg.LLM, log)

	// 7. Planning services
	planner := agentrun.NewPlanner(repo, provider, estimator, prompts, eventBus, log)
	controller := agentrun.NewController(repo, bridge, provider, estimator, prompts, eventBus, cfg.LLM.MaxToolIterations, log)
	dispatcher := dispatch.NewDispatcher(eventBus, cfg.Planning.DispatchAckTimeoutDuration(), log)
	reconciler := service.NewReconciler(repo, cfg.Planning.StaleTimeoutDuration(), log)
	planningSvc := service.NewService(repo, dispatcher, reconciler, eventBus, log)

	// 8. Job runner. With the in-memory bus the jobs have nowhere else to go,
	// so the runner lives in this process; with NATS a separate cmd/runner
	// deployment can take over, but running one here is still correct thanks
	// to the queue group.
	runner := dispatch.NewRunner(eventBus, repo, planner, controller, cfg.LLM.RequestTimeoutDuration(), log)
	if err := runner.Start(); err != nil {
		log.Fatal("Failed to start runner", zap.Error(err))
	}
	defer runner.Stop()

	// 9. HTTP server
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "tracklet"))
	router.Use(httpmw.OtelTracing("tracklet"))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	planninghandlers.RegisterRoutes(router, planningSvc, controller, log)
	toolbridge.RegisterRoutes(router, bridge, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			log.Info("Shutting down...", zap.String("signal", sig.String()))
		case <-gctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("Failed to flush traces", zap.Error(err))
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("Server error", zap.Error(err))
	}
	log.Info("Tracklet stopped")
}

// openRepository wires the planning store for the configured driver. The
// returned pool is nil for the memory driver.
func openRepository(cfg *config.Config, log *logger.Logger) (repository.Repository, *db.Pool, error) {
	switch cfg.Database.Driver {
	case "memory":
		log.Info("Using in-memory storage")
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

// buildBridge wires the tool bridge with the store matching the database
// driver. Auth tokens live encrypted next to the planning data.
func buildBridge(cfg *config.Config, pool *db.Pool, eventBus bus.EventBus, log *logger.Logger) (*toolbridge.Bridge, error) {
	if pool == nil {
		return toolbridge.NewBridge(toolbridge.NewMemoryStore(), eventBus, log), nil
	}

	crypto, err := secrets.NewMasterKeyProvider(trackletDir())
	if err != nil {
		return nil, err
	}
	store, err := toolbridge.ProvideStore(pool.Writer(), pool.Reader(), crypto)
	if err != nil {
		return nil, err
	}
	return toolbridge.NewBridge(store, eventBus, log), nil
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
