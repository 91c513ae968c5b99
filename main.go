package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pump-contract-engine/config"
	"pump-contract-engine/internal/database"
	"pump-contract-engine/internal/events"
	"pump-contract-engine/internal/feed"
	"pump-contract-engine/internal/logging"
	"pump-contract-engine/internal/ops"
	"pump-contract-engine/internal/oracle"
	"pump-contract-engine/internal/scoring"
	"pump-contract-engine/internal/stream"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(logger)

	logger.Info("Starting pump contract engine")

	// Database
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		logger.Fatal("Database connection failed", "error", err)
	}
	defer db.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.RunMigrations(migrateCtx); err != nil {
		cancelMigrate()
		logger.Fatal("Database migrations failed", "error", err)
	}
	cancelMigrate()

	repo := database.NewRepository(db)

	// Redis is optional: the price cache degrades to memory-only.
	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Addr,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		pingCtx, cancelPing := context.WithTimeout(context.Background(), 2*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("Redis unavailable, price cache runs in memory", "error", err)
		}
		cancelPing()
	}

	// Oracles
	priceCache := oracle.NewPriceCache(redisClient, cfg.OracleConfig.PriceCacheTTL)
	priceOracle := oracle.NewPriceOracle(cfg.OracleConfig.SolPriceURL, priceCache)
	balanceOracle := oracle.NewBalanceOracle(cfg.OracleConfig.RPCURL)

	// Upstream trade feed
	feedClient := feed.NewClient(
		cfg.FeedConfig.WSURL,
		cfg.FeedConfig.ChannelCapacity,
		cfg.FeedConfig.MaxReconnects,
		cfg.FeedConfig.ReconnectBaseDelay,
	)

	// Scoring
	zl := zerolog.New(os.Stdout).With().Timestamp().Logger()
	applier := scoring.NewApplier(repo, zl)

	// Event bus and supervisor
	bus := events.NewBus()
	supervisor := stream.NewSupervisor(repo, feedClient, priceOracle, balanceOracle, applier, bus, cfg.SupervisorConfig)
	commands := ops.NewCommands(supervisor)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	if err := supervisor.Run(runCtx); err != nil {
		logger.Fatal("Supervisor startup failed", "error", err)
	}

	// SIGHUP dumps a health snapshot; SIGINT/SIGTERM shut down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	var sig os.Signal
	for sig = range sigCh {
		if sig != syscall.SIGHUP {
			break
		}
		h := commands.Health()
		logger.Info("Health snapshot",
			"ready", h.Ready,
			"active_streams", h.ActiveStreams,
			"feed_state", h.Feed.State,
			"feed_delivered", h.Feed.Delivered,
			"feed_dropped", h.Feed.Dropped)
	}
	logger.Info("Shutdown signal received", "signal", sig.String())

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	supervisor.Shutdown(shutdownCtx)

	logger.Info("Engine stopped")
}
