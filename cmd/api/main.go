package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/memory-agent/retrieval/internal/api/handlers"
	"github.com/memory-agent/retrieval/internal/cache"
	"github.com/memory-agent/retrieval/internal/dependency"
	"github.com/memory-agent/retrieval/internal/engine"
	"github.com/memory-agent/retrieval/internal/metrics"
	"github.com/memory-agent/retrieval/internal/middleware/ratelimit"
	"github.com/memory-agent/retrieval/internal/middleware/security"
	"github.com/memory-agent/retrieval/internal/profiler"
	"github.com/memory-agent/retrieval/internal/storage/sqlite"
	"github.com/memory-agent/retrieval/internal/strategy"
	"github.com/memory-agent/retrieval/internal/tuner"
	"github.com/memory-agent/retrieval/pkg/config"
	appLogger "github.com/memory-agent/retrieval/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting memory retrieval planner")

	metrics.Init()

	var store *sqlite.Client
	if cfg.SQLite.Enabled {
		store, err = sqlite.NewClient(cfg.SQLite.Path)
		if err != nil {
			appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
		}
		defer store.Close()

		if err := store.InitSchema(); err != nil {
			appLogger.Fatal("Failed to initialize schema", zap.Error(err))
		}
	}

	var remote *cache.RemoteCache
	if cfg.Redis.Enabled {
		remote, err = cache.NewRemoteCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			// The remote tier is advisory, so a down Redis only costs the
			// shared cache, not the service.
			appLogger.Warn("Remote cache unavailable, continuing without it", zap.Error(err))
			remote = nil
		} else {
			defer remote.Close()
		}
	}

	prof := profiler.New(cfg.Profiler.MaxMetrics, cfg.Profiler.WindowHours)
	graph := dependency.New(cfg.Dependency.MinSamples)
	crossCache := cache.NewCrossLayerCache(
		cfg.Cache.MaxEntries,
		time.Duration(cfg.Cache.DefaultTTLSec)*time.Second,
		cfg.Cache.LayerTTLs(),
	)

	selectorCfg := strategy.DefaultConfig()
	selectorCfg.CacheHitThreshold = cfg.Selector.CacheHitThreshold
	selectorCfg.CacheSpeedup = cfg.Selector.CacheSpeedup
	selectorCfg.ParallelBenefitThreshold = cfg.Selector.ParallelBenefitThreshold
	selectorCfg.ComplexityThreshold = cfg.Selector.ComplexityThreshold
	selectorCfg.DistributedCostMs = cfg.Selector.DistributedCostMs
	selectorCfg.DistributedBenefit = cfg.Selector.DistributedBenefit
	selectorCfg.DistributedSpeedup = cfg.Selector.DistributedSpeedup
	selector := strategy.NewSelector(selectorCfg)

	initialTuning := tuner.DefaultTuningConfig()
	initialTuning.Strategy = tuner.OptimizationStrategy(cfg.Tuner.Strategy)
	autoTuner := tuner.New(prof, tuner.Options{
		AdjustmentInterval: cfg.Tuner.AdjustmentInterval,
		MinSamples:         cfg.Tuner.MinSamples,
		Hysteresis:         cfg.Tuner.HysteresisPct,
	}, initialTuning)

	retrievalEngine := engine.NewEngine(prof, graph, crossCache, remote, selector, autoTuner, store)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: 600,
		Costs: map[string]int{
			"/api/v1/cache/invalidate": 10,
			"/api/v1/cache/prune":      5,
		},
	})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Agent-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		IsDevelopment: cfg.Logging.Level == "debug",
	}))
	app.Use(limiter.Middleware())

	planHandler := handlers.NewPlanHandler(retrievalEngine)
	statsHandler := handlers.NewStatsHandler(retrievalEngine)
	wsHandler := handlers.NewWebSocketHandler(retrievalEngine)

	api := app.Group("/api/v1")

	api.Post("/query/plan", planHandler.HandlePlan)
	api.Post("/query/complete", planHandler.HandleComplete)
	api.Get("/query/history", planHandler.HandleHistory)
	api.Get("/query/slow", statsHandler.HandleSlowQueries)

	api.Get("/stats/profiler", statsHandler.HandleProfilerStats)
	api.Get("/stats/dependencies", statsHandler.HandleDependencyStats)
	api.Get("/stats/cache", statsHandler.HandleCacheStats)
	api.Get("/stats/strategies", statsHandler.HandleStrategyStats)
	api.Get("/stats/decisions", statsHandler.HandleRecentDecisions)
	api.Get("/stats/tuning", statsHandler.HandleTuningStats)

	api.Post("/cache/invalidate", statsHandler.HandleInvalidateLayer)
	api.Post("/cache/prune", statsHandler.HandlePruneExpired)

	app.Get("/metrics", metrics.MetricsHandler())

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/stats", websocket.New(wsHandler.HandleStatsStream))

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
