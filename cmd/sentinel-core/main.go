// Command sentinel-core runs the honeypot telemetry ingestion,
// enrichment, scoring, storage, and query/stream service described in
// spec.md: a single long-running process with five cooperating
// subsystems (ingest, GeoIP enrichment, scoring ensemble, event store,
// query/stream API).
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"

	"github.com/trapline/sentinelcore/cmd/sentinel-core/broadcaster"
	"github.com/trapline/sentinelcore/cmd/sentinel-core/config"
	"github.com/trapline/sentinelcore/cmd/sentinel-core/geoip"
	"github.com/trapline/sentinelcore/cmd/sentinel-core/ingest"
	"github.com/trapline/sentinelcore/cmd/sentinel-core/queryapi"
	"github.com/trapline/sentinelcore/cmd/sentinel-core/scoring"
	"github.com/trapline/sentinelcore/pkg/database"
	"github.com/trapline/sentinelcore/pkg/messaging"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("[SentinelCore] no .env file found, using process environment")
	}

	cfg := config.Load()
	log.Println("[SentinelCore] starting honeypot telemetry core...")

	store, err := database.NewEventStore(cfg.DatabaseFile)
	if err != nil {
		log.Fatalf("[SentinelCore] failed to open event store: %v", err)
	}
	defer store.Close()

	rdb := optionalRedis(cfg)
	if rdb != nil {
		defer rdb.Close()
	}

	geoProvider := geoip.NewProvider(cfg.GeoIPLookupURL, cfg.GeoIPTimeout, rdb)
	scorer := scoring.NewEngine(cfg.ModelBundleDir)
	bus := broadcaster.New()
	nc := optionalNATS(cfg)
	if nc != nil {
		defer nc.Close()
	}

	ingestHandler := ingest.NewHandler(store, geoProvider, scorer, bus, nc, rdb)
	queryHandler := queryapi.NewHandler(store, bus, scorer, rdb)

	app := fiber.New(fiber.Config{
		BodyLimit:    10 * 1024 * 1024,
		ErrorHandler: jsonErrorHandler,
	})
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	app.Get("/", indexHandler)
	app.Post("/api/log", ingestHandler.Receive)

	api := app.Group("/api")
	api.Get("/live", queryHandler.Live)
	api.Get("/alerts", queryHandler.Alerts)
	api.Get("/analytics", queryHandler.Analytics)
	api.Get("/map", queryHandler.Map)
	api.Get("/ml_insights", queryHandler.MLInsights)
	api.Get("/investigate", queryHandler.Investigate)
	api.Get("/stream", queryHandler.Stream)

	app.Get("/health", healthHandler(store, bus, rdb))
	app.Use(notFoundHandler)

	go func() {
		if err := app.Listen(":" + cfg.IngestPort); err != nil {
			log.Fatalf("[SentinelCore] listener failed: %v", err)
		}
	}()

	// Spec §6 allows the stream port to differ from the ingest port. When
	// it does, the query/stream routes are additionally served on their
	// own Fiber app bound to that port; when it matches, the single app
	// above already covers both (the common case).
	var streamApp *fiber.App
	if cfg.StreamPort != cfg.IngestPort {
		streamApp = fiber.New()
		streamApi := streamApp.Group("/api")
		streamApi.Get("/live", queryHandler.Live)
		streamApi.Get("/alerts", queryHandler.Alerts)
		streamApi.Get("/analytics", queryHandler.Analytics)
		streamApi.Get("/map", queryHandler.Map)
		streamApi.Get("/ml_insights", queryHandler.MLInsights)
		streamApi.Get("/investigate", queryHandler.Investigate)
		streamApi.Get("/stream", queryHandler.Stream)

		go func() {
			if err := streamApp.Listen(":" + cfg.StreamPort); err != nil {
				log.Fatalf("[SentinelCore] stream listener failed: %v", err)
			}
		}()
		log.Printf("[SentinelCore] ingest on :%s, query/stream on :%s", cfg.IngestPort, cfg.StreamPort)
	} else {
		log.Printf("[SentinelCore] listening on :%s (ingest + query/stream share one port)", cfg.IngestPort)
	}

	waitForShutdown(app, streamApp)
}

// optionalRedis builds the write-through GeoIP cache layer when
// REDIS_ADDR is configured; the core runs fine without it (spec §4.2
// caching is primarily in-memory).
func optionalRedis(cfg *config.Config) *database.RedisClient {
	if cfg.RedisAddr == "" {
		return nil
	}
	rdb, err := database.NewRedisClient(&database.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		PoolSize: 10,
	})
	if err != nil {
		log.Printf("[SentinelCore] Redis unavailable, continuing without write-through cache: %v", err)
		return nil
	}
	return rdb
}

// optionalNATS builds the best-effort JetStream mirror publisher when
// NATS_URL is configured.
func optionalNATS(cfg *config.Config) *messaging.Client {
	if cfg.NatsURL == "" {
		return nil
	}
	nc, err := messaging.NewClient(&messaging.Config{
		URL:           cfg.NatsURL,
		Username:      cfg.NatsUser,
		Password:      cfg.NatsPassword,
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
	})
	if err != nil {
		log.Printf("[SentinelCore] NATS unavailable, continuing without event mirror: %v", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := nc.InitializeStream(ctx); err != nil {
		log.Printf("[SentinelCore] NATS stream init failed: %v", err)
	}
	return nc
}

// indexHandler is a harmless self-description of the available routes,
// carried over from the original honeypot dashboard's index view.
func indexHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service": "sentinel-core",
		"endpoints": fiber.Map{
			"POST /api/log":        "ingest a honeypot event",
			"GET /api/live":        "most recent events",
			"GET /api/alerts":      "events above a score threshold",
			"GET /api/analytics":   "aggregate counts and trends",
			"GET /api/map":         "geographic distribution for the live map",
			"GET /api/ml_insights": "ensemble score distributions and model metadata",
			"GET /api/investigate": "per-source-IP history and summary",
			"GET /api/stream":      "server-sent events of newly stored events",
			"GET /health":          "store connectivity and row count",
		},
	})
}

// healthHandler reports store connectivity, total row count, and (when
// configured) Redis pool health, in the style of the original honeypot
// dashboard's health_check view.
func healthHandler(store *database.EventStore, bus *broadcaster.Broadcaster, rdb *database.RedisClient) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "degraded",
				"error":  err.Error(),
			})
		}
		count, err := store.RowCount(ctx)
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "degraded",
				"error":  err.Error(),
			})
		}

		var redisHealth interface{} = fiber.Map{"status": "not_configured"}
		if rdb != nil {
			if h, err := rdb.Health(ctx); err != nil {
				redisHealth = fiber.Map{"status": "unhealthy", "error": err.Error()}
			} else {
				redisHealth = h
			}
		}

		return c.JSON(fiber.Map{
			"status":      "ok",
			"event_count": count,
			"subscribers": bus.SubscriberCount(),
			"redis":       redisHealth,
		})
	}
}

func notFoundHandler(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "not found",
	})
}

func jsonErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if fe, ok := err.(*fiber.Error); ok {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		log.Printf("[SentinelCore] request error: %v", err)
	}
	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}

func waitForShutdown(app, streamApp *fiber.App) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("[SentinelCore] shutting down, draining in-flight requests...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("[SentinelCore] shutdown error: %v", err)
	}
	if streamApp != nil {
		if err := streamApp.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("[SentinelCore] stream listener shutdown error: %v", err)
		}
	}
}
