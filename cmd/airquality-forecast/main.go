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

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/airquality-forecast/internal/airquality"
	"github.com/i474232898/airquality-forecast/internal/airquality/providers"
	httpapi "github.com/i474232898/airquality-forecast/internal/api/http"
	"github.com/i474232898/airquality-forecast/internal/cache"
	"github.com/i474232898/airquality-forecast/internal/config"
	"github.com/i474232898/airquality-forecast/internal/model"
	"github.com/i474232898/airquality-forecast/internal/scheduler"
	"github.com/i474232898/airquality-forecast/internal/store"
)

const (
	serviceName = "airquality-forecast"

	// Ground readings older than this are ignored in favour of the synthetic feed.
	groundMaxAge       = 2 * time.Hour
	cacheEvictInterval = 5 * time.Minute
	startupTimeout     = 15 * time.Second
	shutdownTimeout    = 10 * time.Second
)

// Pandora spectrometer sites in the catalog.
var pandoraSites = []string{"washington_dc"}

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("service stopped with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AppConfig) error {
	registry, report, err := model.Load(cfg.ModelPaths)
	if err != nil {
		return err
	}
	if missing := report.MissingPollutants(); len(missing) > 0 {
		slog.Warn("some pollutant models are unavailable; their forecasts will be empty", "missing", missing)
	}

	catalog, err := airquality.NewCatalog(airquality.DefaultLocations)
	if err != nil {
		return err
	}
	scheduled, err := catalog.Resolve(cfg.SchedulerLocations)
	if err != nil {
		return err
	}

	startCtx, cancelStart := context.WithTimeout(ctx, startupTimeout)
	defer cancelStart()

	forecastStore, closeStore, err := openStore(startCtx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	resultCache, closeCache := openCache(ctx, startCtx, cfg)
	defer closeCache()

	// Shared HTTP client for outbound provider calls.
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	var weather providers.CurrentWeather
	if cfg.OpenWeatherAPIKey != "" {
		weather = providers.NewOpenWeatherCurrent(httpClient, cfg.OpenWeatherAPIKey)
	}

	var ground providers.GroundSource
	if cfg.MQTTURL != "" {
		feed := providers.NewMQTTGroundFeed(groundMaxAge)
		if err := feed.Connect(startCtx, cfg.MQTTURL, cfg.MQTTTopic); err != nil {
			slog.Warn("mqtt ground feed unavailable, using synthetic ground readings", "err", err)
		} else {
			defer feed.Close()
			ground = feed
		}
	}

	var outlook airquality.WeatherOutlook
	if cfg.OpenMeteoEnabled {
		outlook = providers.NewOpenMeteoOutlook(httpClient)
	}

	// Core service orchestrating models, feed, cache and store.
	service := airquality.NewService(airquality.Deps{
		Catalog:      catalog,
		Predictor:    registry,
		Feed:         providers.NewCollector(providers.NewSyntheticFeed(pandoraSites...), weather, ground),
		Store:        forecastStore,
		Cache:        resultCache,
		Outlook:      outlook,
		StageTimeout: cfg.StageTimeout,
	})

	// Scheduler that periodically collects, predicts and stores.
	sched, err := scheduler.New(service, scheduler.Config{
		Locations:       scheduled,
		CollectionSpec:  cfg.CollectionSchedule,
		RetentionSpec:   cfg.RetentionSchedule,
		Tick:            cfg.SchedulerTick,
		LocationDelay:   cfg.LocationDelay,
		RetentionWindow: cfg.RetentionWindow,
		RunOnStart:      true,
	})
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	handlers := httpapi.Handlers{Service: service, Scheduler: sched}
	if cfg.GeocoderAPIKey != "" {
		handlers.Geocoder = providers.NewGeocoder(cfg.GeocoderAPIKey)
	}

	app := newApp(report)
	httpapi.RegisterRoutes(app, handlers)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "port", cfg.Port)
		serveErr <- app.Listen(":" + cfg.Port)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return err
	}

	slog.Info("shutting down")
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		slog.Error("error during shutdown", "err", err)
	}
	return nil
}

func newApp(report model.LoadReport) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               serviceName,
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          60 * time.Second,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":        "ok",
			"service":       serviceName,
			"models":        report.Loaded,
			"missingModels": report.MissingPollutants(),
			"timestamp":     time.Now().UTC(),
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	return app
}

// openStore connects to Postgres when DATABASE_URL is set and falls back to
// the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.AppConfig) (airquality.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Info("using in-memory store", "maxObservations", cfg.StoreMaxObservations)
		return store.NewMemoryStore(cfg.StoreMaxObservations), func() {}, nil
	}

	pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	slog.Info("using postgres store")
	return pg, pg.Close, nil
}

// openCache prefers Redis and falls back to an in-process backend when Redis
// is not configured or unreachable. The cache is fail-open either way.
func openCache(runCtx, dialCtx context.Context, cfg *config.AppConfig) (*cache.ResultCache, func()) {
	if cfg.RedisURL != "" {
		backend, client, err := cache.DialRedis(dialCtx, cfg.RedisURL)
		if err == nil {
			slog.Info("using redis result cache", "ttl", cfg.CacheTTL)
			return cache.New(backend, cfg.CacheTTL), func() { _ = client.Close() }
		}
		slog.Warn("redis unavailable, using in-memory result cache", "err", err)
	}

	mem := cache.NewMemoryBackend()
	go mem.Run(runCtx, cacheEvictInterval)
	slog.Info("using in-memory result cache", "ttl", cfg.CacheTTL)
	return cache.New(mem, cfg.CacheTTL), func() {}
}
