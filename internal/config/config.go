package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type AppConfig struct {
	Port     string `validate:"required,numeric"`
	LogLevel string `validate:"oneof=debug info warn error"`

	// ModelPaths are searched in order for pollutant artifacts.
	ModelPaths []string `validate:"min=1,dive,required"`

	// Optional backends. Empty means in-memory.
	RedisURL    string `validate:"omitempty,url"`
	DatabaseURL string

	// Optional ground-station feed.
	MQTTURL   string `validate:"omitempty,url"`
	MQTTTopic string

	OpenWeatherAPIKey string
	OpenMeteoEnabled  bool
	GeocoderAPIKey    string

	CacheTTL        time.Duration `validate:"gt=0"`
	RetentionWindow time.Duration `validate:"gt=0"`
	LocationDelay   time.Duration `validate:"gt=0"`
	SchedulerTick   time.Duration `validate:"gt=0"`
	StageTimeout    time.Duration `validate:"gt=0"`
	HTTPTimeout     time.Duration `validate:"gt=0"`

	// Standard five-field cron expressions; a CRON_TZ= prefix selects the zone.
	CollectionSchedule string `validate:"required"`
	RetentionSchedule  string `validate:"required"`

	// SchedulerLocations are catalogue ids collected every cycle.
	SchedulerLocations []string `validate:"min=1,dive,required"`

	// StoreMaxObservations bounds the in-memory observation history per location (0 = unlimited).
	StoreMaxObservations int `validate:"gte=0"`
}

// Load reads configuration from .env and the environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("config: no .env file loaded", "err", err)
	}

	cfg := &AppConfig{
		Port:               getenvDefault("PORT", "8080"),
		LogLevel:           strings.ToLower(getenvDefault("LOG_LEVEL", "info")),
		ModelPaths:         getenvList("MODEL_PATH", []string{"models", "../models", "../../models"}),
		RedisURL:           os.Getenv("REDIS_URL"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		MQTTURL:            os.Getenv("MQTT_URL"),
		MQTTTopic:          getenvDefault("MQTT_TOPIC", "airquality/ground/+"),
		OpenWeatherAPIKey:  os.Getenv("OPENWEATHER_API_KEY"),
		GeocoderAPIKey:     os.Getenv("GEOCODER_API_KEY"),
		CollectionSchedule: getenvDefault("COLLECTION_SCHEDULE", "0 * * * *"),
		RetentionSchedule:  getenvDefault("RETENTION_SCHEDULE", "0 2 * * *"),
		SchedulerLocations: getenvList("SCHEDULER_LOCATIONS", []string{"washington_dc", "los_angeles", "new_york"}),
	}
	cfg.StoreMaxObservations = getenvInt("STORE_MAX_OBSERVATIONS", 24*30)

	var err error
	if cfg.OpenMeteoEnabled, err = getenvBool("OPENMETEO_ENABLED", true); err != nil {
		return nil, err
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"CACHE_TTL", time.Hour, &cfg.CacheTTL},
		{"RETENTION_WINDOW", 7 * 24 * time.Hour, &cfg.RetentionWindow},
		{"LOCATION_DELAY", 5 * time.Second, &cfg.LocationDelay},
		{"SCHEDULER_TICK", 60 * time.Second, &cfg.SchedulerTick},
		{"STAGE_TIMEOUT", 30 * time.Second, &cfg.StageTimeout},
		{"HTTP_TIMEOUT", 10 * time.Second, &cfg.HTTPTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = getenvDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SlogLevel maps LogLevel onto slog.
func (c *AppConfig) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

// getenvList splits a comma-separated value, dropping blanks.
func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
