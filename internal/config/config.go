package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	// Matching knobs.
	FanOut          int           // candidates offered per round
	RoundTimeout    time.Duration // matching round expiry
	SearchRadiusMi  float64       // candidate query radius, miles
	FreshnessWindow time.Duration // presence records older than this are stale
	OfflineGrace    time.Duration // disconnect grace before presence removal

	// Fare / payout knobs.
	PlatformFeePct  float64 // platform cut of gross fare, 0..1
	CancelFee       float64 // flat fee when rider cancels after assignment
	DefaultSpeedMps float64 // fallback speed for naive ETA, meters/sec

	LiveCacheTTL time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "driver-locations",
		FanOut:          5,
		RoundTimeout:    30 * time.Second,
		SearchRadiusMi:  5,
		FreshnessWindow: 5 * time.Minute,
		OfflineGrace:    30 * time.Second,
		PlatformFeePct:  0.20,
		CancelFee:       5.0,
		DefaultSpeedMps: 10,
		LiveCacheTTL:    time.Hour,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	_ = godotenv.Load()

	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setIntFromEnv(&cfg.FanOut, "MATCH_FAN_OUT", &errs)
	setDurationFromEnv(&cfg.RoundTimeout, "MATCH_ROUND_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.SearchRadiusMi, "MATCH_SEARCH_RADIUS_MI", &errs)
	setDurationFromEnv(&cfg.FreshnessWindow, "PRESENCE_FRESHNESS_WINDOW", &errs)
	setDurationFromEnv(&cfg.OfflineGrace, "PRESENCE_OFFLINE_GRACE", &errs)

	setFloatFromEnv(&cfg.PlatformFeePct, "PLATFORM_FEE_PCT", &errs)
	setFloatFromEnv(&cfg.CancelFee, "CANCEL_FEE", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)
	setDurationFromEnv(&cfg.LiveCacheTTL, "LIVE_CACHE_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.FanOut <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_FAN_OUT must be > 0"))
	}
	if cfg.RoundTimeout <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_ROUND_TIMEOUT must be > 0"))
	}
	if cfg.PlatformFeePct < 0 || cfg.PlatformFeePct >= 1 {
		errs = append(errs, fmt.Errorf("PLATFORM_FEE_PCT must be in [0,1)"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
