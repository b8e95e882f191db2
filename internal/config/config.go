package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gestor360/internal/log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	LocalStoreDriver string
	LocalStoreDSN    string
	JournalPath      string
	SchemaDir        string
	RedisAddr        string
	RedisPassword    string
	NotifyURL        string
	HTTPAddr         string
	MetricsAddr      string
	JWTSecret        string
	NodeID           int64

	SyncInterval       time.Duration
	SyncInitialDelay   time.Duration
	SyncMaxRetries     int
	SyncAttemptTimeout time.Duration
	SyncBackoffBase    time.Duration
	SyncBackoffMax     time.Duration

	GovernorConcurrency int
	GovernorRetries     int
	GovernorTimeout     time.Duration
	GovernorBackoffBase time.Duration
	GovernorBackoffMax  time.Duration

	ProbeInterval time.Duration
}

func Load() (*Config, error) {
	logger := log.NewLogger()
	// .env is optional, variables may come from the environment
	if err := godotenv.Load(); err != nil {
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	cfg := &Config{
		LocalStoreDriver:    strings.ToLower(os.Getenv("LOCAL_STORE_DRIVER")),
		LocalStoreDSN:       os.Getenv("LOCAL_STORE_DSN"),
		JournalPath:         os.Getenv("JOURNAL_PATH"),
		SchemaDir:           os.Getenv("SCHEMA_DIR"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		NotifyURL:           os.Getenv("NOTIFY_URL"),
		HTTPAddr:            os.Getenv("HTTP_ADDR"),
		MetricsAddr:         os.Getenv("METRICS_ADDR"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		SyncInterval:        5 * time.Second,
		SyncInitialDelay:    0,
		SyncMaxRetries:      5,
		SyncAttemptTimeout:  15 * time.Second,
		SyncBackoffBase:     2 * time.Second,
		SyncBackoffMax:      5 * time.Minute,
		GovernorConcurrency: 6,
		GovernorRetries:     2,
		GovernorTimeout:     10 * time.Second,
		GovernorBackoffBase: 300 * time.Millisecond,
		GovernorBackoffMax:  5 * time.Second,
		ProbeInterval:       10 * time.Second,
	}

	if cfg.LocalStoreDriver == "" {
		cfg.LocalStoreDriver = "sqlite"
	}
	if cfg.LocalStoreDriver != "sqlite" && cfg.LocalStoreDriver != "postgres" {
		logger.Error("Invalid LOCAL_STORE_DRIVER", zap.String("driver", cfg.LocalStoreDriver))
		return nil, fmt.Errorf("invalid LOCAL_STORE_DRIVER %q", cfg.LocalStoreDriver)
	}
	if cfg.LocalStoreDSN == "" {
		if cfg.LocalStoreDriver == "postgres" {
			logger.Error("LOCAL_STORE_DSN is required for postgres")
			return nil, fmt.Errorf("LOCAL_STORE_DSN is required for postgres")
		}
		cfg.LocalStoreDSN = "file:gestor360.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = "gestor360-journal.log"
	}
	if cfg.RedisAddr == "" {
		logger.Error("REDIS_ADDR is required")
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":2112"
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SYNC_INTERVAL", &cfg.SyncInterval},
		{"SYNC_INITIAL_DELAY", &cfg.SyncInitialDelay},
		{"SYNC_ATTEMPT_TIMEOUT", &cfg.SyncAttemptTimeout},
		{"SYNC_BACKOFF_BASE", &cfg.SyncBackoffBase},
		{"SYNC_BACKOFF_MAX", &cfg.SyncBackoffMax},
		{"GOVERNOR_TIMEOUT", &cfg.GovernorTimeout},
		{"GOVERNOR_BACKOFF_BASE", &cfg.GovernorBackoffBase},
		{"GOVERNOR_BACKOFF_MAX", &cfg.GovernorBackoffMax},
		{"PROBE_INTERVAL", &cfg.ProbeInterval},
	}
	for _, d := range durations {
		raw := os.Getenv(d.key)
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil || v < 0 {
			logger.Error("Invalid duration", zap.String("key", d.key), zap.String("value", raw))
			return nil, fmt.Errorf("invalid %s %q", d.key, raw)
		}
		*d.dst = v
	}

	ints := []struct {
		key string
		dst *int
		min int
	}{
		{"SYNC_MAX_RETRIES", &cfg.SyncMaxRetries, 1},
		{"GOVERNOR_CONCURRENCY", &cfg.GovernorConcurrency, 1},
		{"GOVERNOR_RETRIES", &cfg.GovernorRetries, 0},
	}
	for _, n := range ints {
		raw := os.Getenv(n.key)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < n.min {
			logger.Error("Invalid integer", zap.String("key", n.key), zap.String("value", raw))
			return nil, fmt.Errorf("invalid %s %q", n.key, raw)
		}
		*n.dst = v
	}

	if raw := os.Getenv("NODE_ID"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			logger.Error("Invalid NODE_ID", zap.String("value", raw), zap.Error(err))
			return nil, fmt.Errorf("invalid NODE_ID: %w", err)
		}
		cfg.NodeID = v
	}

	logger.Info("Config loaded successfully",
		zap.String("local_store_driver", cfg.LocalStoreDriver),
		zap.Duration("sync_interval", cfg.SyncInterval))
	return cfg, nil
}
