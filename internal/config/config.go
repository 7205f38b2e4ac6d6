package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sink kinds accepted by SINK_KIND.
const (
	SinkBulk    = "bulk"
	SinkCSV     = "csv"
	SinkParquet = "parquet"
	SinkMemory  = "memory"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
	LogFile           string        `mapstructure:"LOG_FILE"`
	LogMaxSizeMB      int           `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups     int           `mapstructure:"LOG_MAX_BACKUPS"`
	LogMaxAgeDays     int           `mapstructure:"LOG_MAX_AGE_DAYS"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir     string        `mapstructure:"MIGRATIONS_DIR"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	WorkerConcurrency int           `mapstructure:"WORKER_CONCURRENCY"`
	QueueName         string        `mapstructure:"QUEUE_NAME"`
	ImportBatchSize   int           `mapstructure:"IMPORT_BATCH_SIZE"`
	SinkKind          string        `mapstructure:"SINK_KIND"`
	SinkOutputDir     string        `mapstructure:"SINK_OUTPUT_DIR"`
	UploadDir         string        `mapstructure:"UPLOAD_DIR"`
	UploadMaxSize     string        `mapstructure:"UPLOAD_MAX_SIZE"`
	UploadRetention   time.Duration `mapstructure:"UPLOAD_RETENTION"`
	RetentionSchedule string        `mapstructure:"RETENTION_SCHEDULE"`
	ProgressChannel   string        `mapstructure:"PROGRESS_CHANNEL"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "LOG_FILE", "LOG_MAX_SIZE_MB", "LOG_MAX_BACKUPS",
	"LOG_MAX_AGE_DAYS", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"MIGRATIONS_DIR", "REDIS_URL", "WORKER_CONCURRENCY", "QUEUE_NAME",
	"IMPORT_BATCH_SIZE", "SINK_KIND", "SINK_OUTPUT_DIR", "UPLOAD_DIR",
	"UPLOAD_MAX_SIZE", "UPLOAD_RETENTION", "RETENTION_SCHEDULE",
	"PROGRESS_CHANNEL", "CORS_ORIGINS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("LOG_MAX_AGE_DAYS", 30)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("WORKER_CONCURRENCY", 10)
	v.SetDefault("QUEUE_NAME", "roster")
	v.SetDefault("IMPORT_BATCH_SIZE", 1000)
	v.SetDefault("SINK_KIND", SinkBulk)
	v.SetDefault("UPLOAD_DIR", "uploads")
	v.SetDefault("UPLOAD_MAX_SIZE", "20M")
	v.SetDefault("UPLOAD_RETENTION", "720h")
	v.SetDefault("RETENTION_SCHEDULE", "@daily")
	v.SetDefault("PROGRESS_CHANNEL", "roster:progress")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	cfg.SinkKind = strings.ToLower(strings.TrimSpace(cfg.SinkKind))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks the settings that Load cannot default its way out of.
func (c *Config) Validate() error {
	switch c.SinkKind {
	case SinkBulk, SinkMemory:
	case SinkCSV, SinkParquet:
		if c.SinkOutputDir == "" {
			return fmt.Errorf("SINK_OUTPUT_DIR is required when SINK_KIND is %q", c.SinkKind)
		}
	default:
		return fmt.Errorf("SINK_KIND must be one of bulk, csv, parquet, memory, got %q", c.SinkKind)
	}
	if c.ImportBatchSize <= 0 {
		return fmt.Errorf("IMPORT_BATCH_SIZE must be positive, got %d", c.ImportBatchSize)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	}
	if c.UploadRetention < 0 {
		return fmt.Errorf("UPLOAD_RETENTION must not be negative, got %s", c.UploadRetention)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
