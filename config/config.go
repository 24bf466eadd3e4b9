// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "STOCK"

type Config struct {
	HTTP      HTTPConfig
	DB        DBConfig
	Log       LogConfig
	Engine    EngineConfig
	Import    ImportConfig
	JobStatus JobStatusConfig
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	// Each section is processed on its own so keys stay flat (STOCK_DB_PATH, not STOCK_DB_DB_PATH).
	sections := []any{&cfg.HTTP, &cfg.DB, &cfg.Log, &cfg.Engine, &cfg.Import, &cfg.JobStatus}
	for _, section := range sections {
		if err := envconfig.Process(EnvPrefix, section); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid %s_HTTP_PORT %d", EnvPrefix, c.HTTP.Port)
	}
	if strings.TrimSpace(c.DB.Path) == "" {
		return fmt.Errorf("%s_DB_PATH is required", EnvPrefix)
	}
	if c.Import.Workers < 1 {
		c.Import.Workers = 1
	}
	if c.Import.ProgressEvery < 1 {
		c.Import.ProgressEvery = 1
	}
	return nil
}

type HTTPConfig struct {
	Port        int      `envconfig:"HTTP_PORT" default:"8080"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"http://localhost:5173,http://localhost:8080"`
}

type DBConfig struct {
	Path        string        `envconfig:"DB_PATH" default:"stock.db"`
	BusyTimeout time.Duration `envconfig:"SQLITE_BUSY_TIMEOUT" default:"5s"`
}

type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"json"`
}

type EngineConfig struct {
	AllowOverReceipt bool          `envconfig:"ALLOW_OVER_RECEIPT" default:"false"`
	LockTimeout      time.Duration `envconfig:"LOCK_TIMEOUT" default:"5s"`
}

type ImportConfig struct {
	Workers       int `envconfig:"IMPORT_WORKERS" default:"2"`
	QueueSize     int `envconfig:"IMPORT_QUEUE_SIZE" default:"64"`
	ProgressEvery int `envconfig:"IMPORT_PROGRESS_EVERY" default:"25"`
}

type JobStatusConfig struct {
	RedisURL string        `envconfig:"REDIS_URL"`
	TTL      time.Duration `envconfig:"JOB_STATUS_TTL" default:"24h"`
}
