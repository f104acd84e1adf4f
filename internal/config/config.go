// Package config loads docingest configuration from defaults, an optional
// YAML file, a .env file and DOCINGEST_* environment variables, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/docingest/internal/domain"
	"github.com/dvloznov/docingest/internal/tier"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendSQLite   = "sqlite"
	BackendBigQuery = "bigquery"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
)

// Config represents the complete application configuration
type Config struct {
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Server struct {
		Port                string `mapstructure:"port"`
		ReadTimeoutSeconds  int    `mapstructure:"read_timeout_seconds"`
		WriteTimeoutSeconds int    `mapstructure:"write_timeout_seconds"`
		MaxUploadMB         int    `mapstructure:"max_upload_mb"`
	} `mapstructure:"server"`

	GCP struct {
		ProjectID string `mapstructure:"project_id"`
		Dataset   string `mapstructure:"dataset"`
	} `mapstructure:"gcp"`

	Storage struct {
		Backend    string `mapstructure:"backend"`
		SQLitePath string `mapstructure:"sqlite_path"`
	} `mapstructure:"storage"`

	Budget struct {
		Monthly      string  `mapstructure:"monthly"`
		WarnRatio    float64 `mapstructure:"warn_ratio"`
		HistoryLimit int     `mapstructure:"history_limit"`
		Store        string  `mapstructure:"store"`
	} `mapstructure:"budget"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Key      string `mapstructure:"key"`
	} `mapstructure:"redis"`

	Archive struct {
		Bucket string `mapstructure:"bucket"`
		Prefix string `mapstructure:"prefix"`
	} `mapstructure:"archive"`

	OCR struct {
		Language      string `mapstructure:"language"`
		DetectTables  bool   `mapstructure:"detect_tables"`
		PdftotextPath string `mapstructure:"pdftotext_path"`
		TesseractPath string `mapstructure:"tesseract_path"`
	} `mapstructure:"ocr"`

	Extraction struct {
		APIKey      string  `mapstructure:"api_key"`
		Temperature float64 `mapstructure:"temperature"`
	} `mapstructure:"extraction"`

	Pipeline struct {
		OCRTimeoutSeconds     int `mapstructure:"ocr_timeout_seconds"`
		ExtractTimeoutSeconds int `mapstructure:"extract_timeout_seconds"`
		StoreTimeoutSeconds   int `mapstructure:"store_timeout_seconds"`
		Concurrency           int `mapstructure:"concurrency"`
	} `mapstructure:"pipeline"`

	Queue struct {
		BufferSize int `mapstructure:"buffer_size"`
		Workers    int `mapstructure:"workers"`
		MaxRetries int `mapstructure:"max_retries"`
	} `mapstructure:"queue"`

	Tiers []TierConfig `mapstructure:"tiers"`
}

// TierConfig overrides one catalog entry.
type TierConfig struct {
	Name          string  `mapstructure:"name"`
	Engine        string  `mapstructure:"engine"`
	Model         string  `mapstructure:"model"`
	Cost          string  `mapstructure:"cost"`
	Accuracy      float64 `mapstructure:"accuracy"`
	LatencyMS     int     `mapstructure:"latency_ms"`
	MaxFileSizeMB int     `mapstructure:"max_file_size_mb"`
	MinConfidence float64 `mapstructure:"min_confidence"`
	MaxComplexity string  `mapstructure:"max_complexity"`
	MinUserTier   string  `mapstructure:"min_user_tier"`
}

// Load builds the configuration. configFile may be empty, in which case
// config.yaml is looked up in the working directory and $HOME/.docingest.
func Load(configFile string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.docingest")
	}

	v.SetEnvPrefix("DOCINGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := v.BindEnv("extraction.api_key", "DOCINGEST_EXTRACTION_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"); err != nil {
		return nil, fmt.Errorf("bind api key: %w", err)
	}
	if err := v.BindEnv("gcp.project_id", "DOCINGEST_GCP_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"); err != nil {
		return nil, fmt.Errorf("bind project id: %w", err)
	}
	if err := v.BindEnv("archive.bucket", "DOCINGEST_ARCHIVE_BUCKET", "GCS_BUCKET"); err != nil {
		return nil, fmt.Errorf("bind archive bucket: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout_seconds", 60)
	v.SetDefault("server.write_timeout_seconds", 180)
	v.SetDefault("server.max_upload_mb", 50)

	v.SetDefault("gcp.dataset", "finance")

	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.sqlite_path", "docingest.db")

	v.SetDefault("budget.monthly", "25.00")
	v.SetDefault("budget.warn_ratio", 0.9)
	v.SetDefault("budget.history_limit", 100)
	v.SetDefault("budget.store", BackendSQLite)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "docingest:ledger")

	v.SetDefault("archive.prefix", "uploads")

	v.SetDefault("ocr.language", "eng")
	v.SetDefault("ocr.detect_tables", true)
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("ocr.tesseract_path", "tesseract")

	v.SetDefault("extraction.temperature", 0.1)

	v.SetDefault("pipeline.ocr_timeout_seconds", 120)
	v.SetDefault("pipeline.extract_timeout_seconds", 90)
	v.SetDefault("pipeline.store_timeout_seconds", 30)
	v.SetDefault("pipeline.concurrency", 4)

	v.SetDefault("queue.buffer_size", 100)
	v.SetDefault("queue.workers", 5)
	v.SetDefault("queue.max_retries", 3)
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be 'console' or 'json', got %q", c.Log.Format)
	}
	switch c.Storage.Backend {
	case BackendSQLite, BackendBigQuery:
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", BackendSQLite, BackendBigQuery, c.Storage.Backend)
	}
	if c.Storage.Backend == BackendBigQuery && c.GCP.ProjectID == "" {
		return fmt.Errorf("gcp.project_id is required for the bigquery backend")
	}
	switch c.Budget.Store {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("budget.store must be memory, sqlite or redis, got %q", c.Budget.Store)
	}
	if _, err := c.MonthlyBudget(); err != nil {
		return err
	}
	if c.Budget.WarnRatio <= 0 || c.Budget.WarnRatio > 1 {
		return fmt.Errorf("budget.warn_ratio must be in (0,1], got %f", c.Budget.WarnRatio)
	}
	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("pipeline.concurrency must be at least 1, got %d", c.Pipeline.Concurrency)
	}
	if len(c.Tiers) > 0 {
		if _, err := c.TierCatalog(); err != nil {
			return err
		}
	}
	return nil
}

// MonthlyBudget parses the configured budget.
func (c *Config) MonthlyBudget() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Budget.Monthly)
	if err != nil {
		return decimal.Zero, fmt.Errorf("budget.monthly %q: %w", c.Budget.Monthly, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("budget.monthly must not be negative, got %s", d)
	}
	return d, nil
}

// TierCatalog returns the configured catalog, or the built-in one when no
// tiers are configured.
func (c *Config) TierCatalog() (*tier.Catalog, error) {
	if len(c.Tiers) == 0 {
		return tier.DefaultCatalog(), nil
	}
	tiers := make([]tier.Tier, 0, len(c.Tiers))
	for _, tc := range c.Tiers {
		cost, err := decimal.NewFromString(tc.Cost)
		if err != nil {
			return nil, fmt.Errorf("tier %q cost: %w", tc.Name, err)
		}
		complexity, err := tier.ParseComplexity(tc.MaxComplexity)
		if err != nil {
			return nil, fmt.Errorf("tier %q: %w", tc.Name, err)
		}
		userTier, err := domain.ParseUserTier(tc.MinUserTier)
		if err != nil {
			return nil, fmt.Errorf("tier %q: %w", tc.Name, err)
		}
		tiers = append(tiers, tier.Tier{
			Name:          tc.Name,
			Engine:        tc.Engine,
			Model:         tc.Model,
			Cost:          cost,
			Accuracy:      tc.Accuracy,
			Latency:       time.Duration(tc.LatencyMS) * time.Millisecond,
			MaxFileSize:   int64(tc.MaxFileSizeMB) << 20,
			MinConfidence: tc.MinConfidence,
			MaxComplexity: complexity,
			MinUserTier:   userTier,
		})
	}
	return tier.NewCatalog(tiers)
}

// Seconds converts a configured second count into a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
