// Package config loads and validates the application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/factfeed/factfeed/config"
	"github.com/factfeed/factfeed/internal/errors"
)

// Config represents the complete application configuration.
type Config struct {
	// EDGAR configures the remote facts client.
	EDGAR EDGARConfig `yaml:"edgar"`

	// Storage configures the partition store.
	Storage StorageConfig `yaml:"storage"`

	// ETL configures the pipeline orchestrator.
	ETL ETLConfig `yaml:"etl"`

	// Cache configures the in-process read cache.
	Cache CacheConfig `yaml:"cache"`

	// Query configures the DuckDB metric query service.
	Query QueryConfig `yaml:"query"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// EDGARConfig configures the remote facts client.
type EDGARConfig struct {
	// FactsBaseURL is the company-facts endpoint prefix.
	FactsBaseURL string `yaml:"facts_base_url"`

	// TickersURL is the bulk ticker directory endpoint.
	TickersURL string `yaml:"tickers_url"`

	// UserAgent is the required identifying client header.
	UserAgent string `yaml:"user_agent"`

	// TimeoutSec is the per-request HTTP timeout in seconds.
	TimeoutSec int `yaml:"timeout_sec"`

	// RetryAttempts is the retry ceiling for 429 and network errors.
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryDelaySec is the base delay for linear backoff in seconds.
	RetryDelaySec int `yaml:"retry_delay_sec"`

	// RequestsPerSecond caps outbound request rate.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// StorageConfig configures the partition store.
type StorageConfig struct {
	// DataDir is the root directory for partition files and metadata.
	DataDir string `yaml:"data_dir"`

	// Compression is the Parquet compression algorithm: snappy, zstd, lz4, none.
	Compression string `yaml:"compression"`

	// CompressionLevel is the compression level (for zstd: 1-22).
	CompressionLevel int `yaml:"compression_level"`
}

// ETLConfig configures the pipeline orchestrator.
type ETLConfig struct {
	// TickersFile is a JSON file holding the default entity universe.
	TickersFile string `yaml:"tickers_file"`

	// MaxConcurrentDownloads bounds concurrent fetch jobs.
	MaxConcurrentDownloads int `yaml:"max_concurrent_downloads"`

	// SkipUnchanged short-circuits jobs whose remote data is identical
	// to what is already stored.
	SkipUnchanged bool `yaml:"skip_unchanged"`

	// JobHistoryLimit caps the persisted job history.
	JobHistoryLimit int `yaml:"job_history_limit"`

	// Schedule is the cron spec for the incremental ETL run.
	// Empty disables the scheduler.
	Schedule string `yaml:"schedule"`
}

// CacheConfig configures the in-process read cache.
type CacheConfig struct {
	// TTL is the default entry time-to-live.
	TTL time.Duration `yaml:"-"`

	// MaxEntries caps the number of live entries.
	MaxEntries int `yaml:"max_entries"`

	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration `yaml:"-"`
}

// UnmarshalYAML decodes duration fields from strings like "30m".
// Absent fields keep their prior (default) values.
func (c *CacheConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		TTL           string `yaml:"ttl"`
		MaxEntries    int    `yaml:"max_entries"`
		SweepInterval string `yaml:"sweep_interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.TTL != "" {
		d, err := time.ParseDuration(raw.TTL)
		if err != nil {
			return fmt.Errorf("cache.ttl: %w", err)
		}
		c.TTL = d
	}
	if raw.MaxEntries != 0 {
		c.MaxEntries = raw.MaxEntries
	}
	if raw.SweepInterval != "" {
		d, err := time.ParseDuration(raw.SweepInterval)
		if err != nil {
			return fmt.Errorf("cache.sweep_interval: %w", err)
		}
		c.SweepInterval = d
	}
	return nil
}

// QueryConfig configures the DuckDB metric query service.
type QueryConfig struct {
	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`

	// Timeout is the metric query timeout.
	Timeout time.Duration `yaml:"-"`
}

// UnmarshalYAML decodes the timeout from a duration string.
func (q *QueryConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MemoryLimit string `yaml:"memory_limit"`
		Timeout     string `yaml:"timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.MemoryLimit != "" {
		q.MemoryLimit = raw.MemoryLimit
	}
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("query.timeout: %w", err)
		}
		q.Timeout = d
	}
	return nil
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON switches output to JSON format.
	JSON bool `yaml:"json"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		EDGAR: EDGARConfig{
			FactsBaseURL:      config.DefaultFactsBaseURL,
			TickersURL:        config.DefaultTickersURL,
			UserAgent:         config.DefaultUserAgent,
			TimeoutSec:        config.DefaultRequestTimeoutSec,
			RetryAttempts:     config.DefaultRetryAttempts,
			RetryDelaySec:     config.DefaultRetryDelaySec,
			RequestsPerSecond: config.DefaultRequestsPerSecond,
		},
		Storage: StorageConfig{
			DataDir:          config.DefaultDataDir,
			Compression:      config.DefaultCompression,
			CompressionLevel: config.DefaultCompressionLevel,
		},
		ETL: ETLConfig{
			MaxConcurrentDownloads: config.DefaultMaxConcurrentDownloads,
			SkipUnchanged:          true,
			JobHistoryLimit:        config.DefaultJobHistoryLimit,
			Schedule:               config.DefaultETLSchedule,
		},
		Cache: CacheConfig{
			TTL:           config.DefaultCacheTTL,
			MaxEntries:    config.DefaultCacheMaxEntries,
			SweepInterval: config.DefaultCacheSweepInterval,
		},
		Query: QueryConfig{
			MemoryLimit: config.DefaultQueryMemoryLimit,
			Timeout:     config.DefaultQueryTimeout,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.EDGAR.UserAgent == "" {
		return errors.NewMissingField("edgar.user_agent")
	}
	if c.EDGAR.RequestsPerSecond <= 0 {
		return errors.NewValidation("edgar.requests_per_second", "must be positive")
	}
	if c.EDGAR.RetryAttempts < 0 {
		return errors.NewValidation("edgar.retry_attempts", "must be non-negative")
	}
	if c.Storage.DataDir == "" {
		return errors.NewMissingField("storage.data_dir")
	}
	switch c.Storage.Compression {
	case "", "none", "snappy", "zstd", "lz4", "gzip":
	default:
		return errors.NewValidation("storage.compression", "unknown algorithm "+c.Storage.Compression)
	}
	if c.ETL.MaxConcurrentDownloads <= 0 {
		return errors.NewValidation("etl.max_concurrent_downloads", "must be positive")
	}
	if c.ETL.JobHistoryLimit <= 0 {
		return errors.NewValidation("etl.job_history_limit", "must be positive")
	}
	if c.Cache.TTL <= 0 {
		return errors.NewValidation("cache.ttl", "must be positive")
	}
	if c.Cache.MaxEntries <= 0 {
		return errors.NewValidation("cache.max_entries", "must be positive")
	}
	return nil
}

// EnsureDirectories creates the data and metadata directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.MetadataDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// MetadataDir returns the sidecar metadata directory.
func (c *Config) MetadataDir() string {
	return filepath.Join(c.Storage.DataDir, "metadata")
}

// tickersFile is the JSON shape of the ticker universe file.
type tickersFile struct {
	Tickers []string `json:"tickers"`
}

// TickerUniverse loads the configured entity universe. Tickers are
// upper-cased and de-duplicated preserving order.
func (c *Config) TickerUniverse() ([]string, error) {
	if c.ETL.TickersFile == "" {
		return nil, nil
	}

	data, err := os.ReadFile(c.ETL.TickersFile)
	if err != nil {
		return nil, fmt.Errorf("read tickers file: %w", err)
	}

	var tf tickersFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse tickers file: %w", err)
	}

	seen := make(map[string]bool, len(tf.Tickers))
	out := make([]string, 0, len(tf.Tickers))
	for _, t := range tf.Tickers {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}
