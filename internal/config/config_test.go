package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/factfeed/factfeed/internal/errors"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}

	if cfg.EDGAR.RequestsPerSecond != 10 {
		t.Errorf("requests per second = %v", cfg.EDGAR.RequestsPerSecond)
	}
	if cfg.Storage.Compression != "zstd" {
		t.Errorf("compression = %q", cfg.Storage.Compression)
	}
	if !cfg.ETL.SkipUnchanged {
		t.Error("skip-unchanged should default on")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
edgar:
  user_agent: "test-agent/1.0"
  requests_per_second: 2.5
storage:
  data_dir: /tmp/factfeed-test
  compression: snappy
etl:
  max_concurrent_downloads: 3
  schedule: "0 4 * * *"
cache:
  ttl: 30m
logging:
  level: debug
  json: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.EDGAR.UserAgent != "test-agent/1.0" {
		t.Errorf("user agent = %q", cfg.EDGAR.UserAgent)
	}
	if cfg.EDGAR.RequestsPerSecond != 2.5 {
		t.Errorf("requests per second = %v", cfg.EDGAR.RequestsPerSecond)
	}
	if cfg.Storage.Compression != "snappy" {
		t.Errorf("compression = %q", cfg.Storage.Compression)
	}
	if cfg.ETL.MaxConcurrentDownloads != 3 {
		t.Errorf("max concurrent downloads = %d", cfg.ETL.MaxConcurrentDownloads)
	}
	if cfg.Cache.TTL != 30*time.Minute {
		t.Errorf("cache ttl = %v", cfg.Cache.TTL)
	}

	// Unset fields keep their defaults.
	if cfg.EDGAR.RetryAttempts != 3 {
		t.Errorf("retry attempts = %d, want default 3", cfg.EDGAR.RetryAttempts)
	}
	if cfg.Query.MemoryLimit != "1GB" {
		t.Errorf("query memory limit = %q, want default", cfg.Query.MemoryLimit)
	}
}

func TestLoad_Missing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing config file must fail")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty user agent", func(c *Config) { c.EDGAR.UserAgent = "" }},
		{"zero request rate", func(c *Config) { c.EDGAR.RequestsPerSecond = 0 }},
		{"negative retries", func(c *Config) { c.EDGAR.RetryAttempts = -1 }},
		{"empty data dir", func(c *Config) { c.Storage.DataDir = "" }},
		{"bad compression", func(c *Config) { c.Storage.Compression = "bzip2" }},
		{"zero concurrency", func(c *Config) { c.ETL.MaxConcurrentDownloads = 0 }},
		{"zero history limit", func(c *Config) { c.ETL.JobHistoryLimit = 0 }},
		{"zero cache ttl", func(c *Config) { c.Cache.TTL = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); !errors.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestTickerUniverse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tickers.json")
	content := `{"tickers": ["aapl", "MSFT", " googl ", "AAPL", ""]}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write tickers: %v", err)
	}

	cfg := DefaultConfig()
	cfg.ETL.TickersFile = path

	tickers, err := cfg.TickerUniverse()
	if err != nil {
		t.Fatalf("universe: %v", err)
	}

	want := []string{"AAPL", "MSFT", "GOOGL"}
	if len(tickers) != len(want) {
		t.Fatalf("tickers = %v, want %v", tickers, want)
	}
	for i := range want {
		if tickers[i] != want[i] {
			t.Errorf("tickers[%d] = %q, want %q", i, tickers[i], want[i])
		}
	}
}

func TestTickerUniverse_Unset(t *testing.T) {
	cfg := DefaultConfig()
	tickers, err := cfg.TickerUniverse()
	if err != nil || tickers != nil {
		t.Errorf("unset universe should be nil/nil, got %v/%v", tickers, err)
	}
}
