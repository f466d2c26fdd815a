// Package config provides configuration defaults and utilities
// for the factfeed application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml.
package config

import "time"

// =============================================================================
// EDGAR Client Defaults
// =============================================================================

const (
	// DefaultFactsBaseURL is the company-facts endpoint prefix. A CIK is
	// appended as CIK##########.json.
	// Override via config: edgar.facts_base_url
	DefaultFactsBaseURL = "https://data.sec.gov/api/xbrl/companyfacts"

	// DefaultTickersURL is the bulk ticker->CIK directory endpoint.
	// Override via config: edgar.tickers_url
	DefaultTickersURL = "https://www.sec.gov/files/company_tickers.json"

	// DefaultUserAgent identifies the client to the remote service.
	// The facts service rejects requests without an identifying agent.
	// Override via config: edgar.user_agent
	DefaultUserAgent = "factfeed/1.0 (data@factfeed.dev)"

	// DefaultRequestTimeoutSec is the per-request HTTP timeout.
	// Override via config: edgar.timeout_sec
	DefaultRequestTimeoutSec = 30

	// DefaultRetryAttempts is the retry ceiling for 429 and network errors.
	// Override via config: edgar.retry_attempts
	DefaultRetryAttempts = 3

	// DefaultRetryDelaySec is the base delay for linear backoff on
	// network-level failures. The effective delay is base * attempt.
	// Override via config: edgar.retry_delay_sec
	DefaultRetryDelaySec = 1

	// DefaultRequestsPerSecond caps outbound request rate. The remote
	// service enforces 10 req/s per client.
	// Override via config: edgar.requests_per_second
	DefaultRequestsPerSecond = 10

	// DefaultTickerCacheTTL is how long the ticker->CIK directory is
	// trusted before it is re-fetched.
	DefaultTickerCacheTTL = 24 * time.Hour
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultDataDir is the root directory for partition files and
	// metadata sidecars.
	// Override via config: storage.data_dir
	DefaultDataDir = "/var/lib/factfeed/data"

	// DefaultCompression is the Parquet column compression algorithm.
	// Override via config: storage.compression
	DefaultCompression = "zstd"

	// DefaultCompressionLevel is the zstd compression level (1-22).
	// Override via config: storage.compression_level
	DefaultCompressionLevel = 3
)

// =============================================================================
// ETL Defaults
// =============================================================================

const (
	// DefaultMaxConcurrentDownloads bounds concurrent fetch jobs.
	// Override via config: etl.max_concurrent_downloads
	DefaultMaxConcurrentDownloads = 5

	// DefaultJobHistoryLimit caps the persisted job history.
	// Override via config: etl.job_history_limit
	DefaultJobHistoryLimit = 100

	// DefaultETLSchedule is the cron spec for the incremental ETL run.
	// Override via config: etl.schedule
	DefaultETLSchedule = "0 2 * * *"

	// Staleness policy thresholds. An entity whose last known filing is
	// recent gets refreshed more aggressively than one that has been
	// quiet for months.
	RecentFilingDays    = 30
	QuarterlyFilingDays = 90

	RefreshAgeRecent    = 24 * time.Hour
	RefreshAgeQuarterly = 72 * time.Hour
	RefreshAgeDormant   = 168 * time.Hour
)

// =============================================================================
// Cache Defaults
// =============================================================================

const (
	// DefaultCacheTTL is the default entry time-to-live.
	// Override via config: cache.ttl
	DefaultCacheTTL = time.Hour

	// DefaultCacheMaxEntries caps the number of live cache entries.
	// The least-recently-accessed entry is evicted at capacity.
	// Override via config: cache.max_entries
	DefaultCacheMaxEntries = 1000

	// DefaultCacheSweepInterval is how often the background sweep
	// removes expired entries.
	DefaultCacheSweepInterval = 60 * time.Second

	// MaxRawKeyLen is the longest composite cache key kept verbatim.
	// Longer keys are hashed down to a bounded length.
	MaxRawKeyLen = 200
)

// =============================================================================
// Query Defaults
// =============================================================================

const (
	// DefaultQueryMemoryLimit is the DuckDB memory limit.
	// Override via config: query.memory_limit
	DefaultQueryMemoryLimit = "1GB"

	// DefaultQueryTimeout is the metric query timeout.
	// Override via config: query.timeout
	DefaultQueryTimeout = 30 * time.Second

	// DefaultYearsBack is the year window applied when a caller does not
	// specify one.
	DefaultYearsBack = 5
)
