// Package dataservice is the read/refresh facade over the pipeline:
// cached company data, metric series, comparisons, freshness, and the
// ETL entry points.
package dataservice

import (
	"context"
	"strings"
	"sync"

	"github.com/factfeed/factfeed/config"
	"github.com/factfeed/factfeed/internal/cache"
	appcfg "github.com/factfeed/factfeed/internal/config"
	"github.com/factfeed/factfeed/internal/errors"
	"github.com/factfeed/factfeed/internal/etl"
	"github.com/factfeed/factfeed/internal/facts"
	"github.com/factfeed/factfeed/internal/logging"
	"github.com/factfeed/factfeed/internal/storage"
	"github.com/factfeed/factfeed/internal/storage/query"
)

var log = logging.Component("dataservice")

// metricLabels maps friendly metric names to the XBRL label fragments
// that identify them. Matching is case-insensitive substring.
var metricLabels = map[string][]string{
	"revenue":              {"Revenues", "RevenueFromContractWithCustomer", "SalesRevenueNet"},
	"net_income":           {"NetIncomeLoss", "ProfitLoss"},
	"total_assets":         {"Assets"},
	"total_liabilities":    {"Liabilities"},
	"cash":                 {"CashAndCashEquivalents", "CashCashEquivalentsRestrictedCash"},
	"shareholders_equity":  {"StockholdersEquity"},
	"earnings_per_share":   {"EarningsPerShareBasic", "EarningsPerShareDiluted"},
	"operating_income":     {"OperatingIncomeLoss"},
	"gross_profit":         {"GrossProfit"},
	"research_development": {"ResearchAndDevelopmentExpense"},
	"debt":                 {"LongTermDebt", "DebtCurrent", "LongTermDebtNoncurrent"},
}

// MetricNames returns the supported friendly metric names, unsorted.
func MetricNames() []string {
	names := make([]string, 0, len(metricLabels))
	for name := range metricLabels {
		names = append(names, name)
	}
	return names
}

// resolveMetric maps a requested metric to label candidates. Unknown
// names fall through as a literal label fragment, so callers can query
// raw XBRL concepts directly.
func resolveMetric(metric string) []string {
	if labels, ok := metricLabels[strings.ToLower(metric)]; ok {
		return labels
	}
	log.Debug("unknown metric name, querying as raw label", "metric", metric)
	return []string{metric}
}

// CompanyData is the full stored dataset for one entity.
type CompanyData struct {
	Ticker string                `json:"ticker"`
	Facts  []facts.FinancialFact `json:"facts"`
	Years  int                   `json:"years,omitempty"`
}

// MetricSeries is one entity's time series for a metric.
type MetricSeries struct {
	Ticker string              `json:"ticker"`
	Metric string              `json:"metric"`
	Period facts.Period        `json:"period"`
	Points []query.MetricPoint `json:"points"`
}

// Comparison holds the same metric series across several entities.
// Entities with no data carry an error string instead of points.
type Comparison struct {
	Metric string                  `json:"metric"`
	Period facts.Period            `json:"period"`
	Series map[string]MetricSeries `json:"series"`
	Errors map[string]string       `json:"errors,omitempty"`
}

// Service wires the client, store, pipeline, query engine and cache
// behind one API.
type Service struct {
	cfg      appcfg.Config
	store    *storage.Manager
	pipeline *etl.Pipeline
	queries  *query.Service
	cache    *cache.Cache

	// Tickers with a background fetch already in flight, so repeated
	// read misses do not pile up goroutines.
	fetchMu    sync.Mutex
	fetching   map[string]bool
	fetchGroup sync.WaitGroup
}

// New assembles a Service from already-constructed components.
func New(cfg appcfg.Config, store *storage.Manager, pipeline *etl.Pipeline, queries *query.Service, c *cache.Cache) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		pipeline: pipeline,
		queries:  queries,
		cache:    c,
		fetching: make(map[string]bool),
	}
}

// Close waits for background fetches and releases the query engine and
// cache.
func (s *Service) Close() {
	s.fetchGroup.Wait()
	s.queries.Close()
	s.cache.Close()
}

// GetCompanyData returns an entity's stored facts, optionally limited
// to the most recent years. Results are cached.
func (s *Service) GetCompanyData(ctx context.Context, ticker string, years int) (CompanyData, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return CompanyData{}, errors.ErrInvalidTicker
	}

	key := cache.CompanyKey(ticker, years)
	if v, ok := s.cache.Get(key); ok {
		return v.(CompanyData), nil
	}

	ff, err := s.store.LoadFacts(ticker, years)
	if err != nil {
		// "Not available yet": the caller gets the miss immediately
		// and a background fetch warms the store for the next read.
		if errors.Is(err, errors.ErrEntityNotFound) {
			s.fetchInBackground(ticker)
		}
		return CompanyData{}, err
	}

	data := CompanyData{Ticker: ticker, Facts: ff, Years: years}
	s.cache.Set(key, data)
	return data, nil
}

// GetMetricSeries returns one metric's time series for an entity.
// Results are cached.
func (s *Service) GetMetricSeries(ctx context.Context, ticker, metric string, period facts.Period, yearsBack int) (MetricSeries, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return MetricSeries{}, errors.ErrInvalidTicker
	}
	if yearsBack <= 0 {
		yearsBack = config.DefaultYearsBack
	}

	key := cache.MetricKey(ticker, metric, string(period), yearsBack)
	if v, ok := s.cache.Get(key); ok {
		return v.(MetricSeries), nil
	}

	globs := s.store.EntityGlobs(ticker, period)
	points, err := s.queries.MetricSeries(ctx, globs, resolveMetric(metric), period, yearsBack)
	if err != nil {
		return MetricSeries{}, err
	}

	series := MetricSeries{Ticker: ticker, Metric: metric, Period: period, Points: points}
	s.cache.Set(key, series)
	return series, nil
}

// CompareEntities returns the same metric series for several entities.
// A ticker with no data contributes an error entry, never a failure of
// the whole comparison.
func (s *Service) CompareEntities(ctx context.Context, tickers []string, metric string, period facts.Period, yearsBack int) (Comparison, error) {
	if len(tickers) == 0 {
		return Comparison{}, errors.NewValidation("tickers", "empty")
	}
	if yearsBack <= 0 {
		yearsBack = config.DefaultYearsBack
	}

	key := cache.ComparisonKey(tickers, metric, string(period), yearsBack)
	if v, ok := s.cache.Get(key); ok {
		return v.(Comparison), nil
	}

	cmp := Comparison{
		Metric: metric,
		Period: period,
		Series: make(map[string]MetricSeries, len(tickers)),
		Errors: make(map[string]string),
	}

	for _, raw := range tickers {
		ticker := strings.ToUpper(strings.TrimSpace(raw))
		series, err := s.GetMetricSeries(ctx, ticker, metric, period, yearsBack)
		if err != nil {
			cmp.Errors[ticker] = err.Error()
			continue
		}
		cmp.Series[ticker] = series
	}

	if len(cmp.Series) == 0 {
		return Comparison{}, errors.Wrap(errors.ErrEntityNotFound, "no data for any compared entity")
	}
	if len(cmp.Errors) == 0 {
		cmp.Errors = nil
	}

	s.cache.Set(key, cmp)
	return cmp, nil
}

// GetFreshness returns the freshness record for an entity. Results are
// cached; refreshes invalidate the entry along with the entity's data.
func (s *Service) GetFreshness(ticker string) (facts.Freshness, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))

	key := cache.FreshnessKey(ticker)
	if v, ok := s.cache.Get(key); ok {
		return v.(facts.Freshness), nil
	}

	f, ok := s.store.Freshness(ticker)
	if !ok {
		return facts.Freshness{}, errors.NewEntityNotFound(ticker)
	}

	s.cache.Set(key, f)
	return f, nil
}

// StorageStats returns aggregate storage statistics.
func (s *Service) StorageStats() storage.Stats {
	return s.store.StorageStats()
}

// PipelineStats returns aggregate job statistics.
func (s *Service) PipelineStats() etl.PipelineStats {
	return s.pipeline.Stats()
}

// JobHistory returns recent jobs, newest first.
func (s *Service) JobHistory(limit int) []etl.Job {
	return s.pipeline.JobHistory(limit)
}

// fetchInBackground starts one asynchronous on-demand fetch per
// ticker. Outcomes land in the job history; nothing is returned to the
// triggering reader.
func (s *Service) fetchInBackground(ticker string) {
	s.fetchMu.Lock()
	if s.fetching[ticker] {
		s.fetchMu.Unlock()
		return
	}
	s.fetching[ticker] = true
	s.fetchMu.Unlock()

	s.fetchGroup.Add(1)
	go func() {
		defer s.fetchGroup.Done()
		defer func() {
			s.fetchMu.Lock()
			delete(s.fetching, ticker)
			s.fetchMu.Unlock()
		}()

		if _, err := s.FetchOnDemand(context.Background(), ticker); err != nil {
			log.Warn("background fetch failed", "ticker", ticker, "error", err)
		}
	}()
}

// RunIncrementalETL refreshes every stale entity and invalidates
// cached results for the entities that changed. An empty ticker list
// falls back to the configured universe, then to the stored tickers.
func (s *Service) RunIncrementalETL(ctx context.Context, tickers []string) ([]etl.Job, error) {
	tickers, err := s.defaultUniverse(tickers)
	if err != nil {
		return nil, err
	}

	jobs, err := s.pipeline.RunIncremental(ctx, tickers)

	for i := range jobs {
		if jobs[i].Status == etl.StatusCompleted && !jobs[i].Skipped {
			s.cache.InvalidateTicker(jobs[i].Ticker)
		}
	}
	return jobs, err
}

// defaultUniverse resolves an empty ticker list to the configured
// universe file, then to every stored ticker.
func (s *Service) defaultUniverse(tickers []string) ([]string, error) {
	if len(tickers) > 0 {
		return tickers, nil
	}

	universe, err := s.cfg.TickerUniverse()
	if err != nil {
		return nil, err
	}
	if len(universe) > 0 {
		return universe, nil
	}
	return s.store.ListTickers(), nil
}

// FetchOnDemand fetches one entity immediately and invalidates its
// cached results.
func (s *Service) FetchOnDemand(ctx context.Context, ticker string) (etl.Job, error) {
	job, err := s.pipeline.RunOnDemand(ctx, ticker)
	if err != nil {
		return job, err
	}

	if !job.Skipped {
		s.cache.InvalidateTicker(job.Ticker)
	}
	return job, nil
}

// RunFullRefresh rebuilds entities from scratch. An empty ticker list
// falls back to the configured universe, then to the stored tickers.
// Per-entity failures are isolated in the returned job records; only a
// cancelled context aborts the batch.
func (s *Service) RunFullRefresh(ctx context.Context, tickers []string) ([]etl.Job, error) {
	tickers, err := s.defaultUniverse(tickers)
	if err != nil {
		return nil, err
	}

	jobs, err := s.pipeline.RunFullRefreshBatch(ctx, tickers)

	// Stored data changed (or was deleted) for every entity a job ran
	// against.
	for i := range jobs {
		if jobs[i].Ticker != "" {
			s.cache.InvalidateTicker(jobs[i].Ticker)
		}
	}
	return jobs, err
}

// Cache exposes the underlying read cache to collaborators that need
// direct Get/Set/Delete/Exists/ClearAll access.
func (s *Service) Cache() *cache.Cache {
	return s.cache
}

// MarkForUpdate flags an entity so the next incremental run refreshes
// it regardless of age.
func (s *Service) MarkForUpdate(ticker string) error {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if err := s.store.SetNeedsUpdate(ticker, true); err != nil {
		return err
	}
	s.cache.Delete(cache.FreshnessKey(ticker))
	return nil
}

// ListTickers returns every stored ticker.
func (s *Service) ListTickers() []string {
	return s.store.ListTickers()
}
