package dataservice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/factfeed/factfeed/internal/cache"
	appcfg "github.com/factfeed/factfeed/internal/config"
	"github.com/factfeed/factfeed/internal/errors"
	"github.com/factfeed/factfeed/internal/etl"
	"github.com/factfeed/factfeed/internal/facts"
	"github.com/factfeed/factfeed/internal/storage"
	"github.com/factfeed/factfeed/internal/storage/query"
)

type stubFetcher struct {
	mu    sync.Mutex
	calls int
	data  map[string][]facts.FinancialFact
}

func (f *stubFetcher) FetchCompanyData(_ context.Context, ticker string) (facts.CompanyInfo, []facts.FinancialFact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	ff, ok := f.data[ticker]
	if !ok {
		return facts.CompanyInfo{}, nil, errors.NewTickerNotFound(ticker)
	}
	return facts.CompanyInfo{Ticker: ticker, CIK: "0000000001", Name: ticker}, ff, nil
}

func annualFact(label string, value float64, year int) facts.FinancialFact {
	v := value
	return facts.FinancialFact{
		Label:        label,
		Value:        &v,
		Unit:         facts.UnitUSD,
		EndDate:      time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC),
		FiscalYear:   year,
		FiscalPeriod: "FY",
	}
}

func testService(t *testing.T, fetcher etl.Fetcher) *Service {
	t.Helper()

	cfg := appcfg.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Cache.TTL = time.Minute
	cfg.Cache.SweepInterval = time.Minute

	store, err := storage.New(cfg.Storage)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	pipeline, err := etl.NewPipeline(cfg.ETL, fetcher, store)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	queries, err := query.NewService(appcfg.QueryConfig{MemoryLimit: "256MB", Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("new query service: %v", err)
	}

	s := New(*cfg, store, pipeline, queries, cache.New(cfg.Cache))
	t.Cleanup(s.Close)
	return s
}

func TestGetCompanyData_Cached(t *testing.T) {
	year := time.Now().Year()
	fetcher := &stubFetcher{data: map[string][]facts.FinancialFact{
		"AAPL": {annualFact("Revenues", 100, year)},
	}}
	s := testService(t, fetcher)

	if _, err := s.FetchOnDemand(context.Background(), "AAPL"); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	first, err := s.GetCompanyData(context.Background(), "aapl", 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first.Ticker != "AAPL" || len(first.Facts) != 1 {
		t.Errorf("data = %+v", first)
	}

	// Second read is served from cache.
	before := s.cache.Stats().Hits
	if _, err := s.GetCompanyData(context.Background(), "AAPL", 0); err != nil {
		t.Fatalf("cached get: %v", err)
	}
	if s.cache.Stats().Hits != before+1 {
		t.Error("second read should hit the cache")
	}
}

func TestGetCompanyData_Unknown(t *testing.T) {
	s := testService(t, &stubFetcher{data: map[string][]facts.FinancialFact{}})

	if _, err := s.GetCompanyData(context.Background(), "ZZZZ", 0); !errors.Is(err, errors.ErrEntityNotFound) {
		t.Errorf("expected entity-not-found, got %v", err)
	}
	if _, err := s.GetCompanyData(context.Background(), "  ", 0); !errors.Is(err, errors.ErrInvalidTicker) {
		t.Errorf("expected invalid-ticker, got %v", err)
	}
}

func TestGetMetricSeries(t *testing.T) {
	year := time.Now().Year()
	fetcher := &stubFetcher{data: map[string][]facts.FinancialFact{
		"AAPL": {
			annualFact("Revenues", 100, year-1),
			annualFact("Revenues", 120, year),
			annualFact("NetIncomeLoss", 30, year),
		},
	}}
	s := testService(t, fetcher)

	if _, err := s.FetchOnDemand(context.Background(), "AAPL"); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	series, err := s.GetMetricSeries(context.Background(), "AAPL", "revenue", facts.PeriodAnnual, 5)
	if err != nil {
		t.Fatalf("metric series: %v", err)
	}
	if len(series.Points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(series.Points))
	}
	if series.Points[1].Value != 120 {
		t.Errorf("latest point = %+v", series.Points[1])
	}
}

func TestCompareEntities_PartialFailure(t *testing.T) {
	year := time.Now().Year()
	fetcher := &stubFetcher{data: map[string][]facts.FinancialFact{
		"AAPL": {annualFact("Revenues", 100, year)},
	}}
	s := testService(t, fetcher)

	if _, err := s.FetchOnDemand(context.Background(), "AAPL"); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	cmp, err := s.CompareEntities(context.Background(), []string{"AAPL", "ZZZZ"}, "revenue", facts.PeriodAnnual, 5)
	if err != nil {
		t.Fatalf("one missing entity must not fail the comparison: %v", err)
	}
	if _, ok := cmp.Series["AAPL"]; !ok {
		t.Error("AAPL series missing")
	}
	if cmp.Errors["ZZZZ"] == "" {
		t.Error("ZZZZ should carry an error entry")
	}

	// All entities missing fails.
	if _, err := s.CompareEntities(context.Background(), []string{"YYYY", "ZZZZ"}, "revenue", facts.PeriodAnnual, 5); err == nil {
		t.Error("comparison with no data at all should fail")
	}
}

func TestFetchOnDemand_InvalidatesCache(t *testing.T) {
	year := time.Now().Year()
	fetcher := &stubFetcher{data: map[string][]facts.FinancialFact{
		"AAPL": {annualFact("Revenues", 100, year)},
	}}
	s := testService(t, fetcher)

	if _, err := s.FetchOnDemand(context.Background(), "AAPL"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if _, err := s.GetCompanyData(context.Background(), "AAPL", 0); err != nil {
		t.Fatalf("get: %v", err)
	}

	// New payload; refetch must purge the cached read.
	fetcher.mu.Lock()
	fetcher.data["AAPL"] = []facts.FinancialFact{
		annualFact("Revenues", 100, year),
		annualFact("Revenues", 90, year-1),
	}
	fetcher.mu.Unlock()

	jobs, err := s.RunFullRefresh(context.Background(), []string{"AAPL"})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != etl.StatusCompleted {
		t.Fatalf("refresh jobs = %+v", jobs)
	}

	data, err := s.GetCompanyData(context.Background(), "AAPL", 0)
	if err != nil {
		t.Fatalf("get after refresh: %v", err)
	}
	if len(data.Facts) != 2 {
		t.Errorf("expected refreshed data, got %d facts", len(data.Facts))
	}
}

func TestFreshnessAndStats(t *testing.T) {
	year := time.Now().Year()
	fetcher := &stubFetcher{data: map[string][]facts.FinancialFact{
		"AAPL": {annualFact("Revenues", 100, year)},
	}}
	s := testService(t, fetcher)

	if _, err := s.GetFreshness("AAPL"); !errors.Is(err, errors.ErrEntityNotFound) {
		t.Errorf("expected entity-not-found before fetch, got %v", err)
	}

	if _, err := s.FetchOnDemand(context.Background(), "AAPL"); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	f, err := s.GetFreshness("aapl")
	if err != nil {
		t.Fatalf("freshness: %v", err)
	}
	if f.Ticker != "AAPL" || len(f.AnnualYears) != 1 {
		t.Errorf("freshness = %+v", f)
	}

	stats := s.StorageStats()
	if stats.EntityCount != 1 || stats.FileCount != 1 {
		t.Errorf("storage stats = %+v", stats)
	}

	ps := s.PipelineStats()
	if ps.TotalJobs != 1 || ps.Completed != 1 {
		t.Errorf("pipeline stats = %+v", ps)
	}

	if err := s.MarkForUpdate("AAPL"); err != nil {
		t.Fatalf("mark for update: %v", err)
	}
	f, _ = s.GetFreshness("AAPL")
	if !f.NeedsUpdate {
		t.Error("needs-update flag should be set")
	}
}

func TestGetFreshness_CachedAndInvalidated(t *testing.T) {
	year := time.Now().Year()
	fetcher := &stubFetcher{data: map[string][]facts.FinancialFact{
		"AAPL": {annualFact("Revenues", 100, year)},
	}}
	s := testService(t, fetcher)

	if _, err := s.FetchOnDemand(context.Background(), "AAPL"); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if _, err := s.GetFreshness("AAPL"); err != nil {
		t.Fatalf("freshness: %v", err)
	}

	before := s.cache.Stats().Hits
	if _, err := s.GetFreshness("aapl"); err != nil {
		t.Fatalf("cached freshness: %v", err)
	}
	if s.cache.Stats().Hits != before+1 {
		t.Error("second freshness read should hit the cache")
	}

	// Flagging an entity must be visible through the cache.
	if err := s.MarkForUpdate("AAPL"); err != nil {
		t.Fatalf("mark for update: %v", err)
	}
	f, err := s.GetFreshness("AAPL")
	if err != nil {
		t.Fatalf("freshness after mark: %v", err)
	}
	if !f.NeedsUpdate {
		t.Error("needs-update flag hidden by a stale cache entry")
	}
}

func TestGetCompanyData_MissTriggersBackgroundFetch(t *testing.T) {
	year := time.Now().Year()
	fetcher := &stubFetcher{data: map[string][]facts.FinancialFact{
		"AAPL": {annualFact("Revenues", 100, year)},
	}}
	s := testService(t, fetcher)

	// Nothing stored yet: the read misses but warms the store.
	if _, err := s.GetCompanyData(context.Background(), "AAPL", 0); !errors.Is(err, errors.ErrEntityNotFound) {
		t.Fatalf("expected miss, got %v", err)
	}

	s.fetchGroup.Wait()

	data, err := s.GetCompanyData(context.Background(), "AAPL", 0)
	if err != nil {
		t.Fatalf("read after background fetch: %v", err)
	}
	if len(data.Facts) != 1 {
		t.Errorf("facts = %d, want 1", len(data.Facts))
	}
}

func TestRunIncrementalETL_DefaultsToStoredTickers(t *testing.T) {
	year := time.Now().Year()
	fetcher := &stubFetcher{data: map[string][]facts.FinancialFact{
		"AAPL": {annualFact("Revenues", 100, year)},
	}}
	s := testService(t, fetcher)

	if _, err := s.FetchOnDemand(context.Background(), "AAPL"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.MarkForUpdate("AAPL"); err != nil {
		t.Fatalf("mark: %v", err)
	}

	jobs, err := s.RunIncrementalETL(context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Ticker != "AAPL" {
		t.Errorf("jobs = %+v, want one AAPL job", jobs)
	}
}

func TestResolveMetric(t *testing.T) {
	labels := resolveMetric("Revenue")
	if len(labels) < 2 {
		t.Errorf("known metric should expand to label candidates, got %v", labels)
	}

	raw := resolveMetric("SomeObscureConcept")
	if len(raw) != 1 || raw[0] != "SomeObscureConcept" {
		t.Errorf("unknown metric should pass through, got %v", raw)
	}
}
