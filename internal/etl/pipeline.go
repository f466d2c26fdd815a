package etl

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"golang.org/x/sync/semaphore"

	"github.com/factfeed/factfeed/config"
	appcfg "github.com/factfeed/factfeed/internal/config"
	"github.com/factfeed/factfeed/internal/errors"
	"github.com/factfeed/factfeed/internal/facts"
	"github.com/factfeed/factfeed/internal/logging"
	"github.com/factfeed/factfeed/internal/storage"
)

var log = logging.Component("etl")

const historyFile = "job_history.json"

// Fetcher retrieves a company's parsed facts from the remote service.
// *edgar.Client satisfies it.
type Fetcher interface {
	FetchCompanyData(ctx context.Context, ticker string) (facts.CompanyInfo, []facts.FinancialFact, error)
}

// Pipeline orchestrates fetch-and-store runs. One failing entity never
// aborts a run; each job carries its own outcome.
type Pipeline struct {
	cfg     appcfg.ETLConfig
	fetcher Fetcher
	store   *storage.Manager

	mu      sync.Mutex
	active  map[string]Job
	history []Job
	sketch  *ddsketch.DDSketch

	// Per-entity locks serialize jobs touching the same ticker, so a
	// scheduled run and an on-demand fetch cannot interleave writes.
	lockMu      sync.Mutex
	entityLocks map[string]*sync.Mutex
}

// PipelineStats summarizes job outcomes since startup (including
// history reloaded from disk).
type PipelineStats struct {
	TotalJobs   int       `json:"total_jobs"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	ActiveJobs  int       `json:"active_jobs"`
	SuccessRate float64   `json:"success_rate"`
	AvgDuration float64   `json:"avg_duration_seconds"`
	P50Duration float64   `json:"p50_duration_seconds"`
	P95Duration float64   `json:"p95_duration_seconds"`
	LastRunAt   time.Time `json:"last_run_at,omitempty"`
}

// NewPipeline creates a Pipeline and reloads persisted job history.
func NewPipeline(cfg appcfg.ETLConfig, fetcher Fetcher, store *storage.Manager) (*Pipeline, error) {
	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return nil, errors.Wrap(err, "create duration sketch")
	}

	p := &Pipeline{
		cfg:         cfg,
		fetcher:     fetcher,
		store:       store,
		active:      make(map[string]Job),
		entityLocks: make(map[string]*sync.Mutex),
		sketch:      sketch,
	}

	p.loadHistory()
	return p, nil
}

// historyLimit returns the configured history cap.
func (p *Pipeline) historyLimit() int {
	if p.cfg.JobHistoryLimit > 0 {
		return p.cfg.JobHistoryLimit
	}
	return config.DefaultJobHistoryLimit
}

// entityLock returns the mutex serializing work on one ticker.
func (p *Pipeline) entityLock(ticker string) *sync.Mutex {
	p.lockMu.Lock()
	defer p.lockMu.Unlock()

	l, ok := p.entityLocks[ticker]
	if !ok {
		l = &sync.Mutex{}
		p.entityLocks[ticker] = l
	}
	return l
}

// IsStale decides whether an entity needs refreshing. The threshold
// adapts to filing activity: entities with a recent filing go stale
// quickly, dormant ones are refreshed rarely.
//
//	filed within 30 days  -> stale after 24h
//	filed within 90 days  -> stale after 72h
//	older filing          -> stale after 168h
//	no filing date known  -> stale after 24h
//
// A set needs-update flag is always stale, as is an entity with no
// freshness record at all.
func IsStale(fresh facts.Freshness, found bool, now time.Time) bool {
	if !found || fresh.NeedsUpdate {
		return true
	}
	if fresh.LastUpdated.IsZero() {
		return true
	}

	age := now.Sub(fresh.LastUpdated)

	// Without a filing date there is nothing to grade the entity by, so
	// it gets the daily refresh.
	threshold := config.RefreshAgeRecent
	if !fresh.LastFilingDate.IsZero() {
		sinceFiling := now.Sub(fresh.LastFilingDate)
		switch {
		case sinceFiling < config.RecentFilingDays*24*time.Hour:
			threshold = config.RefreshAgeRecent
		case sinceFiling < config.QuarterlyFilingDays*24*time.Hour:
			threshold = config.RefreshAgeQuarterly
		default:
			threshold = config.RefreshAgeDormant
		}
	}

	return age > threshold
}

// RunIncremental refreshes every stale ticker in the given universe,
// bounded by the configured download concurrency. Fresh tickers are
// recorded as skipped jobs without touching the network. The returned
// jobs are in ticker order.
func (p *Pipeline) RunIncremental(ctx context.Context, tickers []string) ([]Job, error) {
	if len(tickers) == 0 {
		return nil, nil
	}

	maxConc := int64(p.cfg.MaxConcurrentDownloads)
	if maxConc <= 0 {
		maxConc = 1
	}

	now := time.Now()
	sem := semaphore.NewWeighted(maxConc)

	jobs := make([]Job, len(tickers))
	var wg sync.WaitGroup
	var runErr error

	for i, raw := range tickers {
		ticker := strings.ToUpper(strings.TrimSpace(raw))

		fresh, found := p.store.Freshness(ticker)
		if !IsStale(fresh, found, now) {
			job := NewJob(ticker, JobIncremental)
			job.Status = StatusCompleted
			job.CompletedAt = job.StartedAt
			job.Skipped = true
			p.record(job)
			jobs[i] = job
			log.Debug("entity fresh, skipping", "ticker", ticker)
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			runErr = err
			break
		}

		wg.Add(1)
		go func(i int, ticker string) {
			defer wg.Done()
			defer sem.Release(1)
			jobs[i], _ = p.runJob(ctx, ticker, JobIncremental, false)
		}(i, ticker)
	}

	// In-flight goroutines still write their jobs[i] slots; they must
	// finish before the slice is read, even on a cancelled run.
	wg.Wait()

	done := collectJobs(jobs)
	log.Info("incremental run finished", "tickers", len(tickers), "jobs", len(done))
	return done, runErr
}

// collectJobs drops zero-value slots left by an aborted run.
func collectJobs(jobs []Job) []Job {
	out := make([]Job, 0, len(jobs))
	for i := range jobs {
		if jobs[i].ID != "" {
			out = append(out, jobs[i])
		}
	}
	return out
}

// RunOnDemand fetches one ticker immediately, bypassing the staleness
// gate. The returned error is the typed failure cause, so callers can
// branch on the error category.
func (p *Pipeline) RunOnDemand(ctx context.Context, ticker string) (Job, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return Job{}, errors.ErrInvalidTicker
	}

	return p.runJob(ctx, ticker, JobOnDemand, false)
}

// RunFullRefresh deletes an entity's stored data and refetches from
// scratch. If the refetch fails the entity is left with no partitions
// until the next successful run; the failed job records this.
func (p *Pipeline) RunFullRefresh(ctx context.Context, ticker string) (Job, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return Job{}, errors.ErrInvalidTicker
	}

	return p.runJob(ctx, ticker, JobFullRefresh, true)
}

// RunFullRefreshBatch rebuilds many entities under the same download
// concurrency bound as incremental runs. Per-entity failures are
// isolated in their job records; the call itself only fails when the
// context is cancelled.
func (p *Pipeline) RunFullRefreshBatch(ctx context.Context, tickers []string) ([]Job, error) {
	if len(tickers) == 0 {
		return nil, nil
	}

	maxConc := int64(p.cfg.MaxConcurrentDownloads)
	if maxConc <= 0 {
		maxConc = 1
	}

	sem := semaphore.NewWeighted(maxConc)

	jobs := make([]Job, len(tickers))
	var wg sync.WaitGroup
	var runErr error

	for i, raw := range tickers {
		ticker := strings.ToUpper(strings.TrimSpace(raw))

		if err := sem.Acquire(ctx, 1); err != nil {
			runErr = err
			break
		}

		wg.Add(1)
		go func(i int, ticker string) {
			defer wg.Done()
			defer sem.Release(1)
			jobs[i], _ = p.runJob(ctx, ticker, JobFullRefresh, true)
		}(i, ticker)
	}

	wg.Wait()

	done := collectJobs(jobs)
	log.Info("full refresh finished", "tickers", len(tickers), "jobs", len(done))
	return done, runErr
}

// runJob executes one job under the entity lock and records the
// outcome. deleteFirst implements full-refresh semantics. On failure
// the returned error is the cause also captured on the job record.
func (p *Pipeline) runJob(ctx context.Context, ticker string, jobType JobType, deleteFirst bool) (Job, error) {
	lock := p.entityLock(ticker)
	lock.Lock()
	defer lock.Unlock()

	job := NewJob(ticker, jobType)
	job.transition(StatusRunning)
	p.setActive(job)
	defer p.clearActive(job.ID)

	fail := func(err error) (Job, error) {
		job.transition(StatusFailed)
		job.Error = err.Error()
		log.Warn("job failed", "job_id", job.ID, "ticker", ticker, "type", jobType, "error", err)
		p.record(job)
		return job, err
	}

	if deleteFirst {
		if err := p.store.DeleteEntity(ticker); err != nil {
			return fail(errors.Wrap(err, "delete before refresh"))
		}
	}

	info, ff, err := p.fetcher.FetchCompanyData(ctx, ticker)
	if err != nil {
		return fail(err)
	}

	// Skip the write when nothing changed since the last save: same
	// fact count and no newer filing date. Full refreshes always write.
	if !deleteFirst && p.cfg.SkipUnchanged && p.unchanged(ticker, ff) {
		job.transition(StatusCompleted)
		job.Skipped = true
		job.RecordsProcessed = len(ff)
		log.Info("no new data, skipping write", "ticker", ticker)
		p.record(job)
		return job, nil
	}

	parts, err := p.store.SavePartitions(info, ff)
	if err != nil {
		return fail(errors.Wrap(err, "save partitions"))
	}

	job.transition(StatusCompleted)
	job.RecordsProcessed = len(ff)
	job.FilesCreated = len(parts)

	log.Info("job completed", "job_id", job.ID, "ticker", ticker, "type", jobType,
		"records", job.RecordsProcessed, "files", job.FilesCreated, "duration", job.Duration())

	p.record(job)
	return job, nil
}

// unchanged compares fetched facts against the stored freshness record.
func (p *Pipeline) unchanged(ticker string, ff []facts.FinancialFact) bool {
	fresh, ok := p.store.Freshness(ticker)
	if !ok {
		return false
	}

	var latest time.Time
	for i := range ff {
		if d := ff[i].FilingDate(); d.After(latest) {
			latest = d
		}
	}
	if latest.After(fresh.LastFilingDate) {
		return false
	}

	stored := int64(0)
	for _, part := range p.store.PartitionsFor(ticker) {
		stored += int64(part.RecordCount)
	}

	// Facts without a fiscal year never reach storage, so compare
	// against the partitionable subset.
	partitionable := 0
	for i := range ff {
		f := &ff[i]
		if f.FiscalYear == 0 {
			continue
		}
		if f.IsAnnual() || f.Quarter() != 0 {
			partitionable++
		}
	}

	return int64(partitionable) == stored
}

// setActive registers a running job.
func (p *Pipeline) setActive(job Job) {
	p.mu.Lock()
	p.active[job.ID] = job
	p.mu.Unlock()
}

func (p *Pipeline) clearActive(id string) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

// ActiveJob returns a running job by ID.
func (p *Pipeline) ActiveJob(id string) (Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, ok := p.active[id]
	if !ok {
		return Job{}, errors.Wrap(errors.ErrJobNotFound, id)
	}
	return job, nil
}

// record appends a terminal job to the capped history, folds its
// duration into the stats sketch, and persists the history file.
func (p *Pipeline) record(job Job) {
	p.mu.Lock()

	p.history = append(p.history, job)
	if limit := p.historyLimit(); len(p.history) > limit {
		p.history = p.history[len(p.history)-limit:]
	}

	if !job.Skipped {
		if err := p.sketch.Add(job.Duration().Seconds()); err != nil {
			log.Debug("duration sketch add failed", "error", err)
		}
	}

	snapshot := make([]Job, len(p.history))
	copy(snapshot, p.history)
	p.mu.Unlock()

	path := filepath.Join(p.store.MetadataDir(), historyFile)
	if err := storage.WriteJSONAtomic(path, snapshot); err != nil {
		log.Warn("failed to persist job history", "error", err)
	}
}

// loadHistory restores persisted job history on startup.
func (p *Pipeline) loadHistory() {
	path := filepath.Join(p.store.MetadataDir(), historyFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("failed to read job history", "error", err)
		}
		return
	}

	var history []Job
	if err := json.Unmarshal(data, &history); err != nil {
		log.Warn("failed to decode job history", "error", err)
		return
	}

	if limit := p.historyLimit(); len(history) > limit {
		history = history[len(history)-limit:]
	}
	p.history = history
}

// JobHistory returns the most recent terminal jobs, newest first.
// limit <= 0 returns the full retained history.
func (p *Pipeline) JobHistory(limit int) []Job {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.history)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]Job, n)
	for i := 0; i < n; i++ {
		out[i] = p.history[len(p.history)-1-i]
	}
	return out
}

// Stats summarizes retained job history. Percentiles cover executed
// (non-skipped) jobs only.
func (p *Pipeline) Stats() PipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PipelineStats{
		TotalJobs:  len(p.history),
		ActiveJobs: len(p.active),
	}
	for i := range p.history {
		j := &p.history[i]
		switch {
		case j.Skipped:
			stats.Skipped++
		case j.Status == StatusCompleted:
			stats.Completed++
		case j.Status == StatusFailed:
			stats.Failed++
		}
		if j.CompletedAt.After(stats.LastRunAt) {
			stats.LastRunAt = j.CompletedAt
		}
	}

	if executed := stats.Completed + stats.Failed; executed > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(executed)
	}

	if count := p.sketch.GetCount(); count > 0 {
		stats.AvgDuration = p.sketch.GetSum() / count
		if v, err := p.sketch.GetValueAtQuantile(0.5); err == nil {
			stats.P50Duration = v
		}
		if v, err := p.sketch.GetValueAtQuantile(0.95); err == nil {
			stats.P95Duration = v
		}
	}
	return stats
}

// StaleTickers filters a universe down to the tickers the staleness
// policy would refresh right now, sorted.
func (p *Pipeline) StaleTickers(tickers []string) []string {
	now := time.Now()

	var stale []string
	for _, raw := range tickers {
		ticker := strings.ToUpper(strings.TrimSpace(raw))
		fresh, found := p.store.Freshness(ticker)
		if IsStale(fresh, found, now) {
			stale = append(stale, ticker)
		}
	}
	sort.Strings(stale)
	return stale
}
