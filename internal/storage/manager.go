// Package storage manages partitioned columnar storage of financial
// facts: one Parquet file per (entity, fiscal year[, quarter]), with a
// partition index and per-entity freshness records persisted as JSON
// metadata sidecars.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	appcfg "github.com/factfeed/factfeed/internal/config"
	"github.com/factfeed/factfeed/internal/errors"
	"github.com/factfeed/factfeed/internal/facts"
	"github.com/factfeed/factfeed/internal/logging"
	"github.com/factfeed/factfeed/internal/storage/parquet"
)

var log = logging.Component("storage")

// Manager owns the on-disk partition store. A single process owns the
// store at a time; there is no cross-process coordination.
//
// Layout:
//
//	<data_dir>/<TICKER>/annual/<TICKER>_<year>_annual.parquet
//	<data_dir>/<TICKER>/quarterly/<TICKER>_<year>_Q<q>.parquet
//	<data_dir>/metadata/parquet_files.json
//	<data_dir>/metadata/data_freshness.json
type Manager struct {
	mu sync.RWMutex

	cfg     appcfg.StorageConfig
	dataDir string
	metaDir string
	opts    parquet.Options

	// In-memory indexes, mirrored to the metadata sidecars on every save.
	partitions map[string][]facts.Partition
	freshness  map[string]facts.Freshness
}

// Stats aggregates over the in-memory partition index.
type Stats struct {
	EntityCount  int   `json:"total_tickers"`
	FileCount    int   `json:"total_files"`
	TotalBytes   int64 `json:"total_size_bytes"`
	TotalRecords int64 `json:"total_records"`
}

// New creates a Manager rooted at cfg.DataDir and loads existing
// metadata sidecars.
func New(cfg appcfg.StorageConfig) (*Manager, error) {
	dataDir := cfg.DataDir
	metaDir := filepath.Join(dataDir, "metadata")

	for _, dir := range []string{dataDir, metaDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.NewStorage("create directory "+dir, err)
		}
	}

	m := &Manager{
		cfg:     cfg,
		dataDir: dataDir,
		metaDir: metaDir,
		opts: parquet.Options{
			Compression:      parquet.ParseCompressionType(cfg.Compression),
			CompressionLevel: cfg.CompressionLevel,
		},
		partitions: make(map[string][]facts.Partition),
		freshness:  make(map[string]facts.Freshness),
	}

	if err := m.loadMetadata(); err != nil {
		// Metadata is rebuilt on the next save; start empty rather
		// than refusing to come up.
		log.Warn("failed to load metadata, starting empty", "error", err)
	}

	return m, nil
}

// MetadataDir returns the sidecar metadata directory.
func (m *Manager) MetadataDir() string { return m.metaDir }

// partitionPath builds the file path for a partition. quarter 0 means
// annual.
func (m *Manager) partitionPath(ticker string, year, quarter int) string {
	if quarter == 0 {
		name := fmt.Sprintf("%s_%d_annual.parquet", ticker, year)
		return filepath.Join(m.dataDir, ticker, "annual", name)
	}
	name := fmt.Sprintf("%s_%d_Q%d.parquet", ticker, year, quarter)
	return filepath.Join(m.dataDir, ticker, "quarterly", name)
}

// SavePartitions groups facts by fiscal year, splits annual from
// quarterly within each year, writes one Parquet file per group, and
// replaces the entity's partition set wholesale. The freshness record
// is recomputed from the saved facts and both metadata sidecars are
// re-serialized.
//
// Facts without a fiscal year cannot be partitioned and are dropped
// with a warning.
func (m *Manager) SavePartitions(info facts.CompanyInfo, ff []facts.FinancialFact) ([]facts.Partition, error) {
	ticker := strings.ToUpper(info.Ticker)
	if ticker == "" {
		return nil, errors.NewValidation("ticker", "empty")
	}
	if len(ff) == 0 {
		log.Warn("no facts to save", "ticker", ticker)
		return nil, nil
	}

	type groupKey struct {
		year    int
		quarter int // 0 = annual
	}
	groups := make(map[groupKey][]facts.FinancialFact)
	dropped := 0

	for i := range ff {
		f := &ff[i]
		if f.FiscalYear == 0 {
			dropped++
			continue
		}
		key := groupKey{year: f.FiscalYear}
		if !f.IsAnnual() {
			q := f.Quarter()
			if q == 0 {
				dropped++
				continue
			}
			key.quarter = q
		}
		groups[key] = append(groups[key], *f)
	}

	if dropped > 0 {
		log.Warn("dropped facts without usable fiscal year/period", "ticker", ticker, "dropped", dropped)
	}

	created := make([]facts.Partition, 0, len(groups))

	for key, group := range groups {
		path := m.partitionPath(ticker, key.year, key.quarter)

		if err := m.writePartition(ticker, path, group); err != nil {
			return nil, errors.NewStorage("write partition "+path, err)
		}

		size := int64(0)
		if st, err := os.Stat(path); err == nil {
			size = st.Size()
		}

		created = append(created, facts.Partition{
			Path:        path,
			Ticker:      ticker,
			Year:        key.year,
			Quarter:     key.quarter,
			SizeBytes:   size,
			RecordCount: len(group),
			CreatedAt:   time.Now().UTC(),
		})
	}

	sort.Slice(created, func(i, j int) bool {
		if created[i].Year != created[j].Year {
			return created[i].Year < created[j].Year
		}
		return created[i].Quarter < created[j].Quarter
	})

	fresh := buildFreshness(ticker, ff)

	m.mu.Lock()
	prevParts := m.partitions[ticker]
	m.partitions[ticker] = created
	// LastUpdated is monotonically non-decreasing across saves.
	if prev, ok := m.freshness[ticker]; ok && prev.LastUpdated.After(fresh.LastUpdated) {
		fresh.LastUpdated = prev.LastUpdated
	}
	m.freshness[ticker] = fresh
	err := m.saveMetadataLocked()
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}

	// The partition set is replaced wholesale: files from the previous
	// set that were not rewritten would otherwise still match the
	// entity's query globs.
	kept := make(map[string]bool, len(created))
	for i := range created {
		kept[created[i].Path] = true
	}
	for i := range prevParts {
		if kept[prevParts[i].Path] {
			continue
		}
		if rmErr := os.Remove(prevParts[i].Path); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn("failed to remove superseded partition", "path", prevParts[i].Path, "error", rmErr)
		}
	}

	log.Info("saved partitions", "ticker", ticker, "partitions", len(created), "facts", len(ff)-dropped)
	return created, nil
}

// writePartition writes one partition file.
func (m *Manager) writePartition(ticker, path string, group []facts.FinancialFact) error {
	w, err := parquet.NewFactWriter(path, m.opts)
	if err != nil {
		return err
	}
	if err := w.Write(ticker, group); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// buildFreshness recomputes the freshness record from a full fact set:
// latest filing date is the max of all end/instant dates; coverage sets
// are derived from fiscal year/period.
func buildFreshness(ticker string, ff []facts.FinancialFact) facts.Freshness {
	var latest time.Time
	annualYears := make(map[int]bool)
	quarterly := make(map[string]bool)

	for i := range ff {
		f := &ff[i]

		if d := f.FilingDate(); !d.IsZero() && d.After(latest) {
			latest = d
		}

		if f.FiscalYear == 0 {
			continue
		}
		if f.IsAnnual() {
			annualYears[f.FiscalYear] = true
		} else if f.Quarter() != 0 {
			quarterly[facts.QuarterKey(f.FiscalYear, f.FiscalPeriod)] = true
		}
	}

	years := make([]int, 0, len(annualYears))
	for y := range annualYears {
		years = append(years, y)
	}
	sort.Ints(years)

	periods := make([]string, 0, len(quarterly))
	for p := range quarterly {
		periods = append(periods, p)
	}
	sort.Strings(periods)

	return facts.Freshness{
		Ticker:           ticker,
		LastUpdated:      time.Now().UTC(),
		LastFilingDate:   latest,
		AnnualYears:      years,
		QuarterlyPeriods: periods,
	}
}

// LoadFacts reads all partitions for an entity, optionally filtered to
// the most recent years, and concatenates their facts. Individually
// unreadable partitions are skipped with a warning rather than failing
// the whole load.
func (m *Manager) LoadFacts(ticker string, years int) ([]facts.FinancialFact, error) {
	ticker = strings.ToUpper(ticker)

	m.mu.RLock()
	parts, ok := m.partitions[ticker]
	m.mu.RUnlock()

	if !ok || len(parts) == 0 {
		return nil, errors.NewEntityNotFound(ticker)
	}

	minYear := 0
	if years > 0 {
		minYear = time.Now().Year() - years + 1
	}

	var all []facts.FinancialFact
	for i := range parts {
		p := &parts[i]
		if minYear > 0 && p.Year < minYear {
			continue
		}

		loaded, err := m.readPartition(p.Path)
		if err != nil {
			log.Warn("skipping unreadable partition", "partition", p.String(), "error", err)
			continue
		}
		all = append(all, loaded...)
	}

	if len(all) == 0 {
		return nil, errors.NewEntityNotFound(ticker)
	}
	return all, nil
}

// readPartition reads one partition file.
func (m *Manager) readPartition(path string) ([]facts.FinancialFact, error) {
	r, err := parquet.NewFactReader(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrPartitionRead, err.Error())
	}
	defer r.Close()

	loaded, err := r.ReadAll()
	if err != nil {
		return nil, errors.Wrap(errors.ErrPartitionRead, err.Error())
	}
	return loaded, nil
}

// DeleteEntity removes all partition files and index/freshness entries
// for an entity. Idempotent: deleting an unknown entity succeeds.
func (m *Manager) DeleteEntity(ticker string) error {
	ticker = strings.ToUpper(ticker)

	m.mu.Lock()
	parts := m.partitions[ticker]
	delete(m.partitions, ticker)
	delete(m.freshness, ticker)
	err := m.saveMetadataLocked()
	m.mu.Unlock()

	for i := range parts {
		if rmErr := os.Remove(parts[i].Path); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn("failed to remove partition file", "path", parts[i].Path, "error", rmErr)
		}
	}

	// Remove the entity directory tree; best effort.
	if len(parts) > 0 {
		os.RemoveAll(filepath.Join(m.dataDir, ticker))
	}

	if err != nil {
		return err
	}

	log.Info("deleted entity data", "ticker", ticker, "partitions", len(parts))
	return nil
}

// Freshness returns the freshness record for an entity.
func (m *Manager) Freshness(ticker string) (facts.Freshness, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.freshness[strings.ToUpper(ticker)]
	return f, ok
}

// SetNeedsUpdate flips the manual refresh flag on an entity's
// freshness record.
func (m *Manager) SetNeedsUpdate(ticker string, needs bool) error {
	ticker = strings.ToUpper(ticker)

	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.freshness[ticker]
	if !ok {
		return errors.NewEntityNotFound(ticker)
	}
	f.NeedsUpdate = needs
	m.freshness[ticker] = f

	return m.saveMetadataLocked()
}

// ListTickers returns all tickers with stored partitions, sorted.
func (m *Manager) ListTickers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.partitions))
	for t := range m.partitions {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// PartitionsFor returns a copy of the partition descriptors for an
// entity.
func (m *Manager) PartitionsFor(ticker string) []facts.Partition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	parts := m.partitions[strings.ToUpper(ticker)]
	out := make([]facts.Partition, len(parts))
	copy(out, parts)
	return out
}

// EntityGlobs returns the Parquet file glob patterns covering an
// entity's partitions, for handing to the query service.
func (m *Manager) EntityGlobs(ticker string, period facts.Period) []string {
	ticker = strings.ToUpper(ticker)

	switch period {
	case facts.PeriodAnnual:
		return []string{filepath.Join(m.dataDir, ticker, "annual", "*.parquet")}
	case facts.PeriodQuarterly:
		return []string{filepath.Join(m.dataDir, ticker, "quarterly", "*.parquet")}
	default:
		return []string{
			filepath.Join(m.dataDir, ticker, "annual", "*.parquet"),
			filepath.Join(m.dataDir, ticker, "quarterly", "*.parquet"),
		}
	}
}

// StorageStats aggregates over the in-memory index.
func (m *Manager) StorageStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{EntityCount: len(m.partitions)}
	for _, parts := range m.partitions {
		stats.FileCount += len(parts)
		for i := range parts {
			stats.TotalBytes += parts[i].SizeBytes
			stats.TotalRecords += int64(parts[i].RecordCount)
		}
	}
	return stats
}
