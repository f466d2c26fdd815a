// Package query runs analytical SQL over stored partition files using
// an in-memory DuckDB instance with read_parquet.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	appcfg "github.com/factfeed/factfeed/internal/config"
	"github.com/factfeed/factfeed/internal/errors"
	"github.com/factfeed/factfeed/internal/facts"
	"github.com/factfeed/factfeed/internal/logging"
)

var log = logging.Component("query")

// Service wraps an in-memory DuckDB connection. Partition files are
// scanned directly via read_parquet; nothing is imported into tables.
type Service struct {
	db      *sql.DB
	timeout time.Duration
}

// MetricPoint is one resolved metric observation.
type MetricPoint struct {
	Year   int     `json:"year"`
	Period string  `json:"period"`
	Value  float64 `json:"value"`
	Label  string  `json:"label"`
	Date   string  `json:"date,omitempty"`
}

// NewService opens an in-memory DuckDB instance.
func NewService(cfg appcfg.QueryConfig) (*Service, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrap(err, "open duckdb")
	}

	if cfg.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", cfg.MemoryLimit)); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "set memory limit")
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Service{db: db, timeout: timeout}, nil
}

// Close closes the database connection.
func (s *Service) Close() error {
	return s.db.Close()
}

// MetricSeries scans the given partition globs for facts whose label
// matches any of the candidate names and returns one point per fiscal
// period within the year window.
//
// XBRL payloads often report several overlapping observations for the
// same period (restatements, segment rollups). The point kept for each
// period is the one with the largest absolute value, which corresponds
// to the consolidated total.
func (s *Service) MetricSeries(ctx context.Context, globs, labels []string, period facts.Period, yearsBack int) ([]MetricPoint, error) {
	if len(labels) == 0 {
		return nil, errors.NewValidation("labels", "empty")
	}

	matched := expandGlobs(globs)
	if len(matched) == 0 {
		return nil, errors.Wrap(errors.ErrEntityNotFound, "no partition files")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query, args := buildMetricQuery(matched, labels, period, yearsBack)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "metric query")
	}
	defer rows.Close()

	// Keep the max-abs observation per fiscal period.
	type key struct {
		year   int
		period string
	}
	best := make(map[key]MetricPoint)
	order := make([]key, 0, 32)

	for rows.Next() {
		var (
			label   string
			value   sql.NullFloat64
			year    int32
			fp      sql.NullString
			endDate sql.NullString
			instant sql.NullString
		)
		if err := rows.Scan(&label, &value, &year, &fp, &endDate, &instant); err != nil {
			return nil, errors.Wrap(err, "scan metric row")
		}
		if !value.Valid {
			continue
		}

		p := fp.String
		if p == "" {
			p = "FY"
		}
		date := endDate.String
		if date == "" {
			date = instant.String
		}

		k := key{year: int(year), period: p}
		point := MetricPoint{
			Year:   int(year),
			Period: p,
			Value:  value.Float64,
			Label:  label,
			Date:   date,
		}

		prev, seen := best[k]
		if !seen {
			order = append(order, k)
			best[k] = point
		} else if math.Abs(point.Value) > math.Abs(prev.Value) {
			best[k] = point
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate metric rows")
	}

	out := make([]MetricPoint, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}

	log.Debug("metric series resolved", "labels", labels[0], "points", len(out))
	return out, nil
}

// buildMetricQuery assembles the read_parquet scan. Files and the year
// bound are inlined (paths come from our own index, not user input);
// label patterns are bound parameters.
func buildMetricQuery(files, labels []string, period facts.Period, yearsBack int) (string, []interface{}) {
	var sb strings.Builder
	args := make([]interface{}, 0, len(labels))

	sb.WriteString("SELECT label, value, fiscal_year, fiscal_period, end_date, instant_date\n")
	sb.WriteString("FROM read_parquet([")
	for i, f := range files {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("'")
		sb.WriteString(strings.ReplaceAll(f, "'", "''"))
		sb.WriteString("'")
	}
	sb.WriteString("])\nWHERE fiscal_year > 0\nAND (")
	for i := range labels {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString("label ILIKE ?")
		args = append(args, "%"+labels[i]+"%")
	}
	sb.WriteString(")")

	switch period {
	case facts.PeriodAnnual:
		sb.WriteString("\nAND (fiscal_period = '' OR fiscal_period = 'FY' OR fiscal_period IS NULL)")
	case facts.PeriodQuarterly:
		sb.WriteString("\nAND fiscal_period LIKE 'Q%'")
	}

	if yearsBack > 0 {
		minYear := time.Now().Year() - yearsBack + 1
		fmt.Fprintf(&sb, "\nAND fiscal_year >= %d", minYear)
	}

	sb.WriteString("\nORDER BY fiscal_year, fiscal_period")
	return sb.String(), args
}

// expandGlobs resolves glob patterns to concrete file paths. DuckDB
// errors on globs with zero matches, so empty patterns are dropped
// here.
func expandGlobs(globs []string) []string {
	var files []string
	for _, g := range globs {
		matches, err := filepath.Glob(g)
		if err != nil {
			continue
		}
		files = append(files, matches...)
	}
	return files
}
