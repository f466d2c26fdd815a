// Package facts defines the domain model shared across the pipeline:
// financial facts, company identity, partition descriptors, and
// freshness records.
package facts

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UnitType classifies the unit a fact is reported in.
type UnitType string

const (
	UnitNone   UnitType = ""
	UnitUSD    UnitType = "USD"
	UnitShares UnitType = "shares"
	UnitPure   UnitType = "pure" // ratios, percentages
)

// ParseUnit maps a raw XBRL unit name to a UnitType. Unknown units map
// to UnitNone; the raw value is preserved on the fact regardless.
func ParseUnit(raw string) UnitType {
	switch raw {
	case "USD":
		return UnitUSD
	case "shares":
		return UnitShares
	case "pure":
		return UnitPure
	default:
		return UnitNone
	}
}

// FormType identifies the filing form a fact came from.
type FormType string

const (
	FormNone FormType = ""
	Form10K  FormType = "10-K"
	Form10Q  FormType = "10-Q"
	Form8K   FormType = "8-K"
)

// ParseForm maps a raw form string to a FormType.
func ParseForm(raw string) FormType {
	switch raw {
	case "10-K":
		return Form10K
	case "10-Q":
		return Form10Q
	case "8-K":
		return Form8K
	default:
		return FormNone
	}
}

// Period selects annual or quarterly data on read paths.
type Period string

const (
	PeriodAnnual    Period = "annual"
	PeriodQuarterly Period = "quarterly"
)

// FinancialFact is one reported observation from the XBRL facts payload.
// Facts are immutable once parsed.
type FinancialFact struct {
	Label       string
	Description string

	// Value is nil when the entry carried no numeric value.
	Value *float64

	Unit UnitType

	// Zero time means the date is absent.
	StartDate   time.Time
	EndDate     time.Time
	InstantDate time.Time

	Form FormType

	// FiscalYear is 0 when unknown.
	FiscalYear int

	// FiscalPeriod is "FY" for annual facts, "Q1".."Q4" for quarterly,
	// empty when the payload omitted it.
	FiscalPeriod string

	Frame string
}

// IsAnnual reports whether the fact belongs to an annual partition.
// Facts without a fiscal period are treated as annual, matching how
// the facts service reports full-year observations.
func (f *FinancialFact) IsAnnual() bool {
	return f.FiscalPeriod == "" || f.FiscalPeriod == "FY"
}

// Quarter returns the quarter number (1-4) for quarterly facts, or 0.
func (f *FinancialFact) Quarter() int {
	if len(f.FiscalPeriod) != 2 || f.FiscalPeriod[0] != 'Q' {
		return 0
	}
	q := int(f.FiscalPeriod[1] - '0')
	if q < 1 || q > 4 {
		return 0
	}
	return q
}

// QuarterPeriod builds the fiscal period string for a quarter number.
func QuarterPeriod(q int) string {
	return "Q" + strconv.Itoa(q)
}

// FilingDate returns the date that anchors the fact in time: the period
// end date when present, otherwise the instant date. Zero when neither
// is set.
func (f *FinancialFact) FilingDate() time.Time {
	if !f.EndDate.IsZero() {
		return f.EndDate
	}
	return f.InstantDate
}

// CompanyInfo identifies a company.
type CompanyInfo struct {
	// CIK is the 10-digit zero-padded remote identifier.
	CIK string

	// Ticker is the upper-cased stock symbol.
	Ticker string

	Name string
}

// NormalizeCIK zero-pads a CIK to 10 digits.
func NormalizeCIK(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) >= 10 {
		return raw
	}
	return strings.Repeat("0", 10-len(raw)) + raw
}

// Partition identifies one stored unit of facts. Partitions for a given
// (ticker, year, quarter) are replaced wholesale on rewrite, never
// merged incrementally.
type Partition struct {
	Path        string    `json:"file_path"`
	Ticker      string    `json:"ticker"`
	Year        int       `json:"year"`
	Quarter     int       `json:"quarter,omitempty"` // 0 = annual
	SizeBytes   int64     `json:"file_size_bytes"`
	RecordCount int       `json:"record_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsAnnual reports whether the partition holds annual facts.
func (p *Partition) IsAnnual() bool { return p.Quarter == 0 }

// String returns a human-readable partition identifier.
func (p *Partition) String() string {
	if p.Quarter == 0 {
		return fmt.Sprintf("%s/%d/annual", p.Ticker, p.Year)
	}
	return fmt.Sprintf("%s/%d/Q%d", p.Ticker, p.Year, p.Quarter)
}

// Freshness tracks how current an entity's stored data is. It is the
// sole input to the staleness policy together with the last filing date.
type Freshness struct {
	Ticker string `json:"ticker"`

	// LastUpdated is monotonically non-decreasing across successful
	// job completions for the entity.
	LastUpdated time.Time `json:"last_updated"`

	// LastFilingDate is the newest end/instant date observed across
	// all facts at the last save. Zero when no fact carried a date.
	LastFilingDate time.Time `json:"last_sec_filing_date,omitempty"`

	// AnnualYears is the sorted set of fiscal years with annual coverage.
	AnnualYears []int `json:"annual_data_years"`

	// QuarterlyPeriods is the sorted set of "{year}-{period}" strings
	// with quarterly coverage.
	QuarterlyPeriods []string `json:"quarterly_data_periods"`

	// NeedsUpdate forces the next incremental run to refresh the entity.
	NeedsUpdate bool `json:"needs_update"`
}

// QuarterKey builds the coverage key recorded in QuarterlyPeriods.
func QuarterKey(year int, period string) string {
	return strconv.Itoa(year) + "-" + period
}
