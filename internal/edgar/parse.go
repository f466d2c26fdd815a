package edgar

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/factfeed/factfeed/internal/errors"
	"github.com/factfeed/factfeed/internal/facts"
)

// factsPayload is the strict schema of the remote facts document.
type factsPayload struct {
	CIK        json.Number                       `json:"cik"`
	EntityName string                            `json:"entityName"`
	Facts      map[string]map[string]conceptData `json:"facts"`
}

// conceptData holds one concept's label and unit-keyed fact entries.
type conceptData struct {
	Label       string                 `json:"label"`
	Description string                 `json:"description"`
	Units       map[string][]factEntry `json:"units"`
}

// factEntry is one raw observation under a concept/unit pair.
type factEntry struct {
	Val     json.RawMessage `json:"val"`
	Start   string          `json:"start"`
	End     string          `json:"end"`
	Instant string          `json:"instant"`
	FY      int             `json:"fy"`
	FP      string          `json:"fp"`
	Form    string          `json:"form"`
	Frame   string          `json:"frame"`
}

const dateLayout = "2006-01-02"

// ParseFacts walks every concept/unit combination in a raw facts
// payload. Individual malformed entries are skipped and logged; they
// never abort the whole parse. The document itself failing to decode
// is fatal.
func ParseFacts(raw []byte, ticker string) (facts.CompanyInfo, []facts.FinancialFact, error) {
	var payload factsPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return facts.CompanyInfo{}, nil, errors.Wrap(err, "decode facts payload")
	}

	info := facts.CompanyInfo{
		Ticker: strings.ToUpper(ticker),
		CIK:    facts.NormalizeCIK(payload.CIK.String()),
		Name:   payload.EntityName,
	}

	if len(payload.Facts) == 0 {
		return info, nil, errors.Wrapf(errors.ErrEmptyPayload, "no facts for %s", ticker)
	}

	var parsed []facts.FinancialFact
	skipped := 0

	for taxonomy, concepts := range payload.Facts {
		for concept, data := range concepts {
			label := data.Label
			if label == "" {
				label = concept
			}

			for unit, entries := range data.Units {
				unitType := facts.ParseUnit(unit)

				for i := range entries {
					fact, err := parseEntry(&entries[i], label, data.Description, unitType)
					if err != nil {
						skipped++
						log.Debug("skipping malformed fact entry",
							"taxonomy", taxonomy, "concept", concept, "error", err)
						continue
					}
					parsed = append(parsed, fact)
				}
			}
		}
	}

	if skipped > 0 {
		log.Warn("skipped malformed fact entries", "ticker", ticker, "skipped", skipped)
	}
	log.Info("parsed facts", "ticker", ticker, "facts", len(parsed))

	return info, parsed, nil
}

// parseEntry validates one raw entry. An entry is malformed when its
// value is present but non-numeric, or when any date string fails to
// parse.
func parseEntry(e *factEntry, label, description string, unit facts.UnitType) (facts.FinancialFact, error) {
	var fact facts.FinancialFact

	value, err := parseValue(e.Val)
	if err != nil {
		return fact, err
	}

	start, err := parseDate(e.Start)
	if err != nil {
		return fact, err
	}
	end, err := parseDate(e.End)
	if err != nil {
		return fact, err
	}
	instant, err := parseDate(e.Instant)
	if err != nil {
		return fact, err
	}

	fp := e.FP
	if fp != "" && fp != "FY" && !validQuarter(fp) {
		return fact, errors.Wrapf(errors.ErrParse, "fiscal period %q", fp)
	}

	return facts.FinancialFact{
		Label:        label,
		Description:  description,
		Value:        value,
		Unit:         unit,
		StartDate:    start,
		EndDate:      end,
		InstantDate:  instant,
		Form:         facts.ParseForm(e.Form),
		FiscalYear:   e.FY,
		FiscalPeriod: fp,
		Frame:        e.Frame,
	}, nil
}

// parseValue decodes a fact value. Absent or null values are allowed;
// a present value must be numeric.
func parseValue(raw json.RawMessage) (*float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.Wrapf(errors.ErrParse, "non-numeric value %s", string(raw))
	}
	return &v, nil
}

// parseDate decodes an ISO date string. Empty means absent.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}

	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(errors.ErrParse, "date %q", s)
	}
	return t, nil
}

// validQuarter reports whether fp is Q1..Q4.
func validQuarter(fp string) bool {
	return len(fp) == 2 && fp[0] == 'Q' && fp[1] >= '1' && fp[1] <= '4'
}
