package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/factfeed/factfeed/config"
)

// Composite cache keys are "<kind>:<TICKER>:<detail...>". The ticker
// segment is what InvalidateTicker matches on. Keys longer than
// MaxRawKeyLen are hashed to keep map keys bounded.

// CompanyKey builds the key for a company's full fact set.
func CompanyKey(ticker string, years int) string {
	return boundKey(join("company", strings.ToUpper(ticker), itoa(years)))
}

// MetricKey builds the key for one metric series.
func MetricKey(ticker, metric, period string, yearsBack int) string {
	return boundKey(join("metric", strings.ToUpper(ticker), strings.ToLower(metric), period, itoa(yearsBack)))
}

// ComparisonKey builds the key for a multi-entity comparison. Tickers
// are sorted so the key is order-independent.
func ComparisonKey(tickers []string, metric, period string, yearsBack int) string {
	sorted := make([]string, len(tickers))
	for i, t := range tickers {
		sorted[i] = strings.ToUpper(t)
	}
	sort.Strings(sorted)

	return boundKey(join("compare", strings.Join(sorted, ","), strings.ToLower(metric), period, itoa(yearsBack)))
}

// FreshnessKey builds the key for an entity's freshness record.
func FreshnessKey(ticker string) string {
	return boundKey(join("freshness", strings.ToUpper(ticker)))
}

func join(parts ...string) string {
	return strings.Join(parts, ":")
}

// boundKey hashes keys past the raw-length limit, keeping the kind
// prefix readable for logs.
func boundKey(key string) string {
	if len(key) <= config.MaxRawKeyLen {
		return key
	}

	prefix := key
	if i := strings.Index(key, ":"); i > 0 {
		prefix = key[:i]
	}
	sum := sha256.Sum256([]byte(key))
	return prefix + ":sha256:" + hex.EncodeToString(sum[:])
}

// itoa renders a year window; 0 means no window.
func itoa(n int) string {
	if n == 0 {
		return "all"
	}
	return strconv.Itoa(n)
}
