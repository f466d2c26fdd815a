// Package edgar implements the client for the remote XBRL facts
// service: ticker resolution, rate-limited fact fetches with retry, and
// bounded-concurrency batch fetches.
package edgar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/factfeed/factfeed/config"
	appcfg "github.com/factfeed/factfeed/internal/config"
	"github.com/factfeed/factfeed/internal/errors"
	"github.com/factfeed/factfeed/internal/facts"
	"github.com/factfeed/factfeed/internal/logging"
	"github.com/factfeed/factfeed/internal/ratelimit"
)

var log = logging.Component("edgar")

// Client fetches entity mappings and fact payloads from the remote
// facts service. Client is safe for concurrent use.
type Client struct {
	cfg     appcfg.EDGARConfig
	http    *http.Client
	limiter *ratelimit.Limiter

	// Ticker directory cache, refreshed at most once per TTL.
	mu           sync.Mutex
	companies    map[string]facts.CompanyInfo // ticker -> info
	dirFetchedAt time.Time
	dirTTL       time.Duration
}

// New creates a Client from configuration.
func New(cfg appcfg.EDGARConfig) *Client {
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
		limiter: ratelimit.New(cfg.RequestsPerSecond),
		dirTTL:  config.DefaultTickerCacheTTL,
	}
}

// ResolveTicker returns the CIK for a ticker symbol, refreshing the
// directory cache when it is older than 24h. Fails with a not-found
// error when the ticker is absent from the remote directory.
func (c *Client) ResolveTicker(ctx context.Context, ticker string) (string, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return "", errors.ErrInvalidTicker
	}

	c.mu.Lock()
	if c.companies != nil && time.Since(c.dirFetchedAt) < c.dirTTL {
		if info, ok := c.companies[ticker]; ok {
			c.mu.Unlock()
			return info.CIK, nil
		}
	}
	c.mu.Unlock()

	companies, err := c.CompanyTickers(ctx)
	if err != nil {
		return "", err
	}

	info, ok := companies[ticker]
	if !ok {
		return "", errors.NewTickerNotFound(ticker)
	}
	return info.CIK, nil
}

// CompanyTickers fetches the full ticker directory and refreshes the
// cache. Both directory payload shapes are handled: the columnar
// {fields, data} form and the indexed-object form.
func (c *Client) CompanyTickers(ctx context.Context) (map[string]facts.CompanyInfo, error) {
	raw, err := c.doRequest(ctx, c.cfg.TickersURL)
	if err != nil {
		return nil, errors.Wrap(err, "fetch ticker directory")
	}

	companies, err := parseTickerDirectory(raw)
	if err != nil {
		return nil, errors.Wrap(err, "parse ticker directory")
	}

	c.mu.Lock()
	c.companies = companies
	c.dirFetchedAt = time.Now()
	c.mu.Unlock()

	log.Info("loaded ticker directory", "companies", len(companies))
	return companies, nil
}

// FetchFacts fetches the raw facts payload for a CIK.
func (c *Client) FetchFacts(ctx context.Context, cik string) ([]byte, error) {
	url := fmt.Sprintf("%s/CIK%s.json", c.cfg.FactsBaseURL, facts.NormalizeCIK(cik))
	return c.doRequest(ctx, url)
}

// FetchCompanyData resolves a ticker, fetches its facts payload, and
// parses it into the domain model.
func (c *Client) FetchCompanyData(ctx context.Context, ticker string) (facts.CompanyInfo, []facts.FinancialFact, error) {
	cik, err := c.ResolveTicker(ctx, ticker)
	if err != nil {
		return facts.CompanyInfo{}, nil, err
	}

	log.Info("fetching company facts", "ticker", ticker, "cik", cik)

	raw, err := c.FetchFacts(ctx, cik)
	if err != nil {
		return facts.CompanyInfo{}, nil, errors.Wrapf(err, "fetch facts for %s", ticker)
	}

	return ParseFacts(raw, ticker)
}

// BatchResult holds the outcome of one ticker in a batch fetch.
type BatchResult struct {
	Info  facts.CompanyInfo
	Facts []facts.FinancialFact
	Err   error
}

// BatchFetch fetches many tickers concurrently, bounded by a semaphore
// of size maxConcurrency. Each ticker's failure is isolated in its own
// result; the call itself only fails when the context is cancelled.
func (c *Client) BatchFetch(ctx context.Context, tickers []string, maxConcurrency int64) map[string]BatchResult {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	sem := semaphore.NewWeighted(maxConcurrency)
	results := make(map[string]BatchResult, len(tickers))

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, ticker := range tickers {
		ticker := strings.ToUpper(ticker)

		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			results[ticker] = BatchResult{Err: err}
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			info, ff, err := c.FetchCompanyData(ctx, ticker)
			if err != nil {
				log.Warn("batch fetch failed", "ticker", ticker, "error", err)
			}

			mu.Lock()
			results[ticker] = BatchResult{Info: info, Facts: ff, Err: err}
			mu.Unlock()
		}()
	}

	wg.Wait()
	return results
}

// doRequest issues one rate-limited GET with the retry policy:
//
//   - 429: exponential backoff (2^attempt seconds) up to the retry
//     ceiling, then a rate-limited error
//   - 404: immediate not-found, no retry
//   - other non-2xx: immediate typed status error, no retry
//   - network error: linear backoff (base * attempt) up to the ceiling,
//     then a remote-unavailable error
func (c *Client) doRequest(ctx context.Context, url string) ([]byte, error) {
	retries := c.cfg.RetryAttempts
	baseDelay := time.Duration(c.cfg.RetryDelaySec) * time.Second

	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		req.Header.Set("Accept", "application/json")

		log.Debug("request", "url", url, "attempt", attempt+1)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt == retries {
				break
			}
			wait := baseDelay * time.Duration(attempt+1)
			log.Warn("request failed, retrying", "url", url, "wait", wait, "error", err)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if readErr != nil {
				lastErr = readErr
				if attempt == retries {
					break
				}
				if err := sleepCtx(ctx, baseDelay*time.Duration(attempt+1)); err != nil {
					return nil, err
				}
				continue
			}
			return body, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = errors.ErrRateLimited
			if attempt == retries {
				return nil, errors.Wrapf(errors.ErrRateLimited, "%s after %d attempts", url, attempt+1)
			}
			wait := time.Duration(1<<uint(attempt)) * time.Second
			log.Warn("rate limited, backing off", "url", url, "wait", wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode == http.StatusNotFound:
			return nil, fmt.Errorf("%s: %w", url, errors.ErrNotFound)

		default:
			return nil, errors.NewRemoteStatus(resp.StatusCode, url)
		}
	}

	return nil, errors.Wrapf(errors.ErrRemoteUnavailable, "%s after %d attempts: %v", url, retries+1, lastErr)
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// parseTickerDirectory decodes both shapes of the remote directory
// payload into a ticker-keyed map.
func parseTickerDirectory(raw []byte) (map[string]facts.CompanyInfo, error) {
	companies := make(map[string]facts.CompanyInfo)

	// Columnar form: {"fields": [...], "data": [[...], ...]}
	var columnar struct {
		Fields []string            `json:"fields"`
		Data   [][]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &columnar); err == nil && len(columnar.Fields) > 0 && len(columnar.Data) > 0 {
		idx := make(map[string]int, len(columnar.Fields))
		for i, f := range columnar.Fields {
			idx[f] = i
		}
		for _, row := range columnar.Data {
			info, ok := directoryRow(row, idx)
			if !ok {
				continue
			}
			companies[info.Ticker] = info
		}
		return companies, nil
	}

	// Indexed-object form: {"0": {"cik_str":..., "ticker":..., "title":...}, ...}
	var indexed map[string]struct {
		CIK    json.Number `json:"cik_str"`
		Ticker string      `json:"ticker"`
		Title  string      `json:"title"`
	}
	if err := json.Unmarshal(raw, &indexed); err != nil {
		return nil, err
	}

	for _, entry := range indexed {
		ticker := strings.ToUpper(entry.Ticker)
		if ticker == "" {
			continue
		}
		companies[ticker] = facts.CompanyInfo{
			Ticker: ticker,
			CIK:    facts.NormalizeCIK(entry.CIK.String()),
			Name:   entry.Title,
		}
	}
	return companies, nil
}

// directoryRow decodes one columnar directory row.
func directoryRow(row []json.RawMessage, idx map[string]int) (facts.CompanyInfo, bool) {
	get := func(field string) (json.RawMessage, bool) {
		i, ok := idx[field]
		if !ok || i >= len(row) {
			return nil, false
		}
		return row[i], true
	}

	var ticker, title string
	if raw, ok := get("ticker"); ok {
		json.Unmarshal(raw, &ticker)
	}
	ticker = strings.ToUpper(ticker)
	if ticker == "" {
		return facts.CompanyInfo{}, false
	}

	var cik json.Number
	if raw, ok := get("cik_str"); ok {
		json.Unmarshal(raw, &cik)
	}
	if raw, ok := get("title"); ok {
		json.Unmarshal(raw, &title)
	}

	return facts.CompanyInfo{
		Ticker: ticker,
		CIK:    facts.NormalizeCIK(cik.String()),
		Name:   title,
	}, true
}
