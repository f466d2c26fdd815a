package edgar

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	appcfg "github.com/factfeed/factfeed/internal/config"
	"github.com/factfeed/factfeed/internal/errors"
)

func testConfig(factsURL, tickersURL string) appcfg.EDGARConfig {
	return appcfg.EDGARConfig{
		FactsBaseURL:      factsURL,
		TickersURL:        tickersURL,
		UserAgent:         "factfeed-test/1.0",
		TimeoutSec:        5,
		RetryAttempts:     3,
		RetryDelaySec:     0,
		RequestsPerSecond: 1000,
	}
}

func TestDoRequest_RetryAfter429(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL, srv.URL))

	start := time.Now()
	body, err := c.doRequest(context.Background(), srv.URL)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("unexpected body: %s", body)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	// Exponential backoff: 2^0 + 2^1 seconds before the third attempt.
	if elapsed < 3*time.Second {
		t.Errorf("expected >= 3s of backoff, got %v", elapsed)
	}
}

func TestDoRequest_429Exhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL, srv.URL)
	cfg.RetryAttempts = 0
	c := New(cfg)

	_, err := c.doRequest(context.Background(), srv.URL)
	if !errors.Is(err, errors.ErrRateLimited) {
		t.Errorf("expected rate-limited error, got %v", err)
	}
}

func TestDoRequest_404NoRetry(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL, srv.URL))

	_, err := c.doRequest(context.Background(), srv.URL)
	if !errors.IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("404 must not be retried, got %d attempts", calls.Load())
	}
}

func TestDoRequest_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL, srv.URL))

	_, err := c.doRequest(context.Background(), srv.URL)

	var statusErr *errors.RemoteStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected RemoteStatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", statusErr.StatusCode)
	}
}

func TestDoRequest_NetworkErrorExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	cfg := testConfig(srv.URL, srv.URL)
	cfg.RetryAttempts = 1
	c := New(cfg)

	_, err := c.doRequest(context.Background(), srv.URL)
	if !errors.Is(err, errors.ErrRemoteUnavailable) {
		t.Errorf("expected remote-unavailable error, got %v", err)
	}
}

func TestDoRequest_SendsUserAgent(t *testing.T) {
	var agent atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent.Store(r.Header.Get("User-Agent"))
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL, srv.URL))
	if _, err := c.doRequest(context.Background(), srv.URL); err != nil {
		t.Fatalf("request: %v", err)
	}

	if got := agent.Load(); got != "factfeed-test/1.0" {
		t.Errorf("expected identifying User-Agent header, got %q", got)
	}
}

const columnarDirectory = `{
	"fields": ["cik_str", "ticker", "title"],
	"data": [
		[320193, "AAPL", "Apple Inc."],
		[789019, "MSFT", "Microsoft Corp"]
	]
}`

const indexedDirectory = `{
	"0": {"cik_str": 320193, "ticker": "AAPL", "title": "Apple Inc."},
	"1": {"cik_str": 789019, "ticker": "MSFT", "title": "Microsoft Corp"}
}`

func TestResolveTicker(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
	}{
		{"columnar", columnarDirectory},
		{"indexed", indexedDirectory},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			c := New(testConfig(srv.URL, srv.URL))

			cik, err := c.ResolveTicker(context.Background(), "aapl")
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if cik != "0000320193" {
				t.Errorf("expected zero-padded CIK 0000320193, got %s", cik)
			}
		})
	}
}

func TestResolveTicker_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, columnarDirectory)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL, srv.URL))

	_, err := c.ResolveTicker(context.Background(), "ZZZZ")
	if !errors.Is(err, errors.ErrTickerNotFound) {
		t.Errorf("expected ticker-not-found, got %v", err)
	}
}

func TestResolveTicker_CachesDirectory(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, columnarDirectory)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL, srv.URL))

	for i := 0; i < 3; i++ {
		if _, err := c.ResolveTicker(context.Background(), "AAPL"); err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}

	if calls.Load() != 1 {
		t.Errorf("directory should be fetched once within TTL, got %d fetches", calls.Load())
	}
}

func TestBatchFetch_IsolatesFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tickers", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, columnarDirectory)
	})
	mux.HandleFunc("/facts/CIK0000320193.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, minimalFactsPayload)
	})
	mux.HandleFunc("/facts/CIK0000789019.json", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(testConfig(srv.URL+"/facts", srv.URL+"/tickers"))

	results := c.BatchFetch(context.Background(), []string{"AAPL", "MSFT"}, 2)

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results["AAPL"].Err != nil {
		t.Errorf("AAPL should succeed, got %v", results["AAPL"].Err)
	}
	if len(results["AAPL"].Facts) == 0 {
		t.Error("AAPL should have parsed facts")
	}
	if !errors.IsNotFound(results["MSFT"].Err) {
		t.Errorf("MSFT should fail with not-found, got %v", results["MSFT"].Err)
	}
}
