package network_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"market-sync/src/helpers"
	"market-sync/src/logger"
	"market-sync/src/models"
	"market-sync/src/network"
)

func testConfig() *models.MConfig {
	return &models.MConfig{
		LogLevel: "error",
		Network: models.MNetworkConfig{
			Enabled:        false,
			RequestTimeout: 2,
			MaxRetries:     3,
		},
	}
}

func newTestManager(cfg *models.MConfig) *network.AsyncNetworkManager {
	return network.NewAsyncNetworkManager(cfg, logger.NewLogger(cfg, "Network-Test"))
}

// ============================================================================
// Test: Get
// ============================================================================

func TestGet_ReturnsBody(t *testing.T) {
	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		if r.URL.Query().Get("symbol") != "eurusd" {
			t.Errorf("symbol param = %q, want %q", r.URL.Query().Get("symbol"), "eurusd")
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	nm := newTestManager(testConfig())
	body, err := nm.Get(srv.URL, map[string]string{"symbol": "eurusd"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %q, want %q", string(body), `{"ok":true}`)
	}
	if ua, _ := gotUA.Load().(string); ua == "" {
		t.Error("request carried no User-Agent header")
	}
}

func TestGet_ConfiguredUserAgentWins(t *testing.T) {
	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Network.UserAgent = "market-sync-test/1.0"
	nm := newTestManager(cfg)
	if _, err := nm.Get(srv.URL, nil); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ua, _ := gotUA.Load().(string); ua != "market-sync-test/1.0" {
		t.Errorf("User-Agent = %q, want %q", ua, "market-sync-test/1.0")
	}
}

func TestGet_RetriesAfterServerError(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`recovered`))
	}))
	defer srv.Close()

	nm := newTestManager(testConfig())
	body, err := nm.Get(srv.URL, nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(body) != "recovered" {
		t.Errorf("body = %q, want %q", string(body), "recovered")
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hits = %d, want 2", got)
	}
}

func TestGet_GivesUpAfterMaxRetries(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Network.MaxRetries = 2
	nm := newTestManager(cfg)

	_, err := nm.Get(srv.URL, nil)
	if err == nil {
		t.Fatal("Get succeeded, want error after exhausting retries")
	}
	var fetchErr *helpers.FetchError
	if !errors.As(err, &fetchErr) {
		t.Errorf("error = %T, want *helpers.FetchError", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hits = %d, want 2", got)
	}
}

func TestGet_InvalidURL(t *testing.T) {
	nm := newTestManager(testConfig())
	if _, err := nm.Get("://not-a-url", nil); err == nil {
		t.Fatal("Get succeeded on an unparseable URL")
	}
}

// ============================================================================
// Test: request budget
// ============================================================================

func TestGet_BudgetExhaustedFailsFast(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Network.RequestsPerMinute = 2
	nm := newTestManager(cfg)

	for i := 0; i < 2; i++ {
		if _, err := nm.Get(srv.URL, nil); err != nil {
			t.Fatalf("Get %d failed: %v", i+1, err)
		}
	}

	_, err := nm.Get(srv.URL, nil)
	if err == nil {
		t.Fatal("third Get succeeded, want budget exhaustion")
	}
	var fetchErr *helpers.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("error = %T, want *helpers.FetchError", err)
	}
	if !strings.Contains(err.Error(), "budget") {
		t.Errorf("error = %q, want mention of the budget", err.Error())
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hits = %d, want 2 (denied request must not reach the wire)", got)
	}
}

func TestGet_DailyBudgetAlsoEnforced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Network.RequestsPerDay = 1
	nm := newTestManager(cfg)

	if _, err := nm.Get(srv.URL, nil); err != nil {
		t.Fatalf("first Get failed: %v", err)
	}
	if _, err := nm.Get(srv.URL, nil); err == nil {
		t.Fatal("second Get succeeded, want daily budget exhaustion")
	}
}

// ============================================================================
// Test: GetJSON
// ============================================================================

func TestGetJSON_DecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"btc-usd","price":42000.5}`))
	}))
	defer srv.Close()

	nm := newTestManager(testConfig())
	var out struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price"`
	}
	if err := nm.GetJSON(srv.URL, nil, &out); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if out.Symbol != "btc-usd" || out.Price != 42000.5 {
		t.Errorf("decoded = %+v, want symbol btc-usd price 42000.5", out)
	}
}

func TestGetJSON_MalformedBodyIsParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":`))
	}))
	defer srv.Close()

	nm := newTestManager(testConfig())
	var out map[string]interface{}
	err := nm.GetJSON(srv.URL, nil, &out)
	if err == nil {
		t.Fatal("GetJSON succeeded on truncated JSON")
	}
	var parseErr *helpers.ParseError
	if !errors.As(err, &parseErr) {
		t.Errorf("error = %T, want *helpers.ParseError", err)
	}
}
