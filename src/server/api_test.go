package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"market-sync/src/engine"
	"market-sync/src/logger"
	"market-sync/src/models"
	"market-sync/src/server"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T) (*server.APIServer, *engine.SyncEngine) {
	t.Helper()
	cfg := &models.MConfig{
		Host:     "127.0.0.1",
		Port:     0,
		LogLevel: "error",
		Feeds:    models.MFeedsConfig{MaxBarsPerSeries: 100},
		Instruments: []models.MInstrument{
			{ID: "btc-usd", DisplaySymbol: "BTCUSDT", AssetClass: models.AssetCrypto},
			{ID: "eur-usd", DisplaySymbol: "EURUSD", AssetClass: models.AssetForex},
		},
	}
	eng := engine.NewSyncEngine(cfg, logger.NewLogger(cfg, "EngineTest"), nil, 0)
	srv := server.NewAPIServer(cfg, logger.NewLogger(cfg, "ServerTest"), eng)
	t.Cleanup(func() { srv.Stop() })
	return srv, eng
}

func getJSON(t *testing.T, handler http.Handler, path string, wantStatus int) map[string]interface{} {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != wantStatus {
		t.Fatalf("GET %s status = %d, want %d (body %s)", path, rec.Code, wantStatus, rec.Body.String())
	}
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("GET %s returned invalid JSON: %v", path, err)
	}
	return out
}

// ============================================================================
// Test: REST endpoints
// ============================================================================

func TestGetQuotes_CoversWholeCatalog(t *testing.T) {
	srv, _ := newTestServer(t)

	out := getJSON(t, srv.Handler(), "/api/quotes", http.StatusOK)
	quotes, ok := out["quotes"].(map[string]interface{})
	if !ok {
		t.Fatalf("quotes field missing or wrong shape: %v", out)
	}
	if len(quotes) != 2 {
		t.Errorf("quotes count = %d, want 2", len(quotes))
	}

	eur, ok := quotes["eur-usd"].(map[string]interface{})
	if !ok {
		t.Fatal("eur-usd missing from quotes")
	}
	if eur["staleness"] != "STALE" {
		t.Errorf("unconfirmed symbol staleness = %v, want STALE", eur["staleness"])
	}
}

func TestGetSeries_RequiresSymbol(t *testing.T) {
	srv, _ := newTestServer(t)
	getJSON(t, srv.Handler(), "/api/series", http.StatusBadRequest)
}

func TestGetSeries_UnknownSymbol(t *testing.T) {
	srv, _ := newTestServer(t)
	getJSON(t, srv.Handler(), "/api/series?symbol=doge-usd", http.StatusNotFound)
}

func TestGetSeries_UnsubscribedSeries(t *testing.T) {
	srv, _ := newTestServer(t)
	getJSON(t, srv.Handler(), "/api/series?symbol=btc-usd&interval=1m", http.StatusNotFound)
}

func TestGetSeries_ReturnsReconciledBars(t *testing.T) {
	srv, eng := newTestServer(t)

	if _, err := eng.Subscribe("btc-usd", "1m"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	eng.Apply(models.MUpdate{
		Kind:       models.UpdateBar,
		Symbol:     "btc-usd",
		Interval:   "1m",
		Bar:        models.MBar{Timestamp: 1700000000, Open: 1, High: 2, Low: 0.5, Close: 1.5},
		Generation: eng.Generation("btc-usd", "1m"),
		ReceivedAt: time.Now().UnixMilli(),
	})

	// Case-insensitive lookup on the query side.
	out := getJSON(t, srv.Handler(), "/api/series?symbol=BTC-USD&interval=1m", http.StatusOK)
	bars, ok := out["bars"].([]interface{})
	if !ok {
		t.Fatalf("bars field missing or wrong shape: %v", out)
	}
	if len(bars) != 1 {
		t.Errorf("bars count = %d, want 1", len(bars))
	}
	if out["isLoading"] != false {
		t.Errorf("isLoading = %v, want false after first write", out["isLoading"])
	}
	if out["symbol"] != "btc-usd" {
		t.Errorf("symbol = %v, want btc-usd", out["symbol"])
	}
}

func TestGetSymbols_ReturnsCatalog(t *testing.T) {
	srv, _ := newTestServer(t)

	out := getJSON(t, srv.Handler(), "/api/symbols", http.StatusOK)
	symbols, ok := out["symbols"].([]interface{})
	if !ok {
		t.Fatalf("symbols field missing or wrong shape: %v", out)
	}
	if len(symbols) != 2 {
		t.Errorf("symbols count = %d, want 2", len(symbols))
	}
}

func TestGetStatus_EmptyWithoutFeeds(t *testing.T) {
	srv, _ := newTestServer(t)

	out := getJSON(t, srv.Handler(), "/api/status", http.StatusOK)
	feeds, ok := out["feeds"].([]interface{})
	if !ok {
		t.Fatalf("feeds field must be an array even when empty: %v", out)
	}
	if len(feeds) != 0 {
		t.Errorf("feeds count = %d, want 0", len(feeds))
	}
}

func TestGetHealth_ReflectsLatestState(t *testing.T) {
	srv, _ := newTestServer(t)

	srv.UpdateAllDatas(models.MSnapshot{Type: "UPDATE", Timestamp: 42})

	out := getJSON(t, srv.Handler(), "/api/health", http.StatusOK)
	if out["status"] != "ok" {
		t.Errorf("status = %v, want ok", out["status"])
	}
	if out["latest_update"] != float64(42) {
		t.Errorf("latest_update = %v, want 42", out["latest_update"])
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want 200", rec.Code)
	}
}

// ============================================================================
// Test: WebSocket hub
// ============================================================================

func dialWS(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial failed: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) models.MSnapshot {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var snap models.MSnapshot
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("ws read failed: %v", err)
	}
	return snap
}

func waitForGeneration(t *testing.T, eng *engine.SyncEngine, symbol, interval string, wantZero bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		gen := eng.Generation(symbol, interval)
		if wantZero && gen == 0 {
			return
		}
		if !wantZero && gen != 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("generation for %s/%s never reached wanted state (zero=%v)", symbol, interval, wantZero)
}

func TestWebSocket_InitialFrameOnConnect(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	frame := readFrame(t, conn)
	if frame.Type != "INITIAL" {
		t.Errorf("first frame type = %q, want INITIAL", frame.Type)
	}
}

func TestWebSocket_SubscribeDrivesEngine(t *testing.T) {
	srv, eng := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	readFrame(t, conn)

	cmd := models.MSubscribeCommand{Command: "subscribe", Symbols: []string{"BTC-USD"}, Timeframe: "1m"}
	if err := conn.WriteJSON(cmd); err != nil {
		t.Fatalf("ws write failed: %v", err)
	}

	waitForGeneration(t, eng, "btc-usd", "1m", false)

	// The confirmation frame arrives once the subscription lands.
	frame := readFrame(t, conn)
	if frame.Type != "INITIAL" {
		t.Errorf("confirmation frame type = %q, want INITIAL", frame.Type)
	}
}

func TestWebSocket_UnsubscribeReleasesSeries(t *testing.T) {
	srv, eng := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	readFrame(t, conn)

	sub := models.MSubscribeCommand{Command: "subscribe", Symbols: []string{"btc-usd"}, Timeframe: "1m"}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("ws write failed: %v", err)
	}
	waitForGeneration(t, eng, "btc-usd", "1m", false)

	unsub := models.MSubscribeCommand{Command: "unsubscribe", Symbols: []string{"btc-usd"}, Timeframe: "1m"}
	if err := conn.WriteJSON(unsub); err != nil {
		t.Fatalf("ws write failed: %v", err)
	}
	waitForGeneration(t, eng, "btc-usd", "1m", true)
}

func TestWebSocket_DisconnectReleasesSubscriptions(t *testing.T) {
	srv, eng := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	readFrame(t, conn)

	cmd := models.MSubscribeCommand{Command: "subscribe", Symbols: []string{"btc-usd"}, Timeframe: "1m"}
	if err := conn.WriteJSON(cmd); err != nil {
		t.Fatalf("ws write failed: %v", err)
	}
	waitForGeneration(t, eng, "btc-usd", "1m", false)

	conn.Close()
	waitForGeneration(t, eng, "btc-usd", "1m", true)
}

func TestWebSocket_BroadcastReachesClient(t *testing.T) {
	srv, eng := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	readFrame(t, conn)

	srv.Broadcast(eng.Snapshot("UPDATE"))

	frame := readFrame(t, conn)
	if frame.Type != "UPDATE" {
		t.Errorf("broadcast frame type = %q, want UPDATE", frame.Type)
	}
	if len(frame.Quotes) != 2 {
		t.Errorf("broadcast quotes count = %d, want 2", len(frame.Quotes))
	}
}
