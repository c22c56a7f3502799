package stream_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"market-sync/src/feeds/stream"
	"market-sync/src/helpers"
	"market-sync/src/models"
)

func testConfig() *models.MConfig {
	cfg := &models.MConfig{LogLevel: "error"}
	cfg.Feeds.ReconnectDelaySeconds = 1
	cfg.Feeds.ReadIdleSeconds = 1
	return cfg
}

func btcInstrument() models.MInstrument {
	return models.MInstrument{
		ID:            "btc-usd",
		DisplaySymbol: "BTCUSDT",
		AssetClass:    models.AssetCrypto,
	}
}

// ============================================================================
// Test: ParseStreamMessage
// ============================================================================

func TestParseStreamMessage_KlineFrame(t *testing.T) {
	frame := []byte(`{"stream":"btcusdt@kline_1m","data":{"e":"kline","s":"BTCUSDT","k":{"t":1700000000000,"i":"1m","o":"42000.1","h":"42100.5","l":"41900.0","c":"42050.3"}}}`)

	update, ok, err := stream.ParseStreamMessage(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected a usable update")
	}
	if update.Kind != models.UpdateBar {
		t.Errorf("kind: got %s, want BAR", update.Kind)
	}
	if update.Symbol != "btcusdt" {
		t.Errorf("symbol: got %q, want the normalized wire symbol", update.Symbol)
	}
	if update.Interval != "1m" {
		t.Errorf("interval: got %q, want 1m", update.Interval)
	}
	// The vendor sends the bucket start in milliseconds; the parser hands it
	// through raw and the reconciler truncates.
	if update.Bar.Timestamp != 1700000000000 {
		t.Errorf("timestamp: got %d, want the raw millisecond value", update.Bar.Timestamp)
	}
	if update.Bar.Open != 42000.1 || update.Bar.High != 42100.5 || update.Bar.Low != 41900.0 || update.Bar.Close != 42050.3 {
		t.Errorf("OHLC mismatch: got %+v", update.Bar)
	}
}

func TestParseStreamMessage_TickerWithoutEnvelope(t *testing.T) {
	frame := []byte(`{"e":"24hrTicker","s":"BTCUSDT","c":"42050.3","P":"-1.24"}`)

	update, ok, err := stream.ParseStreamMessage(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected a usable update")
	}
	if update.Kind != models.UpdateTick {
		t.Errorf("kind: got %s, want TICK", update.Kind)
	}
	if update.Tick.Price != 42050.3 {
		t.Errorf("price: got %v, want 42050.3", update.Tick.Price)
	}
	if update.Tick.PctChange24h != -1.24 {
		t.Errorf("change: got %v, want -1.24", update.Tick.PctChange24h)
	}
}

func TestParseStreamMessage_UnknownEventIgnored(t *testing.T) {
	frame := []byte(`{"stream":"btcusdt@depth","data":{"e":"depthUpdate","s":"BTCUSDT"}}`)

	_, ok, err := stream.ParseStreamMessage(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("unknown event types must not produce updates")
	}
}

func TestParseStreamMessage_GarbageIsParseError(t *testing.T) {
	_, _, err := stream.ParseStreamMessage([]byte(`not json at all`))
	if err == nil {
		t.Fatal("expected an error for unreadable bytes")
	}
	var parseErr *helpers.ParseError
	if !errors.As(err, &parseErr) {
		t.Errorf("got %T, want *helpers.ParseError", err)
	}
}

func TestParseStreamMessage_NonNumericPrices(t *testing.T) {
	frame := []byte(`{"e":"kline","s":"BTCUSDT","k":{"t":1700000000000,"i":"1m","o":"forty","h":"2","l":"1","c":"1.5"}}`)

	_, _, err := stream.ParseStreamMessage(frame)
	if err == nil {
		t.Fatal("expected an error for non-numeric prices")
	}
	var parseErr *helpers.ParseError
	if !errors.As(err, &parseErr) {
		t.Errorf("got %T, want *helpers.ParseError", err)
	}
}

func TestParseStreamMessage_NonPositiveTickerDropped(t *testing.T) {
	frame := []byte(`{"e":"24hrTicker","s":"BTCUSDT","c":"0","P":"0.0"}`)

	_, ok, err := stream.ParseStreamMessage(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("a zero price must not produce an update")
	}
}

func TestParseStreamMessage_InvertedRangeDropped(t *testing.T) {
	frame := []byte(`{"e":"kline","s":"BTCUSDT","k":{"t":1700000000000,"i":"1m","o":"2","h":"1","l":"3","c":"2"}}`)

	_, ok, err := stream.ParseStreamMessage(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("a bar with high below low must not produce an update")
	}
}

// ============================================================================
// Test: subscription registry
// ============================================================================

func TestSubscribeStream_BeforeStartIsRegistered(t *testing.T) {
	feed := stream.NewStreamFeed(testConfig(), models.MFeedConfig{Name: "push"}, nil)

	if err := feed.SubscribeStream(btcInstrument(), "1m", 1); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	status := feed.Status()
	if status.Connection != models.ConnIdle {
		t.Errorf("connection: got %s, want IDLE before Start", status.Connection)
	}
	if len(status.Symbols) != 1 || status.Symbols[0] != "btc-usd" {
		t.Errorf("symbols: got %v, want the canonical id", status.Symbols)
	}
}

func TestSubscribeStream_RekeyDoesNotDuplicate(t *testing.T) {
	feed := stream.NewStreamFeed(testConfig(), models.MFeedConfig{Name: "push"}, nil)

	if err := feed.SubscribeStream(btcInstrument(), "1m", 1); err != nil {
		t.Fatalf("first subscribe failed: %v", err)
	}
	if err := feed.SubscribeStream(btcInstrument(), "1m", 2); err != nil {
		t.Fatalf("re-key failed: %v", err)
	}

	status := feed.Status()
	if len(status.Symbols) != 1 {
		t.Errorf("symbols: got %v, want one entry after re-key", status.Symbols)
	}
}

func TestUnsubscribeStream_RemovesSeries(t *testing.T) {
	feed := stream.NewStreamFeed(testConfig(), models.MFeedConfig{Name: "push"}, nil)

	if err := feed.SubscribeStream(btcInstrument(), "1m", 1); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	feed.UnsubscribeStream(btcInstrument(), "1m")

	if status := feed.Status(); len(status.Symbols) != 0 {
		t.Errorf("symbols: got %v, want none after unsubscribe", status.Symbols)
	}
}

// ============================================================================
// Test: lifecycle
// ============================================================================

func TestStreamFeed_StopDrainsWorkers(t *testing.T) {
	cfg := testConfig()
	feed := stream.NewStreamFeed(cfg, models.MFeedConfig{
		Name: "push",
		// Nothing listens here; the worker cycles between dial failure and
		// the reconnect wait until stopped.
		StreamURL: "ws://127.0.0.1:1",
	}, nil)

	if err := feed.SubscribeStream(btcInstrument(), "1m", 1); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	output := make(chan models.MUpdate, 16)
	var wg sync.WaitGroup
	if err := feed.Start(context.Background(), output, &wg); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := feed.Start(context.Background(), output, &wg); err == nil {
		t.Error("second Start must fail while running")
	}

	if err := feed.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("workers did not drain after Stop")
	}

	if status := feed.Status(); status.Connection != models.ConnIdle {
		t.Errorf("connection: got %s, want IDLE after Stop", status.Connection)
	}
}

func TestStreamFeed_RedialKeepsSubscription(t *testing.T) {
	type dial struct {
		uri string
		at  time.Time
	}
	dials := make(chan dial, 8)

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials <- dial{uri: r.URL.RequestURI(), at: time.Now()}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Drop the connection straight away; the worker must come back on
		// its own.
		conn.Close()
	}))
	defer srv.Close()

	cfg := testConfig()
	feed := stream.NewStreamFeed(cfg, models.MFeedConfig{
		Name:      "push",
		StreamURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}, nil)

	if err := feed.SubscribeStream(btcInstrument(), "1m", 1); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	output := make(chan models.MUpdate, 16)
	var wg sync.WaitGroup
	if err := feed.Start(context.Background(), output, &wg); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	var first, second dial
	select {
	case first = <-dials:
	case <-time.After(3 * time.Second):
		t.Fatal("no initial dial arrived")
	}
	select {
	case second = <-dials:
	case <-time.After(5 * time.Second):
		t.Fatal("no redial after the dropped connection")
	}

	if err := feed.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	wg.Wait()

	if second.uri != first.uri {
		t.Errorf("redial URI: got %q, want %q (same series)", second.uri, first.uri)
	}
	if !strings.Contains(first.uri, "btcusdt@kline_1m") || !strings.Contains(first.uri, "btcusdt@ticker") {
		t.Errorf("dial URI %q missing the kline or ticker stream", first.uri)
	}
	delay := time.Duration(cfg.Feeds.ReconnectDelaySeconds) * time.Second
	if gap := second.at.Sub(first.at); gap < delay {
		t.Errorf("redial gap: got %v, want at least the %v reconnect delay", gap, delay)
	}
	if status := feed.Status(); status.FailureCount == 0 {
		t.Error("dropped connection did not register a failure")
	}
}
