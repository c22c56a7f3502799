package storage_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"market-sync/src/helpers"
	"market-sync/src/logger"
	"market-sync/src/models"
	"market-sync/src/storage"
)

func testConfig(t *testing.T) *models.MConfig {
	t.Helper()
	return &models.MConfig{
		Name:     "market-sync-test",
		LogLevel: "error",
		Storage: models.MStorageConfig{
			Enabled:       true,
			DBType:        "sqlite",
			DBPath:        filepath.Join(t.TempDir(), "journal.db"),
			RetentionDays: 7,
		},
	}
}

func openJournal(t *testing.T) *storage.AsyncSQLiteDB {
	t.Helper()
	cfg := testConfig(t)
	j, err := storage.NewAsyncSQLiteDB(cfg, logger.NewLogger(cfg, "Journal-Test"))
	if err != nil {
		t.Fatalf("NewAsyncSQLiteDB failed: %v", err)
	}
	if err := j.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

// ============================================================================
// Test: bars
// ============================================================================

func TestSaveBarsBulk_PersistsRows(t *testing.T) {
	j := openJournal(t)

	bars := []models.MBar{
		{Timestamp: 1700000000, Open: 1, High: 2, Low: 0.5, Close: 1.5},
		{Timestamp: 1700000060, Open: 1.5, High: 2.5, Low: 1, Close: 2},
	}
	if err := j.SaveBarsBulk("btc-usd", "1m", bars); err != nil {
		t.Fatalf("SaveBarsBulk failed: %v", err)
	}

	var n int
	if err := j.DB.QueryRow(`SELECT COUNT(*) FROM bars WHERE symbol = 'btc-usd' AND interval = '1m'`).Scan(&n); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if n != 2 {
		t.Errorf("row count = %d, want 2", n)
	}
}

func TestSaveBarsBulk_RewriteUpdatesInPlace(t *testing.T) {
	j := openJournal(t)

	first := []models.MBar{{Timestamp: 1700000000, Open: 1, High: 2, Low: 0.5, Close: 1.5}}
	if err := j.SaveBarsBulk("btc-usd", "1m", first); err != nil {
		t.Fatalf("first SaveBarsBulk failed: %v", err)
	}

	second := []models.MBar{{Timestamp: 1700000000, Open: 1, High: 3, Low: 0.5, Close: 2.8}}
	if err := j.SaveBarsBulk("btc-usd", "1m", second); err != nil {
		t.Fatalf("second SaveBarsBulk failed: %v", err)
	}

	var n int
	var closePx float64
	if err := j.DB.QueryRow(`SELECT COUNT(*) FROM bars`).Scan(&n); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("row count = %d, want 1 (rewrite must not duplicate)", n)
	}
	if err := j.DB.QueryRow(`SELECT close FROM bars WHERE symbol = 'btc-usd'`).Scan(&closePx); err != nil {
		t.Fatalf("close query failed: %v", err)
	}
	if closePx != 2.8 {
		t.Errorf("close = %v, want 2.8", closePx)
	}
}

func TestSaveBarsBulk_EmptyIsNoop(t *testing.T) {
	j := openJournal(t)
	if err := j.SaveBarsBulk("btc-usd", "1m", nil); err != nil {
		t.Fatalf("SaveBarsBulk(nil) failed: %v", err)
	}
}

// ============================================================================
// Test: quotes and instruments
// ============================================================================

func TestSaveQuotes_PersistsSnapshot(t *testing.T) {
	j := openJournal(t)

	quotes := map[string]models.MQuote{
		"btc-usd": {Symbol: "btc-usd", Price: 42000.5, PctChange24h: -1.2, Staleness: models.StalenessLive, MarketOpen: true},
		"eur-usd": {Symbol: "eur-usd", Price: 1.0871, Staleness: models.StalenessStale, MarketOpen: false},
	}
	if err := j.SaveQuotes(quotes); err != nil {
		t.Fatalf("SaveQuotes failed: %v", err)
	}

	var staleness string
	if err := j.DB.QueryRow(`SELECT staleness FROM quotes WHERE symbol = 'eur-usd'`).Scan(&staleness); err != nil {
		t.Fatalf("staleness query failed: %v", err)
	}
	if staleness != "STALE" {
		t.Errorf("staleness = %q, want %q", staleness, "STALE")
	}
}

func TestRegisterInstruments_UpsertKeepsOneRow(t *testing.T) {
	j := openJournal(t)

	inst := models.MInstrument{ID: "btc-usd", DisplaySymbol: "BTCUSDT", AssetClass: models.AssetCrypto}
	if err := j.RegisterInstruments([]models.MInstrument{inst}); err != nil {
		t.Fatalf("first RegisterInstruments failed: %v", err)
	}

	inst.DisplaySymbol = "BTC-USD"
	if err := j.RegisterInstruments([]models.MInstrument{inst}); err != nil {
		t.Fatalf("second RegisterInstruments failed: %v", err)
	}

	var n int
	var display string
	if err := j.DB.QueryRow(`SELECT COUNT(*) FROM instruments`).Scan(&n); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("row count = %d, want 1", n)
	}
	if err := j.DB.QueryRow(`SELECT display_symbol FROM instruments WHERE symbol = 'btc-usd'`).Scan(&display); err != nil {
		t.Fatalf("display query failed: %v", err)
	}
	if display != "BTC-USD" {
		t.Errorf("display_symbol = %q, want %q", display, "BTC-USD")
	}
}

// ============================================================================
// Test: retention
// ============================================================================

func TestCleanupOldData_DropsExpiredRows(t *testing.T) {
	j := openJournal(t)

	now := time.Now().UTC().Unix()
	old := time.Now().UTC().AddDate(0, 0, -30).Unix()
	bars := []models.MBar{
		{Timestamp: old, Open: 1, High: 1, Low: 1, Close: 1},
		{Timestamp: now, Open: 2, High: 2, Low: 2, Close: 2},
	}
	if err := j.SaveBarsBulk("btc-usd", "1d", bars); err != nil {
		t.Fatalf("SaveBarsBulk failed: %v", err)
	}

	if err := j.CleanupOldData(); err != nil {
		t.Fatalf("CleanupOldData failed: %v", err)
	}

	var n int
	if err := j.DB.QueryRow(`SELECT COUNT(*) FROM bars`).Scan(&n); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if n != 1 {
		t.Errorf("row count after cleanup = %d, want 1", n)
	}
	var ts int64
	if err := j.DB.QueryRow(`SELECT timestamp FROM bars`).Scan(&ts); err != nil {
		t.Fatalf("timestamp query failed: %v", err)
	}
	if ts != now {
		t.Errorf("surviving timestamp = %d, want %d", ts, now)
	}
}

// ============================================================================
// Test: backend selection
// ============================================================================

func TestNewJournal_DefaultsToSQLite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.DBType = ""
	j, err := storage.NewJournal(cfg, logger.NewLogger(cfg, "Journal-Test"))
	if err != nil {
		t.Fatalf("NewJournal failed: %v", err)
	}
	if _, ok := j.(*storage.AsyncSQLiteDB); !ok {
		t.Errorf("backend = %T, want *storage.AsyncSQLiteDB", j)
	}
}

func TestNewJournal_UnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.DBType = "cassandra"
	_, err := storage.NewJournal(cfg, logger.NewLogger(cfg, "Journal-Test"))
	if err == nil {
		t.Fatal("NewJournal accepted an unknown driver")
	}
	var cfgErr *helpers.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("error = %T, want *helpers.ConfigurationError", err)
	}
}

func TestNewAsyncSQLiteDB_MissingPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.DBPath = ""
	if _, err := storage.NewAsyncSQLiteDB(cfg, logger.NewLogger(cfg, "Journal-Test")); err == nil {
		t.Fatal("NewAsyncSQLiteDB accepted an empty db_path")
	}
}
