package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"market-sync/src/helpers"
	"market-sync/src/logger"
	"market-sync/src/models"
	"market-sync/src/utils"

	_ "modernc.org/sqlite"
)

// -----------------------------------------------------------------------------

type AsyncSQLiteDB struct {
	Config *models.MConfig
	DB     *sql.DB
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

func NewAsyncSQLiteDB(cfg *models.MConfig, log *logger.Logger) (*AsyncSQLiteDB, error) {
	if cfg.Storage.DBPath == "" {
		return nil, helpers.NewConfigurationError("storage.db_path is required for the sqlite journal")
	}
	return &AsyncSQLiteDB{
		Config: cfg,
		Logger: log,
	}, nil
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) Initialize() error {
	dsn := d.Config.Storage.DBPath
	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return err
	}

	if err := db.Ping(); err != nil {
		return err
	}

	d.DB = db

	// PRAGMA optimizations
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		d.Logger.Warning("Failed to set WAL mode: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL;"); err != nil {
		d.Logger.Warning("Failed to set synchronous mode: %v", err)
	}

	if err := d.ensureTables(); err != nil {
		return err
	}

	d.Logger.Info("SQLite journal ready at %s", dsn)
	return nil
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) ensureTables() error {
	// The journal persists across restarts; rows age out via CleanupOldData,
	// never via schema recreation.
	query := `
		CREATE TABLE IF NOT EXISTS bars (
			symbol TEXT,
			interval TEXT,
			timestamp INTEGER,
			open REAL,
			high REAL,
			low REAL,
			close REAL,
			PRIMARY KEY (symbol, interval, timestamp)
		);
	`
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create bars: %w", err)
	}

	query = `
		CREATE TABLE IF NOT EXISTS quotes (
			symbol TEXT,
			captured_at INTEGER,
			price REAL,
			pct_change_24h REAL,
			staleness TEXT,
			market_open INTEGER,
			PRIMARY KEY (symbol, captured_at)
		);
	`
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create quotes: %w", err)
	}

	query = `
		CREATE TABLE IF NOT EXISTS instruments (
			symbol TEXT PRIMARY KEY,
			display_symbol TEXT,
			asset_class TEXT,
			mic TEXT,
			feed TEXT,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create instruments: %w", err)
	}

	return nil
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) RegisterInstruments(instruments []models.MInstrument) error {
	if len(instruments) == 0 {
		return nil
	}

	tx, err := d.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO instruments (symbol, display_symbol, asset_class, mic, feed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol) DO UPDATE SET
			display_symbol = excluded.display_symbol,
			asset_class = excluded.asset_class,
			mic = excluded.mic,
			feed = excluded.feed,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, inst := range instruments {
		_, err := stmt.Exec(inst.ID, inst.DisplaySymbol, string(inst.AssetClass), inst.MIC, inst.Feed, now)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) SaveBarsBulk(symbol, interval string, bars []models.MBar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := d.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Reconciled tails get re-journaled after merges, so collisions update
	// in place.
	stmt, err := tx.Prepare(`
		INSERT INTO bars (symbol, interval, timestamp, open, high, low, close)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, interval, timestamp) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, b := range bars {
		_, err := stmt.Exec(symbol, interval, b.Timestamp, b.Open, b.High, b.Low, b.Close)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) SaveQuotes(quotes map[string]models.MQuote) error {
	if len(quotes) == 0 {
		return nil
	}

	tx, err := d.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO quotes (symbol, captured_at, price, pct_change_24h, staleness, market_open)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, captured_at) DO UPDATE SET
			price = excluded.price,
			pct_change_24h = excluded.pct_change_24h,
			staleness = excluded.staleness,
			market_open = excluded.market_open
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	capturedAt := time.Now().UTC().Unix()
	for _, q := range quotes {
		_, err := stmt.Exec(q.Symbol, capturedAt, q.Price, q.PctChange24h, string(q.Staleness), q.MarketOpen)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) CleanupOldData() error {
	retentionDays := d.Config.Storage.RetentionDays
	if retentionDays <= 0 {
		retentionDays = utils.DefaultRetentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Unix()

	d.Logger.Info("Cleaning up data older than %d days (timestamp < %d)...", retentionDays, cutoff)

	if _, err := d.DB.Exec("DELETE FROM bars WHERE timestamp < ?", cutoff); err != nil {
		d.Logger.Error("Cleanup bars error: %v", err)
	}
	if _, err := d.DB.Exec("DELETE FROM quotes WHERE captured_at < ?", cutoff); err != nil {
		d.Logger.Error("Cleanup quotes error: %v", err)
	}

	d.Logger.Info("Cleanup completed")
	return nil
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}
