package storage

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"market-sync/src/helpers"
	"market-sync/src/logger"
	"market-sync/src/models"
	"market-sync/src/utils"

	_ "github.com/lib/pq"
)

// -----------------------------------------------------------------------------

type PostgresDB struct {
	Config *models.MConfig
	DB     *sql.DB
	Schema string
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

var schemaCleaner = regexp.MustCompile(`[^a-z0-9_]+`)

func NewPostgresDB(cfg *models.MConfig, log *logger.Logger) (*PostgresDB, error) {
	if cfg.Storage.DBConnectionString == "" {
		return nil, helpers.NewConfigurationError("storage.db_connection_string is required for the postgres journal")
	}

	// One schema per deployment, named after the service.
	schema := schemaCleaner.ReplaceAllString(strings.ToLower(cfg.Name), "_")
	schema = strings.Trim(schema, "_")
	if schema == "" {
		schema = "market_sync"
	}

	return &PostgresDB{
		Config: cfg,
		Schema: schema,
		Logger: log,
	}, nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) Initialize() error {
	dsn := d.Config.Storage.DBConnectionString
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}

	if err := db.Ping(); err != nil {
		return err
	}

	d.DB = db

	if _, err := d.DB.Exec(fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS "%s"`, d.Schema)); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", d.Schema, err)
	}

	if err := d.ensureTables(); err != nil {
		return err
	}

	d.Logger.Info("PostgresDB initialized successfully (Schema: %s)", d.Schema)
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) ensureTables() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."bars" (
			symbol TEXT,
			interval TEXT,
			timestamp BIGINT,
			open DOUBLE PRECISION,
			high DOUBLE PRECISION,
			low DOUBLE PRECISION,
			close DOUBLE PRECISION,
			PRIMARY KEY (symbol, interval, timestamp)
		);
	`, d.Schema)
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create bars: %w", err)
	}

	query = fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."quotes" (
			symbol TEXT,
			captured_at BIGINT,
			price DOUBLE PRECISION,
			pct_change_24h DOUBLE PRECISION,
			staleness TEXT,
			market_open BOOLEAN,
			PRIMARY KEY (symbol, captured_at)
		);
	`, d.Schema)
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create quotes: %w", err)
	}

	query = fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."instruments" (
			symbol TEXT PRIMARY KEY,
			display_symbol TEXT,
			asset_class TEXT,
			mic TEXT,
			feed TEXT,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`, d.Schema)
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create instruments: %w", err)
	}

	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) SaveBarsBulk(symbol, interval string, bars []models.MBar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := d.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO "%s"."bars" (symbol, interval, timestamp, open, high, low, close)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol, interval, timestamp) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close
	`, d.Schema)
	stmt, err := tx.Prepare(query)
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

func (d *PostgresDB) SaveQuotes(quotes map[string]models.MQuote) error {
	if len(quotes) == 0 {
		return nil
	}

	tx, err := d.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO "%s"."quotes" (symbol, captured_at, price, pct_change_24h, staleness, market_open)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (symbol, captured_at) DO UPDATE SET
			price = EXCLUDED.price,
			pct_change_24h = EXCLUDED.pct_change_24h,
			staleness = EXCLUDED.staleness,
			market_open = EXCLUDED.market_open
	`, d.Schema)
	stmt, err := tx.Prepare(query)
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

func (d *PostgresDB) CleanupOldData() error {
	retentionDays := d.Config.Storage.RetentionDays
	if retentionDays <= 0 {
		retentionDays = utils.DefaultRetentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Unix()

	d.Logger.Info("Cleaning up data older than %d days (timestamp < %d)...", retentionDays, cutoff)

	if _, err := d.DB.Exec(fmt.Sprintf(`DELETE FROM "%s"."bars" WHERE timestamp < $1`, d.Schema), cutoff); err != nil {
		d.Logger.Error("Cleanup bars error: %v", err)
	}
	if _, err := d.DB.Exec(fmt.Sprintf(`DELETE FROM "%s"."quotes" WHERE captured_at < $1`, d.Schema), cutoff); err != nil {
		d.Logger.Error("Cleanup quotes error: %v", err)
	}

	d.Logger.Info("Cleanup completed")
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}
