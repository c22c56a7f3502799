package storage

import (
	"fmt"
	"time"

	"market-sync/src/models"
)

// Catalog registration specific to Postgres. Journaled rows carry only the
// canonical symbol; joining against this table recovers class and venue.

// -----------------------------------------------------------------------------

func (d *PostgresDB) RegisterInstruments(instruments []models.MInstrument) error {
	if len(instruments) == 0 {
		return nil
	}

	tx, err := d.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableName := fmt.Sprintf(`"%s"."instruments"`, d.Schema)
	query := fmt.Sprintf(`
		INSERT INTO %s (symbol, display_symbol, asset_class, mic, feed, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (symbol) DO UPDATE SET
			display_symbol = EXCLUDED.display_symbol,
			asset_class = EXCLUDED.asset_class,
			mic = EXCLUDED.mic,
			feed = EXCLUDED.feed,
			updated_at = EXCLUDED.updated_at
	`, tableName)

	stmt, err := tx.Prepare(query)
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
