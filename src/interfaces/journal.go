package interfaces

import "market-sync/src/models"

// -----------------------------------------------------------------------------
// IJournal is the write-only recording sink for reconciled data. Nothing in
// the engine reads it back; series always rebuild from live backfill.
// -----------------------------------------------------------------------------

type IJournal interface {

	// -----------------------------------------------------------------------------

	// Initialize sets up the schema and tables.
	Initialize() error

	// -----------------------------------------------------------------------------

	// RegisterInstruments upserts the instrument catalog so journaled rows
	// can be joined against symbol metadata.
	RegisterInstruments(instruments []models.MInstrument) error

	// -----------------------------------------------------------------------------

	// SaveBarsBulk inserts a batch of reconciled bars for one series.
	SaveBarsBulk(symbol, interval string, bars []models.MBar) error

	// -----------------------------------------------------------------------------

	// SaveQuotes records a quote snapshot.
	SaveQuotes(quotes map[string]models.MQuote) error

	// -----------------------------------------------------------------------------

	// CleanupOldData removes rows older than the retention policy.
	CleanupOldData() error

	// -----------------------------------------------------------------------------

	// Close the underlying connection
	Close() error
}
