package storage

import (
	"fmt"
	"strings"

	"market-sync/src/helpers"
	"market-sync/src/interfaces"
	"market-sync/src/logger"
	"market-sync/src/models"
)

// -----------------------------------------------------------------------------

// NewJournal picks the journal backend from config. Callers check
// Storage.Enabled themselves; a disabled journal is simply never constructed.
func NewJournal(cfg *models.MConfig, log *logger.Logger) (interfaces.IJournal, error) {
	switch strings.ToLower(cfg.Storage.DBType) {
	case "", "sqlite":
		return NewAsyncSQLiteDB(cfg, log)
	case "postgres", "postgresql":
		return NewPostgresDB(cfg, log)
	default:
		return nil, helpers.NewConfigurationError(fmt.Sprintf("unknown storage db_type %q", cfg.Storage.DBType))
	}
}
