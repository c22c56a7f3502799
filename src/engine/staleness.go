package engine

import (
	"strings"

	"market-sync/src/models"
	"market-sync/src/utils"
)

// -----------------------------------------------------------------------------
// Staleness classification. Thresholds are per asset class from an explicit
// table; classification depends only on update age, never on connection
// status, so a silent feed is still detected.
// -----------------------------------------------------------------------------

type StalenessTable map[models.MAssetClass]models.MStalenessWindows

// -----------------------------------------------------------------------------

// BuildStalenessTable converts the config class map into a lookup table,
// filling any missing class from the defaults.
func BuildStalenessTable(classes map[string]models.MStalenessWindows) StalenessTable {
	table := make(StalenessTable)
	for class, w := range utils.DefaultStalenessWindows() {
		table[models.MAssetClass(class)] = w
	}
	for class, w := range classes {
		table[models.MAssetClass(strings.ToUpper(class))] = w
	}
	return table
}

// -----------------------------------------------------------------------------

// WindowsFor returns the thresholds for an asset class.
func (t StalenessTable) WindowsFor(class models.MAssetClass) models.MStalenessWindows {
	if w, ok := t[class]; ok {
		return w
	}
	return utils.DefaultStalenessWindows()[string(models.AssetForex)]
}

// -----------------------------------------------------------------------------

// Classify maps an update age onto {LIVE, DELAYED, STALE}. A symbol that has
// never confirmed an update (lastUpdate <= 0) is STALE.
func Classify(w models.MStalenessWindows, lastUpdate, now int64) models.MStaleness {
	if lastUpdate <= 0 {
		return models.StalenessStale
	}

	age := now - lastUpdate
	switch {
	case age < w.DelayedAfterSeconds:
		return models.StalenessLive
	case age < w.StaleAfterSeconds:
		return models.StalenessDelayed
	default:
		return models.StalenessStale
	}
}
