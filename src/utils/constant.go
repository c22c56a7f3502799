package utils

import "market-sync/src/models"

// -----------------------------------------------------------------------------

// Fixed cadence defaults. Reconnect delay is deliberately constant, not
// exponential, so reconnect behavior stays bounded and predictable.
const (
	DefaultQuotePollSeconds      = 5
	DefaultHistoryRefreshSeconds = 60
	DefaultReconnectDelaySeconds = 5
	DefaultReadIdleSeconds       = 60
	DefaultStalenessTickSeconds  = 1
	DefaultMaxBarsPerSeries      = 5000
	DefaultRetentionDays         = 7
)

// -----------------------------------------------------------------------------

// IntervalSeconds maps a bar interval name to its bucket width.
var IntervalSeconds = map[string]int64{
	"1m":  60,
	"5m":  300,
	"15m": 900,
	"30m": 1800,
	"1h":  3600,
	"4h":  14400,
	"1d":  86400,
}

// DefaultLookbackSeconds is the backfill window per bar interval: coarser
// interval, longer lookback. Applied identically regardless of feed.
var DefaultLookbackSeconds = map[string]int64{
	"1m":  1 * 86400,
	"5m":  5 * 86400,
	"15m": 14 * 86400,
	"30m": 30 * 86400,
	"1h":  90 * 86400,
	"4h":  180 * 86400,
	"1d":  730 * 86400,
}

// -----------------------------------------------------------------------------

// DefaultStalenessWindows returns the per-asset-class freshness thresholds.
// The push-fed class gets a tight bound; poll-fed classes a looser one.
func DefaultStalenessWindows() map[string]models.MStalenessWindows {
	return map[string]models.MStalenessWindows{
		string(models.AssetCrypto):      {DelayedAfterSeconds: 10, StaleAfterSeconds: 25},
		string(models.AssetForex):       {DelayedAfterSeconds: 25, StaleAfterSeconds: 90},
		string(models.AssetIndex):       {DelayedAfterSeconds: 25, StaleAfterSeconds: 90},
		string(models.AssetEquityIndex): {DelayedAfterSeconds: 25, StaleAfterSeconds: 90},
	}
}

// -----------------------------------------------------------------------------

// LookbackFor resolves the lookback window for an interval, preferring
// config overrides over the built-in table.
func LookbackFor(interval string, overrides map[string]int64) int64 {
	if overrides != nil {
		if v, ok := overrides[interval]; ok && v > 0 {
			return v
		}
	}
	if v, ok := DefaultLookbackSeconds[interval]; ok {
		return v
	}
	return DefaultLookbackSeconds["1h"]
}

// -----------------------------------------------------------------------------

// MaxBarsForLookback bounds how many bars a backfill window can produce.
func MaxBarsForLookback(interval string, lookbackSeconds int64) int {
	step, ok := IntervalSeconds[interval]
	if !ok || step <= 0 {
		return DefaultMaxBarsPerSeries
	}
	n := int(lookbackSeconds / step)
	if n <= 0 {
		return 1
	}
	return n
}
