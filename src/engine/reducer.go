package engine

import (
	"sort"

	"market-sync/src/models"
)

// -----------------------------------------------------------------------------
// Series reducer. Pure functions over bar slices: every call returns a fresh
// slice and never mutates its input, so stored series stay immutable and
// readers need no copy.
// -----------------------------------------------------------------------------

// NormalizeEpoch truncates a timestamp to integer epoch seconds. Values at or
// above 1e12 can only be milliseconds and are divided down, so feeds with
// millisecond resolution merge consistently with second-resolution feeds.
func NormalizeEpoch(ts int64) int64 {
	if ts >= 1e12 {
		return ts / 1000
	}
	return ts
}

// -----------------------------------------------------------------------------

// ReduceBar folds one incoming bar into an ordered series.
// Fast paths: same timestamp as the tail replaces the tail (intra-bucket
// update), a newer timestamp appends. Anything else falls back to MergeBars,
// which re-establishes the strictly-ascending unique invariant.
// The second return reports whether the fallback ran.
func ReduceBar(series []models.MBar, bar models.MBar) ([]models.MBar, bool) {
	bar.Timestamp = NormalizeEpoch(bar.Timestamp)

	n := len(series)
	if n == 0 {
		return []models.MBar{bar}, false
	}

	last := series[n-1].Timestamp
	switch {
	case bar.Timestamp == last:
		out := make([]models.MBar, n)
		copy(out, series)
		out[n-1] = bar
		return out, false

	case bar.Timestamp > last:
		out := make([]models.MBar, n, n+1)
		copy(out, series)
		return append(out, bar), false

	default:
		merged := make([]models.MBar, 0, n+1)
		merged = append(merged, series...)
		merged = append(merged, bar)
		return MergeBars(merged), true
	}
}

// -----------------------------------------------------------------------------

// MergeBars sorts bars ascending by timestamp and collapses duplicate
// timestamps keeping the last-seen value. Mandatory for every bulk load:
// backfill responses are not assumed sorted or unique.
func MergeBars(bars []models.MBar) []models.MBar {
	if len(bars) == 0 {
		return []models.MBar{}
	}

	out := make([]models.MBar, len(bars))
	copy(out, bars)
	for i := range out {
		out[i].Timestamp = NormalizeEpoch(out[i].Timestamp)
	}

	// Stable sort keeps arrival order within equal timestamps, so the last
	// element of each run is the last-written value.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})

	merged := out[:0]
	for i := 0; i < len(out); i++ {
		if len(merged) > 0 && merged[len(merged)-1].Timestamp == out[i].Timestamp {
			merged[len(merged)-1] = out[i]
		} else {
			merged = append(merged, out[i])
		}
	}

	return merged
}

// -----------------------------------------------------------------------------

// TrimHead drops the oldest bars so the series holds at most max entries.
func TrimHead(series []models.MBar, max int) []models.MBar {
	if max <= 0 || len(series) <= max {
		return series
	}
	return series[len(series)-max:]
}
