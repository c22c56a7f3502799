package models

// -----------------------------------------------------------------------------
// Broadcast state structure
// -----------------------------------------------------------------------------

type MSnapshot struct {
	Type      string            `json:"type"` // "INITIAL" or "UPDATE"
	Quotes    map[string]MQuote `json:"quotes"`
	Timestamp int64             `json:"timestamp"`
	Metrics   MSyncMetrics      `json:"metrics"`
}

// -----------------------------------------------------------------------------
// SubscribeCommand for client messages
// -----------------------------------------------------------------------------

type MSubscribeCommand struct {
	Command    string   `json:"command"`
	ClientType string   `json:"clientType"`
	Symbols    []string `json:"symbols"`
	Timeframe  string   `json:"timeframe"`
}

// -----------------------------------------------------------------------------

// MSyncMetrics summarizes reconciliation work since process start.
type MSyncMetrics struct {
	UpdatesApplied int64   `json:"updates_applied"`
	MergeFallbacks int64   `json:"merge_fallbacks"`
	ParseDrops     int64   `json:"parse_drops"`
	DroppedStale   int64   `json:"dropped_stale_writes"`
	ActiveSeries   int     `json:"active_series"`
	ReconcileTime  float64 `json:"reconcile_time_seconds"`
	TrackedSymbols int     `json:"tracked_symbols"`
}
