package models

// MStaleness classifies how long ago a symbol last confirmed an update.
type MStaleness string

const (
	StalenessLive    MStaleness = "LIVE"
	StalenessDelayed MStaleness = "DELAYED"
	StalenessStale   MStaleness = "STALE"
)
