package models

// MBar represents one OHLC bucket of a series. Timestamp is the bucket start
// in integer epoch seconds regardless of the feed's native resolution.
type MBar struct {
	Timestamp int64   `json:"time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
}
