package models

// MPriceUpdate represents a live quote tick from any feed.
type MPriceUpdate struct {
	Symbol       string  `json:"symbol"`
	Price        float64 `json:"price"`
	PctChange24h float64 `json:"pct_change_24h"`
	ReceivedAt   int64   `json:"received_at"`
}
