package models

// MQuote is the presentation-cache entry for one symbol: latest price plus
// the freshness annotation the staleness monitor maintains.
type MQuote struct {
	Symbol       string     `json:"symbol"`
	Price        float64    `json:"price"`
	PctChange24h float64    `json:"change24h"`
	LastUpdate   int64      `json:"lastUpdate"`
	Staleness    MStaleness `json:"staleness"`
	MarketOpen   bool       `json:"marketOpen"`
}
