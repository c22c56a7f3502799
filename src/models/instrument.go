package models

import "strings"

// Asset classes determine feed ownership and staleness thresholds.
type MAssetClass string

const (
	AssetCrypto      MAssetClass = "CRYPTO"
	AssetForex       MAssetClass = "FOREX"
	AssetIndex       MAssetClass = "INDEX"
	AssetEquityIndex MAssetClass = "EQUITY_INDEX"
)

// -----------------------------------------------------------------------------

// MInstrument describes one subscribable symbol. ID is the canonical lowercase
// identity key; DisplaySymbol is the vendor spelling used on the wire.
type MInstrument struct {
	ID            string      `json:"id" yaml:"symbol"`
	DisplaySymbol string      `json:"display_symbol" yaml:"display"`
	AssetClass    MAssetClass `json:"asset_class" yaml:"asset_class"`
	MIC           string      `json:"mic,omitempty" yaml:"mic"`
	Feed          string      `json:"feed,omitempty" yaml:"feed"`
}

// -----------------------------------------------------------------------------

// NormalizeSymbol maps any spelling of a symbol to its canonical cache key.
func NormalizeSymbol(symbol string) string {
	return strings.ToLower(strings.TrimSpace(symbol))
}
