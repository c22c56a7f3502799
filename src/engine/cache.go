package engine

import (
	"sync"

	"market-sync/src/models"
)

// -----------------------------------------------------------------------------
// PresentationCache is the last-known-value store consumers read. Every key is
// normalized to canonical lowercase before storage and lookup, so differently
// cased references to one instrument resolve to a single entry. Only the
// engine writes; readers never mutate.
// -----------------------------------------------------------------------------

type PresentationCache struct {
	mu         sync.RWMutex
	quotes     map[string]models.MQuote
	lastUpdate map[string]int64
}

// -----------------------------------------------------------------------------

func NewPresentationCache() *PresentationCache {
	return &PresentationCache{
		quotes:     make(map[string]models.MQuote),
		lastUpdate: make(map[string]int64),
	}
}

// -----------------------------------------------------------------------------

// ApplyTick records a live quote. Latest arrival wins.
func (c *PresentationCache) ApplyTick(tick models.MPriceUpdate) {
	id := models.NormalizeSymbol(tick.Symbol)
	if id == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.quotes[id]
	q.Symbol = id
	q.Price = tick.Price
	q.PctChange24h = tick.PctChange24h
	q.LastUpdate = tick.ReceivedAt
	c.quotes[id] = q
	c.lastUpdate[id] = tick.ReceivedAt
}

// -----------------------------------------------------------------------------

// Touch refreshes the freshness heartbeat without changing the price, for
// symbols whose confirmation arrives as bars rather than ticks.
func (c *PresentationCache) Touch(symbol string, at int64) {
	id := models.NormalizeSymbol(symbol)

	c.mu.Lock()
	defer c.mu.Unlock()

	if at > c.lastUpdate[id] {
		c.lastUpdate[id] = at
		if q, ok := c.quotes[id]; ok {
			q.LastUpdate = at
			c.quotes[id] = q
		}
	}
}

// -----------------------------------------------------------------------------

// SetStaleness writes the monitor's classification for a symbol.
func (c *PresentationCache) SetStaleness(symbol string, classification models.MStaleness) {
	id := models.NormalizeSymbol(symbol)

	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.quotes[id]
	if !ok {
		return
	}
	q.Staleness = classification
	c.quotes[id] = q
}

// -----------------------------------------------------------------------------

// SetMarketOpen annotates whether the symbol's venue is currently trading.
func (c *PresentationCache) SetMarketOpen(symbol string, open bool) {
	id := models.NormalizeSymbol(symbol)

	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.quotes[id]
	if !ok {
		return
	}
	q.MarketOpen = open
	c.quotes[id] = q
}

// -----------------------------------------------------------------------------

// Get returns the cached quote for a symbol.
func (c *PresentationCache) Get(symbol string) (models.MQuote, bool) {
	id := models.NormalizeSymbol(symbol)

	c.mu.RLock()
	defer c.mu.RUnlock()

	q, ok := c.quotes[id]
	return q, ok
}

// -----------------------------------------------------------------------------

// All returns a copy of every cached quote keyed by canonical symbol.
func (c *PresentationCache) All() map[string]models.MQuote {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]models.MQuote, len(c.quotes))
	for id, q := range c.quotes {
		out[id] = q
	}
	return out
}

// -----------------------------------------------------------------------------

// LastUpdate returns the freshness heartbeat for a symbol, zero if unseen.
func (c *PresentationCache) LastUpdate(symbol string) int64 {
	id := models.NormalizeSymbol(symbol)

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.lastUpdate[id]
}

// -----------------------------------------------------------------------------

// Evict removes an unsubscribed symbol's entry.
func (c *PresentationCache) Evict(symbol string) {
	id := models.NormalizeSymbol(symbol)

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.quotes, id)
	delete(c.lastUpdate, id)
}

// -----------------------------------------------------------------------------

// Count returns the number of cached symbols.
func (c *PresentationCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.quotes)
}
