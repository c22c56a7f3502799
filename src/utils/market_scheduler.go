package utils

import (
	"sync"
	"time"

	"market-sync/src/logger"
	"market-sync/src/models"
)

// MarketScheduler resolves per-instrument trading hours so pollers can pause
// closed venues and quotes can carry a marketOpen flag.
type MarketScheduler struct {
	Calendars map[string]*TradingCalendar // keyed by normalized instrument ID
	Logger    *logger.Logger
	mu        sync.RWMutex
}

// -----------------------------------------------------------------------------

func NewMarketScheduler(instruments []models.MInstrument, l *logger.Logger) *MarketScheduler {
	ms := &MarketScheduler{
		Calendars: make(map[string]*TradingCalendar),
		Logger:    l,
	}
	ms.mapInstruments(instruments)
	return ms
}

// -----------------------------------------------------------------------------

func (ms *MarketScheduler) mapInstruments(instruments []models.MInstrument) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, inst := range instruments {
		id := models.NormalizeSymbol(inst.ID)
		if _, exists := ms.Calendars[id]; exists {
			continue
		}
		ms.Calendars[id] = CalendarFor(inst)
	}

	if ms.Logger != nil {
		ms.Logger.Debug("MarketScheduler: mapped %d instruments to trading calendars", len(ms.Calendars))
	}
}

// -----------------------------------------------------------------------------

// UpdateInstruments registers calendars for instruments added after startup.
func (ms *MarketScheduler) UpdateInstruments(instruments []models.MInstrument) {
	ms.mapInstruments(instruments)
}

// -----------------------------------------------------------------------------

// IsOpen reports whether the instrument's venue is trading at t. Unknown
// symbols count as open so their data is never suppressed.
func (ms *MarketScheduler) IsOpen(symbol string, t time.Time) bool {
	ms.mu.RLock()
	cal, exists := ms.Calendars[models.NormalizeSymbol(symbol)]
	ms.mu.RUnlock()

	if !exists {
		return true
	}
	return cal.IsOpenOnMinute(t)
}

// -----------------------------------------------------------------------------

// AnyMarketOpen checks if ANY tracked markets are currently open
func (ms *MarketScheduler) AnyMarketOpen() bool {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	if len(ms.Calendars) == 0 {
		return true
	}

	now := time.Now()
	for _, cal := range ms.Calendars {
		if cal.IsOpenOnMinute(now) {
			return true
		}
	}
	return false
}
