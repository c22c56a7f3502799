package engine

import (
	"runtime"
	"runtime/debug"
	"sync"

	"market-sync/src/logger"
	"market-sync/src/models"
)

// -----------------------------------------------------------------------------
// SeriesStore holds per-(symbol, interval) bar history. Writers are serialized
// by the engine; every write verifies the subscription generation immediately
// before touching state, so late updates from torn-down tasks are dropped.
// -----------------------------------------------------------------------------

type SeriesKey struct {
	Symbol   string
	Interval string
}

func NewSeriesKey(symbol, interval string) SeriesKey {
	return SeriesKey{Symbol: models.NormalizeSymbol(symbol), Interval: interval}
}

// -----------------------------------------------------------------------------

type seriesEntry struct {
	bars       []models.MBar
	loading    bool
	generation uint64
}

type SeriesStore struct {
	mu          sync.RWMutex
	series      map[SeriesKey]*seriesEntry
	maxBars     int
	maxMemoryMB int
	appends     int
	logger      *logger.Logger
}

// -----------------------------------------------------------------------------

func NewSeriesStore(maxBars, maxMemoryMB int) *SeriesStore {
	if maxBars <= 0 {
		maxBars = 5000
	}

	return &SeriesStore{
		series:      make(map[SeriesKey]*seriesEntry),
		maxBars:     maxBars,
		maxMemoryMB: maxMemoryMB,
		logger:      logger.NewLogger(nil, "SeriesStore"),
	}
}

// -----------------------------------------------------------------------------

// Open creates (or resets) the series for a new subscription generation.
// The entry starts empty and loading until the first backfill lands.
func (s *SeriesStore) Open(key SeriesKey, generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.series[key] = &seriesEntry{
		bars:       []models.MBar{},
		loading:    true,
		generation: generation,
	}
}

// -----------------------------------------------------------------------------

// Drop discards the series entirely. A later subscribe rebuilds from scratch.
func (s *SeriesStore) Drop(key SeriesKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.series, key)
}

// -----------------------------------------------------------------------------

// ApplyBar folds one live bar into the series. Returns whether the write was
// applied and whether the reducer took the full-merge fallback path.
func (s *SeriesStore) ApplyBar(key SeriesKey, generation uint64, bar models.MBar) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.series[key]
	if !ok || entry.generation != generation {
		return false, false
	}

	next, fallback := ReduceBar(entry.bars, bar)
	entry.bars = TrimHead(next, s.maxBars)
	entry.loading = false

	s.appends++
	if s.appends%100 == 0 {
		s.checkMemoryLocked()
	}

	return true, fallback
}

// -----------------------------------------------------------------------------

// ApplyBackfill replaces the series content with the merged bulk load. The
// sort+dedupe pass is unconditional here.
func (s *SeriesStore) ApplyBackfill(key SeriesKey, generation uint64, bars []models.MBar) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.series[key]
	if !ok || entry.generation != generation {
		return false
	}

	combined := make([]models.MBar, 0, len(entry.bars)+len(bars))
	combined = append(combined, entry.bars...)
	combined = append(combined, bars...)

	entry.bars = TrimHead(MergeBars(combined), s.maxBars)
	entry.loading = false

	return true
}

// -----------------------------------------------------------------------------

// Get returns the series bars and its loading flag. The returned slice is
// never mutated after storage, so callers may read it without copying.
func (s *SeriesStore) Get(key SeriesKey) ([]models.MBar, bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.series[key]
	if !ok {
		return nil, false, false
	}
	return entry.bars, entry.loading, true
}

// -----------------------------------------------------------------------------

// Generation reports the active generation for a series.
func (s *SeriesStore) Generation(key SeriesKey) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.series[key]
	if !ok {
		return 0, false
	}
	return entry.generation, true
}

// -----------------------------------------------------------------------------

// ActiveCount returns the number of open series.
func (s *SeriesStore) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.series)
}

// -----------------------------------------------------------------------------

// CheckMemoryLimits enforces the process memory budget by halving the series
// cap and trimming every open series when usage exceeds the limit.
func (s *SeriesStore) CheckMemoryLimits() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkMemoryLocked()
}

func (s *SeriesStore) checkMemoryLocked() {
	if s.maxMemoryMB <= 0 {
		return
	}

	currentMemory := processMemoryMB()
	if currentMemory <= float64(s.maxMemoryMB) {
		return
	}

	s.logger.Info("Memory usage %.1fMB exceeds limit %dMB. Trimming series.",
		currentMemory, s.maxMemoryMB)

	if s.maxBars > 100 {
		s.maxBars = s.maxBars / 2
		if s.maxBars < 50 {
			s.maxBars = 50
		}
	}
	for _, entry := range s.series {
		entry.bars = TrimHead(entry.bars, s.maxBars)
	}

	runtime.GC()
	debug.FreeOSMemory()
}

// -----------------------------------------------------------------------------

// processMemoryMB reports current heap usage in MB.
func processMemoryMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return float64(m.HeapAlloc) / 1024 / 1024
}
