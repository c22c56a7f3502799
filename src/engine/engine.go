package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"market-sync/src/interfaces"
	"market-sync/src/logger"
	"market-sync/src/metrics"
	"market-sync/src/models"
	"market-sync/src/utils"
)

// SubscriptionHandle is the opaque claim a consumer holds on one series.
// Unsubscribing the same handle twice is a no-op.
type SubscriptionHandle struct {
	ID       string
	Symbol   string
	Interval string
}

type seriesSub struct {
	generation uint64
	refs       int
}

// -----------------------------------------------------------------------------
// SyncEngine owns the reconciled state: the bar series store, the last-value
// quote cache, refcounted series subscriptions and the staleness monitor.
// Feeds push MUpdate envelopes in through Apply; consumers read through
// GetSeries, GetQuote and Snapshot.
// -----------------------------------------------------------------------------

type SyncEngine struct {
	Logger    *logger.Logger
	Store     *SeriesStore
	Cache     *PresentationCache
	Scheduler *utils.MarketScheduler

	config  *models.MConfig
	metrics *metrics.Metrics
	manager interfaces.IFeedManager
	journal interfaces.IJournal

	catalog        map[string]models.MInstrument
	stalenessTable StalenessTable
	tickSeconds    int

	mu      sync.Mutex
	subs    map[SeriesKey]*seriesSub
	handles map[string]SeriesKey
	nextGen atomic.Uint64

	updatesApplied atomic.Int64
	mergeFallbacks atomic.Int64
	droppedStale   atomic.Int64
	reconcileEMA   atomic.Uint64 // Float64bits of smoothed reconcile seconds

	isRunning  atomic.Bool
	cancelFunc context.CancelFunc
}

// -----------------------------------------------------------------------------

func NewSyncEngine(config *models.MConfig, log *logger.Logger, m *metrics.Metrics, memoryLimitMB int) *SyncEngine {
	catalog := make(map[string]models.MInstrument, len(config.Instruments))
	for _, inst := range config.Instruments {
		catalog[models.NormalizeSymbol(inst.ID)] = inst
	}

	tick := config.Staleness.TickSeconds
	if tick <= 0 {
		tick = utils.DefaultStalenessTickSeconds
	}

	return &SyncEngine{
		Logger:         log,
		Store:          NewSeriesStore(config.Feeds.MaxBarsPerSeries, memoryLimitMB),
		Cache:          NewPresentationCache(),
		Scheduler:      utils.NewMarketScheduler(config.Instruments, log),
		config:         config,
		metrics:        m,
		catalog:        catalog,
		stalenessTable: BuildStalenessTable(config.Staleness.Classes),
		tickSeconds:    tick,
		subs:           make(map[SeriesKey]*seriesSub),
		handles:        make(map[string]SeriesKey),
	}
}

// -----------------------------------------------------------------------------

// SetFeedManager wires the router that owns feed-side subscription tasks.
func (e *SyncEngine) SetFeedManager(m interfaces.IFeedManager) {
	e.manager = m
}

// SetJournal wires the optional write-only recording sink.
func (e *SyncEngine) SetJournal(j interfaces.IJournal) {
	e.journal = j
}

// -----------------------------------------------------------------------------

// Start launches the staleness monitor. Apply can be called before Start;
// only the periodic classification sweep needs the goroutine.
func (e *SyncEngine) Start(parentCtx context.Context, wg *sync.WaitGroup) error {
	if !e.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("SyncEngine is already running")
	}

	ctx, cancel := context.WithCancel(parentCtx)
	e.cancelFunc = cancel

	wg.Add(1)
	go e.monitorStaleness(ctx, wg)

	e.Logger.Info("SyncEngine started (%d catalog symbols)", len(e.catalog))
	return nil
}

// -----------------------------------------------------------------------------

func (e *SyncEngine) Stop() {
	if !e.isRunning.CompareAndSwap(true, false) {
		return
	}

	if e.cancelFunc != nil {
		e.cancelFunc()
		e.cancelFunc = nil
	}
	e.Logger.Info("SyncEngine stopped")
}

// -----------------------------------------------------------------------------

// Subscribe registers interest in one (symbol, interval) series. The first
// subscriber opens the series with a fresh generation and triggers backfill
// plus the live tail through the feed manager; later subscribers share it.
func (e *SyncEngine) Subscribe(symbol, interval string) (SubscriptionHandle, error) {
	id := models.NormalizeSymbol(symbol)

	inst, known := e.catalog[id]
	if !known {
		return SubscriptionHandle{}, fmt.Errorf("symbol %q is not in the instrument catalog", symbol)
	}
	if _, ok := utils.IntervalSeconds[interval]; !ok {
		return SubscriptionHandle{}, fmt.Errorf("unsupported interval %q", interval)
	}

	key := NewSeriesKey(id, interval)
	handle := SubscriptionHandle{ID: uuid.NewString(), Symbol: id, Interval: interval}

	e.mu.Lock()
	if sub, exists := e.subs[key]; exists {
		sub.refs++
		e.handles[handle.ID] = key
		e.mu.Unlock()
		return handle, nil
	}

	generation := e.nextGen.Add(1)
	e.subs[key] = &seriesSub{generation: generation, refs: 1}
	e.handles[handle.ID] = key
	e.mu.Unlock()

	e.Store.Open(key, generation)

	if e.manager != nil {
		if err := e.manager.SubscribeSeries(inst, interval, generation); err != nil {
			e.mu.Lock()
			delete(e.subs, key)
			delete(e.handles, handle.ID)
			e.mu.Unlock()
			e.Store.Drop(key)
			return SubscriptionHandle{}, err
		}
	}

	e.Logger.Info("Subscribed %s/%s (generation %d)", id, interval, generation)
	return handle, nil
}

// -----------------------------------------------------------------------------

// Unsubscribe releases one handle. When the last handle for a series goes,
// the series is dropped and the owning feed tasks are torn down immediately;
// any in-flight update still tagged with the old generation is discarded on
// arrival.
func (e *SyncEngine) Unsubscribe(handle SubscriptionHandle) {
	e.mu.Lock()
	key, ok := e.handles[handle.ID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.handles, handle.ID)

	sub := e.subs[key]
	if sub == nil {
		e.mu.Unlock()
		return
	}
	sub.refs--
	if sub.refs > 0 {
		e.mu.Unlock()
		return
	}
	delete(e.subs, key)
	e.mu.Unlock()

	e.Store.Drop(key)

	if e.manager != nil {
		if inst, known := e.catalog[key.Symbol]; known {
			e.manager.UnsubscribeSeries(inst, key.Interval)
		}
	}

	e.Logger.Info("Unsubscribed %s/%s", key.Symbol, key.Interval)
}

// -----------------------------------------------------------------------------

// Generation returns the live generation for a subscribed series, zero when
// the series has no subscribers.
func (e *SyncEngine) Generation(symbol, interval string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sub, ok := e.subs[NewSeriesKey(symbol, interval)]; ok {
		return sub.generation
	}
	return 0
}

// -----------------------------------------------------------------------------

// Apply reconciles one feed update into the authoritative state. Ticks for
// symbols outside the catalog are ignored. Series writes carrying a stale
// generation are dropped before touching the store.
func (e *SyncEngine) Apply(update models.MUpdate) {
	switch update.Kind {
	case models.UpdateTick:
		e.applyTick(update)
	case models.UpdateBar:
		e.applyBar(update)
	case models.UpdateBackfill:
		e.applyBackfill(update)
	default:
		e.Logger.Warning("Dropping update of unknown kind %d from %s", update.Kind, update.Source)
	}
}

// -----------------------------------------------------------------------------

func (e *SyncEngine) applyTick(update models.MUpdate) {
	tick := update.Tick
	if tick.Symbol == "" {
		tick.Symbol = update.Symbol
	}

	id := models.NormalizeSymbol(tick.Symbol)
	if _, known := e.catalog[id]; !known {
		e.Logger.Debug("Ignoring tick for uncatalogued symbol %q", tick.Symbol)
		return
	}

	if tick.ReceivedAt == 0 {
		tick.ReceivedAt = time.Now().Unix()
	}
	e.Cache.ApplyTick(tick)

	e.updatesApplied.Add(1)
	if e.metrics != nil {
		e.metrics.UpdatesApplied.WithLabelValues("tick").Inc()
	}
}

// -----------------------------------------------------------------------------

func (e *SyncEngine) applyBar(update models.MUpdate) {
	key := NewSeriesKey(update.Symbol, update.Interval)

	start := time.Now()
	applied, fallback := e.Store.ApplyBar(key, update.Generation, update.Bar)
	e.observeReconcile(time.Since(start))

	if !applied {
		e.droppedStale.Add(1)
		if e.metrics != nil {
			e.metrics.DroppedStale.Inc()
		}
		return
	}

	e.updatesApplied.Add(1)
	if e.metrics != nil {
		e.metrics.UpdatesApplied.WithLabelValues("bar").Inc()
	}
	if fallback {
		e.mergeFallbacks.Add(1)
		if e.metrics != nil {
			e.metrics.MergeFallbacks.Inc()
		}
		e.Logger.Warning("Out-of-order bar for %s/%s forced a full merge", key.Symbol, key.Interval)
	}

	// A live bar confirms the symbol is flowing even without a quote tick.
	at := update.ReceivedAt
	if at == 0 {
		at = time.Now().Unix()
	}
	e.Cache.Touch(key.Symbol, at)

	e.journalBars(key.Symbol, key.Interval, []models.MBar{update.Bar})
}

// -----------------------------------------------------------------------------

func (e *SyncEngine) applyBackfill(update models.MUpdate) {
	key := NewSeriesKey(update.Symbol, update.Interval)

	start := time.Now()
	applied := e.Store.ApplyBackfill(key, update.Generation, update.Bars)
	e.observeReconcile(time.Since(start))

	if !applied {
		e.droppedStale.Add(1)
		if e.metrics != nil {
			e.metrics.DroppedStale.Inc()
		}
		return
	}

	e.updatesApplied.Add(1)
	if e.metrics != nil {
		e.metrics.UpdatesApplied.WithLabelValues("backfill").Inc()
	}

	// Historical rows never count as freshness confirmation, so no Touch here.
	e.journalBars(key.Symbol, key.Interval, update.Bars)
}

// -----------------------------------------------------------------------------

func (e *SyncEngine) journalBars(symbol, interval string, bars []models.MBar) {
	if e.journal == nil || len(bars) == 0 {
		return
	}

	if err := e.journal.SaveBarsBulk(symbol, interval, bars); err != nil {
		e.Logger.Warning("Journal write failed for %s/%s: %v", symbol, interval, err)
		return
	}
	if e.metrics != nil {
		e.metrics.BarsJournaled.Add(float64(len(bars)))
	}
}

// -----------------------------------------------------------------------------

// GetSeries returns the reconciled bars for a series plus a loading flag that
// stays true until the first write lands. The returned slice is never mutated
// afterwards and is safe to share.
func (e *SyncEngine) GetSeries(symbol, interval string) ([]models.MBar, bool, bool) {
	return e.Store.Get(NewSeriesKey(symbol, interval))
}

// -----------------------------------------------------------------------------

// GetQuote returns the cached quote for a symbol.
func (e *SyncEngine) GetQuote(symbol string) (models.MQuote, bool) {
	return e.Cache.Get(symbol)
}

// -----------------------------------------------------------------------------

// Quotes returns one quote per catalog instrument. Symbols that have never
// confirmed data get a STALE placeholder so consumers always see the full
// catalog.
func (e *SyncEngine) Quotes() map[string]models.MQuote {
	quotes := e.Cache.All()

	now := time.Now()
	for id := range e.catalog {
		if _, ok := quotes[id]; ok {
			continue
		}
		quotes[id] = models.MQuote{
			Symbol:     id,
			Staleness:  models.StalenessStale,
			MarketOpen: e.Scheduler.IsOpen(id, now),
		}
	}
	return quotes
}

// -----------------------------------------------------------------------------

// Instruments returns the catalog in configuration order.
func (e *SyncEngine) Instruments() []models.MInstrument {
	out := make([]models.MInstrument, len(e.config.Instruments))
	copy(out, e.config.Instruments)
	return out
}

// -----------------------------------------------------------------------------

// Instrument resolves one catalog entry by symbol, case-insensitively.
func (e *SyncEngine) Instrument(symbol string) (models.MInstrument, bool) {
	inst, ok := e.catalog[models.NormalizeSymbol(symbol)]
	return inst, ok
}

// -----------------------------------------------------------------------------

// Snapshot assembles the broadcast payload: every catalog quote plus the
// reconciliation counters. snapType is "INITIAL" for a client's first frame,
// "UPDATE" afterwards.
func (e *SyncEngine) Snapshot(snapType string) models.MSnapshot {
	return models.MSnapshot{
		Type:      snapType,
		Quotes:    e.Quotes(),
		Timestamp: time.Now().UnixMilli(),
		Metrics:   e.Metrics(),
	}
}

// -----------------------------------------------------------------------------

// Metrics summarizes reconciliation work since process start.
func (e *SyncEngine) Metrics() models.MSyncMetrics {
	var parseDrops int64
	for _, st := range e.Statuses() {
		parseDrops += st.ParseDrops
	}

	return models.MSyncMetrics{
		UpdatesApplied: e.updatesApplied.Load(),
		MergeFallbacks: e.mergeFallbacks.Load(),
		ParseDrops:     parseDrops,
		DroppedStale:   e.droppedStale.Load(),
		ActiveSeries:   e.Store.ActiveCount(),
		ReconcileTime:  math.Float64frombits(e.reconcileEMA.Load()),
		TrackedSymbols: len(e.catalog),
	}
}

// -----------------------------------------------------------------------------

// Statuses reports every feed's operational state via the manager.
func (e *SyncEngine) Statuses() []models.MFeedStatus {
	if e.manager == nil {
		return nil
	}
	return e.manager.Statuses()
}

// -----------------------------------------------------------------------------

func (e *SyncEngine) observeReconcile(d time.Duration) {
	if e.metrics != nil {
		e.metrics.ReconcileSeconds.Observe(d.Seconds())
	}

	for {
		oldBits := e.reconcileEMA.Load()
		ema := d.Seconds()
		if old := math.Float64frombits(oldBits); old > 0 {
			ema = old*0.9 + d.Seconds()*0.1
		}
		if e.reconcileEMA.CompareAndSwap(oldBits, math.Float64bits(ema)) {
			return
		}
	}
}

// -----------------------------------------------------------------------------

// monitorStaleness reclassifies every catalog symbol on a fixed cadence.
// Classification never reacts to connection events directly; only update age
// moves a symbol between LIVE, DELAYED and STALE.
func (e *SyncEngine) monitorStaleness(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(time.Duration(e.tickSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SweepStaleness(time.Now())
		}
	}
}

// -----------------------------------------------------------------------------

// SweepStaleness runs one classification pass at the given instant, updating
// each quote's staleness tier and venue-open flag.
func (e *SyncEngine) SweepStaleness(now time.Time) {
	nowSec := now.Unix()

	for id, inst := range e.catalog {
		windows := e.stalenessTable.WindowsFor(inst.AssetClass)
		classification := Classify(windows, e.Cache.LastUpdate(id), nowSec)
		e.Cache.SetStaleness(id, classification)
		e.Cache.SetMarketOpen(id, e.Scheduler.IsOpen(id, now))

		if e.metrics != nil {
			e.metrics.StalenessState.WithLabelValues(id).Set(metrics.StalenessValue(string(classification)))
		}
	}
}
