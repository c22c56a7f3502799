package restpoll

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"market-sync/src/helpers"
	"market-sync/src/interfaces"
	"market-sync/src/logger"
	"market-sync/src/metrics"
	"market-sync/src/models"
	"market-sync/src/utils"
)

type seriesID struct {
	symbol   string
	interval string
}

type trackedSeries struct {
	inst       models.MInstrument
	interval   string
	generation uint64
}

// -----------------------------------------------------------------------------
// RestPollFeed is the pull feed: a fixed-cadence quote poll for every routed
// instrument plus periodic history refresh for tracked series. Quote polling
// is catalog-continuous; it does not depend on series subscriptions.
// -----------------------------------------------------------------------------

type RestPollFeed struct {
	Config     *models.MConfig
	FeedConfig models.MFeedConfig
	Network    interfaces.INetworkManager
	Logger     *logger.Logger
	Scheduler  *utils.MarketScheduler
	Metrics    *metrics.Metrics

	instruments atomic.Value // []models.MInstrument routed to this feed

	tracked   map[seriesID]*trackedSeries
	trackedMu sync.RWMutex

	lastMessageAt atomic.Int64
	failureCount  atomic.Int64
	parseDrops    atomic.Int64

	ctx        context.Context
	cancelFunc context.CancelFunc
	outputChan chan<- models.MUpdate
	isRunning  atomic.Bool
	mu         sync.Mutex
}

// -----------------------------------------------------------------------------

func NewRestPollFeed(cfg *models.MConfig, feedCfg models.MFeedConfig, instruments []models.MInstrument, netMgr interfaces.INetworkManager, m *metrics.Metrics) *RestPollFeed {
	f := &RestPollFeed{
		Config:     cfg,
		FeedConfig: feedCfg,
		Network:    netMgr,
		Logger:     logger.NewLogger(cfg, "RestPollFeed-"+feedCfg.Name),
		Scheduler:  utils.NewMarketScheduler(instruments, logger.NewLogger(cfg, "MarketScheduler-"+feedCfg.Name)),
		Metrics:    m,
		tracked:    make(map[seriesID]*trackedSeries),
	}
	f.instruments.Store(instruments)
	return f
}

// -----------------------------------------------------------------------------

func (f *RestPollFeed) Name() string {
	return f.FeedConfig.Name
}

// -----------------------------------------------------------------------------

// Start launches the quote and history loops.
func (f *RestPollFeed) Start(parentCtx context.Context, output chan<- models.MUpdate, wg *sync.WaitGroup) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.isRunning.Load() {
		return fmt.Errorf("feed %s is already running", f.Name())
	}

	ctx, cancel := context.WithCancel(parentCtx)
	f.ctx = ctx
	f.cancelFunc = cancel
	f.outputChan = output
	f.isRunning.Store(true)

	wg.Add(2)
	go f.quoteLoop(ctx, wg)
	go f.historyLoop(ctx, wg)

	f.Logger.Info("Started RestPollFeed %s (%d instruments)", f.Name(), len(f.getInstruments()))
	return nil
}

// -----------------------------------------------------------------------------

// Stop signals both loops to exit.
func (f *RestPollFeed) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.isRunning.Load() {
		return fmt.Errorf("feed %s is not running", f.Name())
	}

	if f.cancelFunc != nil {
		f.cancelFunc()
	}
	f.isRunning.Store(false)
	f.Logger.Info("Stopped RestPollFeed %s", f.Name())
	return nil
}

// -----------------------------------------------------------------------------

func (f *RestPollFeed) Status() models.MFeedStatus {
	connection := models.ConnIdle
	if f.isRunning.Load() {
		connection = models.ConnOpen
	}

	insts := f.getInstruments()
	symbols := make([]string, len(insts))
	for i, inst := range insts {
		symbols[i] = inst.ID
	}

	return models.MFeedStatus{
		Name:          f.Name(),
		Connection:    connection,
		LastMessageAt: f.lastMessageAt.Load(),
		FailureCount:  f.failureCount.Load(),
		ParseDrops:    f.parseDrops.Load(),
		Symbols:       symbols,
	}
}

// -----------------------------------------------------------------------------

// TrackSeries schedules periodic refresh for a series and fires an immediate
// backfill so a fresh chart fills without waiting for the next tick.
func (f *RestPollFeed) TrackSeries(inst models.MInstrument, interval string, generation uint64) {
	id := seriesID{symbol: models.NormalizeSymbol(inst.ID), interval: interval}
	entry := &trackedSeries{inst: inst, interval: interval, generation: generation}

	f.trackedMu.Lock()
	f.tracked[id] = entry
	f.trackedMu.Unlock()

	f.mu.Lock()
	ctx := f.ctx
	f.mu.Unlock()

	if ctx != nil && f.isRunning.Load() {
		go f.refreshOne(ctx, entry)
	}
}

// -----------------------------------------------------------------------------

// UntrackSeries stops refreshing the series. A fetch already in flight
// notices the removal before emitting.
func (f *RestPollFeed) UntrackSeries(inst models.MInstrument, interval string) {
	id := seriesID{symbol: models.NormalizeSymbol(inst.ID), interval: interval}

	f.trackedMu.Lock()
	delete(f.tracked, id)
	f.trackedMu.Unlock()
}

// -----------------------------------------------------------------------------

// UpdateInstruments swaps the routed instrument set.
func (f *RestPollFeed) UpdateInstruments(instruments []models.MInstrument) {
	f.instruments.Store(instruments)
	f.Scheduler.UpdateInstruments(instruments)
	f.Logger.Info("Updated instrument list. New count: %d", len(instruments))
}

func (f *RestPollFeed) getInstruments() []models.MInstrument {
	return f.instruments.Load().([]models.MInstrument)
}

// -----------------------------------------------------------------------------

// quoteLoop polls the quote endpoint on a fixed cadence. Instruments whose
// venue is closed are skipped; the poll itself never pauses while at least
// one venue trades.
func (f *RestPollFeed) quoteLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	poll := f.Config.Feeds.QuotePollSeconds
	if poll <= 0 {
		poll = utils.DefaultQuotePollSeconds
	}
	ticker := time.NewTicker(time.Duration(poll) * time.Second)
	defer ticker.Stop()

	// First poll runs right away so consumers see prices without a cadence
	// delay.
	f.pollQuotes(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !f.Scheduler.AnyMarketOpen() {
				f.Logger.Info("All venues closed for %s. Pausing quote polls for 5 minutes.", f.Name())
				select {
				case <-time.After(5 * time.Minute):
				case <-ctx.Done():
					return
				}
				continue
			}
			f.pollQuotes(ctx)
		}
	}
}

// -----------------------------------------------------------------------------

type quoteRow struct {
	Price      float64 `json:"price"`
	Change24h  float64 `json:"change24h"`
	LastUpdate int64   `json:"lastUpdate"`
}

func (f *RestPollFeed) pollQuotes(ctx context.Context) {
	if f.FeedConfig.QuoteURL == "" {
		return
	}

	insts := f.getInstruments()
	if len(insts) == 0 {
		return
	}

	now := time.Now()
	symbols := make([]string, 0, len(insts))
	requested := make(map[string]bool, len(insts))
	for _, inst := range insts {
		if !f.Scheduler.IsOpen(inst.ID, now) {
			continue
		}
		id := models.NormalizeSymbol(inst.ID)
		symbols = append(symbols, id)
		requested[id] = true
	}
	if len(symbols) == 0 {
		f.Logger.Debug("All venues closed for %s. Skipping quote poll.", f.Name())
		return
	}

	params := map[string]string{"symbols": strings.Join(symbols, ",")}
	if f.FeedConfig.APIKey != "" {
		params["apikey"] = f.FeedConfig.APIKey
	}

	var resp map[string]quoteRow
	if err := f.Network.GetJSON(f.FeedConfig.QuoteURL, params, &resp); err != nil {
		f.noteFailure()
		f.Logger.Warning("Quote poll failed: %v", err)
		return
	}

	received := time.Now().Unix()
	emitted := 0
	for symbol, row := range resp {
		id := models.NormalizeSymbol(symbol)
		if !requested[id] {
			continue
		}
		if row.Price <= 0 {
			f.noteParseDrops(1)
			continue
		}

		ok := f.pushUpdate(ctx, models.MUpdate{
			Kind:   models.UpdateTick,
			Symbol: id,
			Tick: models.MPriceUpdate{
				Symbol:       id,
				Price:        row.Price,
				PctChange24h: row.Change24h,
				ReceivedAt:   received,
			},
			Source:     f.Name(),
			ReceivedAt: received,
		})
		if !ok {
			return
		}
		emitted++
	}

	if emitted > 0 {
		f.lastMessageAt.Store(received)
	}
	f.Logger.Debug("Quote poll: %d/%d symbols answered", emitted, len(symbols))
}

// -----------------------------------------------------------------------------

// historyLoop refreshes every tracked series periodically. The first pass
// runs immediately and unconditionally so series tracked before Start are
// backfilled even while their venue is closed.
func (f *RestPollFeed) historyLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	f.refreshTracked(ctx, false)

	refresh := f.Config.Feeds.HistoryRefreshSeconds
	if refresh <= 0 {
		refresh = utils.DefaultHistoryRefreshSeconds
	}
	ticker := time.NewTicker(time.Duration(refresh) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.refreshTracked(ctx, true)
		}
	}
}

// -----------------------------------------------------------------------------

// refreshTracked fans the tracked series out over a bounded worker set.
func (f *RestPollFeed) refreshTracked(ctx context.Context, skipClosed bool) {
	f.trackedMu.RLock()
	entries := make([]*trackedSeries, 0, len(f.tracked))
	for _, e := range f.tracked {
		entries = append(entries, e)
	}
	f.trackedMu.RUnlock()

	if len(entries) == 0 {
		return
	}

	concurrency := f.Config.Network.ConcurrentRequests
	if concurrency <= 0 {
		concurrency = 4
	}
	sem := make(chan struct{}, concurrency)

	now := time.Now()
	var wg sync.WaitGroup
	for _, entry := range entries {
		if skipClosed && !f.Scheduler.IsOpen(entry.inst.ID, now) {
			continue
		}

		wg.Add(1)
		go func(e *trackedSeries) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			// Small delay to spread requests out
			time.Sleep(10 * time.Millisecond)
			f.refreshOne(ctx, e)
		}(entry)
	}
	wg.Wait()
}

// -----------------------------------------------------------------------------

// refreshOne fetches history for a single tracked series and emits it as a
// backfill update, unless the series was untracked or re-keyed meanwhile.
func (f *RestPollFeed) refreshOne(ctx context.Context, e *trackedSeries) {
	bars, err := f.FetchHistory(ctx, e.inst, e.interval)
	if err != nil {
		f.noteFailure()
		f.Logger.Warning("History refresh failed for %s/%s: %v", e.inst.ID, e.interval, err)
		return
	}
	if len(bars) == 0 {
		return
	}

	id := seriesID{symbol: models.NormalizeSymbol(e.inst.ID), interval: e.interval}
	f.trackedMu.RLock()
	current, stillTracked := f.tracked[id]
	f.trackedMu.RUnlock()
	if !stillTracked || current.generation != e.generation {
		return
	}

	received := time.Now().Unix()
	f.pushUpdate(ctx, models.MUpdate{
		Kind:       models.UpdateBackfill,
		Symbol:     id.symbol,
		Interval:   e.interval,
		Bars:       bars,
		Source:     f.Name(),
		Generation: e.generation,
		ReceivedAt: received,
	})
	f.lastMessageAt.Store(received)
}

// -----------------------------------------------------------------------------

// FetchHistory performs one backfill request. The lookback window depends
// only on the interval, never on the instrument.
func (f *RestPollFeed) FetchHistory(ctx context.Context, inst models.MInstrument, interval string) ([]models.MBar, error) {
	if f.FeedConfig.HistoryURL == "" {
		return nil, helpers.NewFetchError(fmt.Sprintf("feed %s has no history endpoint", f.Name()), nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lookback := utils.LookbackFor(interval, f.Config.Feeds.LookbackSeconds)
	now := time.Now().Unix()

	params := map[string]string{
		"symbol":   models.NormalizeSymbol(inst.ID),
		"interval": interval,
		"from":     strconv.FormatInt(now-lookback, 10),
		"to":       strconv.FormatInt(now, 10),
		"limit":    strconv.Itoa(utils.MaxBarsForLookback(interval, lookback)),
	}
	if f.FeedConfig.APIKey != "" {
		params["apikey"] = f.FeedConfig.APIKey
	}

	body, err := f.Network.Get(f.FeedConfig.HistoryURL, params)
	if err != nil {
		return nil, helpers.NewFetchError(fmt.Sprintf("history fetch failed for %s/%s", inst.ID, interval), err)
	}

	bars, dropped, err := ParseHistoryResponse(body)
	if err != nil {
		return nil, err
	}
	if dropped > 0 {
		f.noteParseDrops(int64(dropped))
		f.Logger.Debug("Dropped %d malformed rows for %s/%s", dropped, inst.ID, interval)
	}
	return bars, nil
}

// -----------------------------------------------------------------------------

func (f *RestPollFeed) pushUpdate(ctx context.Context, update models.MUpdate) bool {
	select {
	case f.outputChan <- update:
		return true
	case <-ctx.Done():
		return false
	}
}

// -----------------------------------------------------------------------------

func (f *RestPollFeed) noteFailure() {
	f.failureCount.Add(1)
	if f.Metrics != nil {
		f.Metrics.PollFailures.WithLabelValues(f.Name()).Inc()
	}
}

func (f *RestPollFeed) noteParseDrops(n int64) {
	f.parseDrops.Add(n)
	if f.Metrics != nil {
		f.Metrics.ParseDrops.WithLabelValues(f.Name()).Add(float64(n))
	}
}

// -----------------------------------------------------------------------------

// historyRow is one OHLC row of the vendor's history response. The time field
// arrives as epoch seconds, epoch milliseconds, or an ISO-8601 string
// depending on endpoint version.
type historyRow struct {
	Time  flexTime `json:"time"`
	Open  float64  `json:"o"`
	High  float64  `json:"h"`
	Low   float64  `json:"l"`
	Close float64  `json:"c"`
}

type flexTime int64

func (t *flexTime) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("unrecognized time format %q: %w", s, err)
		}
		*t = flexTime(parsed.Unix())
		return nil
	}

	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*t = flexTime(n)
	return nil
}

// -----------------------------------------------------------------------------

// ParseHistoryResponse decodes a history payload into raw bars, unsorted and
// possibly duplicated; ordering is the reconciler's job. Returns the bars,
// the number of rows dropped as malformed, and a parse error only when the
// whole payload is unreadable.
func ParseHistoryResponse(data []byte) ([]models.MBar, int, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, helpers.NewParseError("history payload is not a JSON array", err)
	}

	bars := make([]models.MBar, 0, len(raw))
	dropped := 0
	for _, rowBytes := range raw {
		var row historyRow
		if err := json.Unmarshal(rowBytes, &row); err != nil {
			dropped++
			continue
		}
		if row.Time <= 0 || row.Close <= 0 || row.High < row.Low {
			dropped++
			continue
		}

		bars = append(bars, models.MBar{
			Timestamp: int64(row.Time),
			Open:      row.Open,
			High:      row.High,
			Low:       row.Low,
			Close:     row.Close,
		})
	}

	return bars, dropped, nil
}
