package main

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"market-sync/src/logger"
	"market-sync/src/models"
	"market-sync/src/utils"
)

type seriesKey struct {
	symbol   string
	interval string
}

// -----------------------------------------------------------------------------
// syntheticStream is an in-process push feed. It emits a deterministic price
// walk: a tick every tickEvery for each owned instrument and a bar every
// barEvery for each open subscription, tagged with that subscription's
// generation. No sockets involved.
// -----------------------------------------------------------------------------

type syntheticStream struct {
	name        string
	Logger      *logger.Logger
	instruments []models.MInstrument

	tickEvery time.Duration
	barEvery  time.Duration

	subs map[seriesKey]uint64
	mu   sync.RWMutex

	step          atomic.Int64
	lastMessageAt atomic.Int64
	running       atomic.Bool

	cancelFunc context.CancelFunc
	lifeMu     sync.Mutex
}

// -----------------------------------------------------------------------------

func newSyntheticStream(name string, instruments []models.MInstrument, log *logger.Logger) *syntheticStream {
	return &syntheticStream{
		name:        name,
		Logger:      log,
		instruments: instruments,
		tickEvery:   500 * time.Millisecond,
		barEvery:    2 * time.Second,
		subs:        make(map[seriesKey]uint64),
	}
}

// -----------------------------------------------------------------------------

func (s *syntheticStream) Name() string {
	return s.name
}

// -----------------------------------------------------------------------------

func (s *syntheticStream) Start(parentCtx context.Context, output chan<- models.MUpdate, wg *sync.WaitGroup) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.running.Load() {
		return fmt.Errorf("feed %s is already running", s.name)
	}

	ctx, cancel := context.WithCancel(parentCtx)
	s.cancelFunc = cancel
	s.running.Store(true)

	wg.Add(1)
	go s.emitLoop(ctx, output, wg)

	s.Logger.Info("Synthetic stream %s started (%d instruments)", s.name, len(s.instruments))
	return nil
}

// -----------------------------------------------------------------------------

func (s *syntheticStream) Stop() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if !s.running.Load() {
		return fmt.Errorf("feed %s is not running", s.name)
	}
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	s.running.Store(false)
	return nil
}

// -----------------------------------------------------------------------------

func (s *syntheticStream) Status() models.MFeedStatus {
	connection := models.ConnIdle
	if s.running.Load() {
		connection = models.ConnOpen
	}

	symbols := make([]string, len(s.instruments))
	for i, inst := range s.instruments {
		symbols[i] = inst.ID
	}

	return models.MFeedStatus{
		Name:          s.name,
		Connection:    connection,
		LastMessageAt: s.lastMessageAt.Load(),
		Symbols:       symbols,
	}
}

// -----------------------------------------------------------------------------

func (s *syntheticStream) SubscribeStream(inst models.MInstrument, interval string, generation uint64) error {
	key := seriesKey{symbol: models.NormalizeSymbol(inst.ID), interval: interval}

	s.mu.Lock()
	s.subs[key] = generation
	s.mu.Unlock()

	s.Logger.Info("Synthetic stream open for %s/%s (generation %d)", key.symbol, interval, generation)
	return nil
}

// -----------------------------------------------------------------------------

func (s *syntheticStream) UnsubscribeStream(inst models.MInstrument, interval string) {
	key := seriesKey{symbol: models.NormalizeSymbol(inst.ID), interval: interval}

	s.mu.Lock()
	delete(s.subs, key)
	s.mu.Unlock()
}

// -----------------------------------------------------------------------------

func (s *syntheticStream) emitLoop(ctx context.Context, output chan<- models.MUpdate, wg *sync.WaitGroup) {
	defer wg.Done()

	tickTicker := time.NewTicker(s.tickEvery)
	defer tickTicker.Stop()
	barTicker := time.NewTicker(s.barEvery)
	defer barTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickTicker.C:
			s.emitTicks(ctx, output)
		case <-barTicker.C:
			s.emitBars(ctx, output)
		}
	}
}

// -----------------------------------------------------------------------------

func (s *syntheticStream) emitTicks(ctx context.Context, output chan<- models.MUpdate) {
	step := s.step.Add(1)
	now := time.Now().Unix()

	for i, inst := range s.instruments {
		symbol := models.NormalizeSymbol(inst.ID)
		price := syntheticPrice(i, step)

		update := models.MUpdate{
			Kind:   models.UpdateTick,
			Symbol: symbol,
			Tick: models.MPriceUpdate{
				Symbol:       symbol,
				Price:        price,
				PctChange24h: 100 * (price - syntheticBase(i)) / syntheticBase(i),
				ReceivedAt:   now,
			},
			Source:     s.name,
			ReceivedAt: now,
		}
		select {
		case output <- update:
			s.lastMessageAt.Store(now)
		case <-ctx.Done():
			return
		}
	}
}

// -----------------------------------------------------------------------------

func (s *syntheticStream) emitBars(ctx context.Context, output chan<- models.MUpdate) {
	s.mu.RLock()
	subs := make(map[seriesKey]uint64, len(s.subs))
	for k, v := range s.subs {
		subs[k] = v
	}
	s.mu.RUnlock()

	step := s.step.Load()
	now := time.Now().Unix()

	for key, generation := range subs {
		idx := s.instrumentIndex(key.symbol)
		if idx < 0 {
			continue
		}

		width := utils.IntervalSeconds[key.interval]
		if width <= 0 {
			continue
		}
		bucket := now - now%width
		price := syntheticPrice(idx, step)

		update := models.MUpdate{
			Kind:     models.UpdateBar,
			Symbol:   key.symbol,
			Interval: key.interval,
			Bar: models.MBar{
				Timestamp: bucket,
				Open:      syntheticPrice(idx, step-4),
				High:      price * 1.001,
				Low:       price * 0.999,
				Close:     price,
			},
			Source:     s.name,
			Generation: generation,
			ReceivedAt: now,
		}
		select {
		case output <- update:
			s.lastMessageAt.Store(now)
		case <-ctx.Done():
			return
		}
	}
}

func (s *syntheticStream) instrumentIndex(symbol string) int {
	for i, inst := range s.instruments {
		if models.NormalizeSymbol(inst.ID) == symbol {
			return i
		}
	}
	return -1
}

// -----------------------------------------------------------------------------
// syntheticPoller is an in-process pull feed: fixed-cadence quote emission for
// its routed instruments and generated history for tracked series. History
// comes back shuffled with one duplicated row, the same mess a real vendor
// produces, so the reconciler's sort and dedup paths run for real.
// -----------------------------------------------------------------------------

type syntheticPoller struct {
	name        string
	Logger      *logger.Logger
	instruments []models.MInstrument

	pollEvery    time.Duration
	refreshEvery time.Duration

	tracked map[seriesKey]*syntheticTracked
	mu      sync.RWMutex

	lastMessageAt atomic.Int64
	running       atomic.Bool

	ctx        context.Context
	cancelFunc context.CancelFunc
	outputChan chan<- models.MUpdate
	lifeMu     sync.Mutex
}

type syntheticTracked struct {
	inst       models.MInstrument
	interval   string
	generation uint64
}

// -----------------------------------------------------------------------------

func newSyntheticPoller(name string, instruments []models.MInstrument, log *logger.Logger) *syntheticPoller {
	return &syntheticPoller{
		name:         name,
		Logger:       log,
		instruments:  instruments,
		pollEvery:    time.Second,
		refreshEvery: 5 * time.Second,
		tracked:      make(map[seriesKey]*syntheticTracked),
	}
}

// -----------------------------------------------------------------------------

func (p *syntheticPoller) Name() string {
	return p.name
}

// -----------------------------------------------------------------------------

func (p *syntheticPoller) Start(parentCtx context.Context, output chan<- models.MUpdate, wg *sync.WaitGroup) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	if p.running.Load() {
		return fmt.Errorf("feed %s is already running", p.name)
	}

	ctx, cancel := context.WithCancel(parentCtx)
	p.ctx = ctx
	p.cancelFunc = cancel
	p.outputChan = output
	p.running.Store(true)

	wg.Add(1)
	go p.pollLoop(ctx, output, wg)

	p.Logger.Info("Synthetic poller %s started (%d instruments)", p.name, len(p.instruments))
	return nil
}

// -----------------------------------------------------------------------------

func (p *syntheticPoller) Stop() error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	if !p.running.Load() {
		return fmt.Errorf("feed %s is not running", p.name)
	}
	if p.cancelFunc != nil {
		p.cancelFunc()
	}
	p.running.Store(false)
	return nil
}

// -----------------------------------------------------------------------------

func (p *syntheticPoller) Status() models.MFeedStatus {
	connection := models.ConnIdle
	if p.running.Load() {
		connection = models.ConnOpen
	}

	symbols := make([]string, len(p.instruments))
	for i, inst := range p.instruments {
		symbols[i] = inst.ID
	}

	return models.MFeedStatus{
		Name:          p.name,
		Connection:    connection,
		LastMessageAt: p.lastMessageAt.Load(),
		Symbols:       symbols,
	}
}

// -----------------------------------------------------------------------------

// TrackSeries mirrors the live poller: register, then an immediate backfill
// when running so charts fill without waiting a refresh cycle.
func (p *syntheticPoller) TrackSeries(inst models.MInstrument, interval string, generation uint64) {
	key := seriesKey{symbol: models.NormalizeSymbol(inst.ID), interval: interval}
	entry := &syntheticTracked{inst: inst, interval: interval, generation: generation}

	p.mu.Lock()
	p.tracked[key] = entry
	p.mu.Unlock()

	p.lifeMu.Lock()
	ctx := p.ctx
	output := p.outputChan
	p.lifeMu.Unlock()

	if ctx != nil && p.running.Load() {
		go p.emitBackfill(ctx, output, entry)
	}
}

// -----------------------------------------------------------------------------

func (p *syntheticPoller) UntrackSeries(inst models.MInstrument, interval string) {
	key := seriesKey{symbol: models.NormalizeSymbol(inst.ID), interval: interval}

	p.mu.Lock()
	delete(p.tracked, key)
	p.mu.Unlock()
}

// -----------------------------------------------------------------------------

// FetchHistory generates a bounded window of bars ending at the current
// bucket, then shuffles two rows and duplicates the last one.
func (p *syntheticPoller) FetchHistory(ctx context.Context, inst models.MInstrument, interval string) ([]models.MBar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	width := utils.IntervalSeconds[interval]
	if width <= 0 {
		return nil, fmt.Errorf("unknown interval %q", interval)
	}

	lookback := utils.LookbackFor(interval, nil)
	count := utils.MaxBarsForLookback(interval, lookback)
	if count > 120 {
		count = 120
	}

	idx := p.instrumentIndex(inst.ID)
	now := time.Now().Unix()
	bucket := now - now%width

	bars := make([]models.MBar, 0, count+1)
	for i := count - 1; i >= 0; i-- {
		ts := bucket - int64(i)*width
		price := syntheticPrice(idx, ts/width)
		bars = append(bars, models.MBar{
			Timestamp: ts,
			Open:      syntheticPrice(idx, ts/width-1),
			High:      price * 1.002,
			Low:       price * 0.998,
			Close:     price,
		})
	}

	if len(bars) > 2 {
		bars[0], bars[len(bars)/2] = bars[len(bars)/2], bars[0]
	}
	if len(bars) > 0 {
		bars = append(bars, bars[len(bars)-1])
	}
	return bars, nil
}

// -----------------------------------------------------------------------------

func (p *syntheticPoller) pollLoop(ctx context.Context, output chan<- models.MUpdate, wg *sync.WaitGroup) {
	defer wg.Done()

	quoteTicker := time.NewTicker(p.pollEvery)
	defer quoteTicker.Stop()
	refreshTicker := time.NewTicker(p.refreshEvery)
	defer refreshTicker.Stop()

	p.emitQuotes(ctx, output)

	for {
		select {
		case <-ctx.Done():
			return
		case <-quoteTicker.C:
			p.emitQuotes(ctx, output)
		case <-refreshTicker.C:
			p.refreshAll(ctx, output)
		}
	}
}

// -----------------------------------------------------------------------------

func (p *syntheticPoller) emitQuotes(ctx context.Context, output chan<- models.MUpdate) {
	now := time.Now().Unix()

	for i, inst := range p.instruments {
		symbol := models.NormalizeSymbol(inst.ID)
		price := syntheticPrice(i+7, now/int64(p.pollEvery.Seconds()))

		update := models.MUpdate{
			Kind:   models.UpdateTick,
			Symbol: symbol,
			Tick: models.MPriceUpdate{
				Symbol:       symbol,
				Price:        price,
				PctChange24h: 100 * (price - syntheticBase(i+7)) / syntheticBase(i+7),
				ReceivedAt:   now,
			},
			Source:     p.name,
			ReceivedAt: now,
		}
		select {
		case output <- update:
			p.lastMessageAt.Store(now)
		case <-ctx.Done():
			return
		}
	}
}

// -----------------------------------------------------------------------------

func (p *syntheticPoller) refreshAll(ctx context.Context, output chan<- models.MUpdate) {
	p.mu.RLock()
	entries := make([]*syntheticTracked, 0, len(p.tracked))
	for _, e := range p.tracked {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	for _, e := range entries {
		p.emitBackfill(ctx, output, e)
	}
}

// -----------------------------------------------------------------------------

func (p *syntheticPoller) emitBackfill(ctx context.Context, output chan<- models.MUpdate, e *syntheticTracked) {
	bars, err := p.FetchHistory(ctx, e.inst, e.interval)
	if err != nil {
		return
	}

	key := seriesKey{symbol: models.NormalizeSymbol(e.inst.ID), interval: e.interval}
	p.mu.RLock()
	current, stillTracked := p.tracked[key]
	p.mu.RUnlock()
	if !stillTracked || current.generation != e.generation {
		return
	}

	now := time.Now().Unix()
	update := models.MUpdate{
		Kind:       models.UpdateBackfill,
		Symbol:     key.symbol,
		Interval:   e.interval,
		Bars:       bars,
		Source:     p.name,
		Generation: e.generation,
		ReceivedAt: now,
	}
	select {
	case output <- update:
		p.lastMessageAt.Store(now)
	case <-ctx.Done():
	}
}

func (p *syntheticPoller) instrumentIndex(symbol string) int {
	id := models.NormalizeSymbol(symbol)
	for i, inst := range p.instruments {
		if models.NormalizeSymbol(inst.ID) == id {
			return i
		}
	}
	return 0
}

// -----------------------------------------------------------------------------

// syntheticBase spreads instruments across distinct price levels so quote
// output is tellable apart at a glance.
func syntheticBase(idx int) float64 {
	return 100 * float64(idx+1)
}

// syntheticPrice is a slow deterministic oscillation around the base. The
// same (idx, step) always yields the same price, so reruns are comparable.
func syntheticPrice(idx int, step int64) float64 {
	base := syntheticBase(idx)
	return base * (1 + 0.01*math.Sin(float64(step)/12))
}
