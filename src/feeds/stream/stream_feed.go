package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"market-sync/src/helpers"
	"market-sync/src/logger"
	"market-sync/src/metrics"
	"market-sync/src/models"
	"market-sync/src/utils"
)

type seriesID struct {
	symbol   string
	interval string
}

// streamConn is the state of one persistent push channel. Exactly one worker
// goroutine drives it; generation and state are atomics because the worker
// and the subscription API touch them concurrently.
type streamConn struct {
	inst     models.MInstrument
	interval string

	generation atomic.Uint64
	state      atomic.Int32 // models.MConnectionStatus

	// Mutated only under StreamFeed.mu.
	started bool
	cancel  context.CancelFunc
}

// -----------------------------------------------------------------------------
// StreamFeed is the push feed: one websocket connection per subscribed
// (symbol, interval) pair, carrying the combined bar and ticker streams for
// that instrument. A dropped connection reconnects after a fixed delay and
// resubscribes to the identical streams; an unsubscribe tears the connection
// down immediately, skipping any pending reconnect wait.
// -----------------------------------------------------------------------------

type StreamFeed struct {
	Config     *models.MConfig
	FeedConfig models.MFeedConfig
	Logger     *logger.Logger
	Metrics    *metrics.Metrics

	conns map[seriesID]*streamConn

	lastMessageAt atomic.Int64
	failureCount  atomic.Int64
	parseDrops    atomic.Int64

	workers    sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc
	outputChan chan<- models.MUpdate
	isRunning  atomic.Bool
	mu         sync.Mutex
}

// -----------------------------------------------------------------------------

func NewStreamFeed(cfg *models.MConfig, feedCfg models.MFeedConfig, m *metrics.Metrics) *StreamFeed {
	return &StreamFeed{
		Config:     cfg,
		FeedConfig: feedCfg,
		Logger:     logger.NewLogger(cfg, "StreamFeed-"+feedCfg.Name),
		Metrics:    m,
		conns:      make(map[seriesID]*streamConn),
	}
}

// -----------------------------------------------------------------------------

func (s *StreamFeed) Name() string {
	return s.FeedConfig.Name
}

// -----------------------------------------------------------------------------

// Start launches one worker per already-subscribed stream and accepts new
// subscriptions from here on. The WaitGroup completes once the context is
// cancelled and every worker has drained.
func (s *StreamFeed) Start(parentCtx context.Context, output chan<- models.MUpdate, wg *sync.WaitGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning.Load() {
		return fmt.Errorf("feed %s is already running", s.Name())
	}

	ctx, cancel := context.WithCancel(parentCtx)
	s.ctx = ctx
	s.cancelFunc = cancel
	s.outputChan = output
	s.isRunning.Store(true)

	for _, c := range s.conns {
		s.spawnLocked(c)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		s.workers.Wait()
	}()

	s.Logger.Info("Started StreamFeed %s (%d streams)", s.Name(), len(s.conns))
	return nil
}

// -----------------------------------------------------------------------------

// Stop cancels every worker. Subscriptions stay registered so a later Start
// reopens them.
func (s *StreamFeed) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning.Load() {
		return fmt.Errorf("feed %s is not running", s.Name())
	}

	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	for _, c := range s.conns {
		c.started = false
		c.cancel = nil
	}
	s.isRunning.Store(false)
	s.Logger.Info("Stopped StreamFeed %s", s.Name())
	return nil
}

// -----------------------------------------------------------------------------

// Status folds the per-stream states into one feed-level connection state:
// any open stream reports OPEN, otherwise the most active state wins.
func (s *StreamFeed) Status() models.MFeedStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	connection := models.ConnIdle
	seen := make(map[string]bool, len(s.conns))
	symbols := make([]string, 0, len(s.conns))
	for id, c := range s.conns {
		if !seen[id.symbol] {
			seen[id.symbol] = true
			symbols = append(symbols, id.symbol)
		}
		switch models.MConnectionStatus(c.state.Load()) {
		case models.ConnOpen:
			connection = models.ConnOpen
		case models.ConnConnecting:
			if connection != models.ConnOpen {
				connection = models.ConnConnecting
			}
		case models.ConnReconnectWait:
			if connection == models.ConnIdle {
				connection = models.ConnReconnectWait
			}
		}
	}
	sort.Strings(symbols)

	return models.MFeedStatus{
		Name:          s.Name(),
		Connection:    connection,
		LastMessageAt: s.lastMessageAt.Load(),
		FailureCount:  s.failureCount.Load(),
		ParseDrops:    s.parseDrops.Load(),
		Symbols:       symbols,
	}
}

// -----------------------------------------------------------------------------

// SubscribeStream opens the live stream for one series. An existing stream is
// re-keyed to the new generation instead of being reopened.
func (s *StreamFeed) SubscribeStream(inst models.MInstrument, interval string, generation uint64) error {
	id := seriesID{symbol: models.NormalizeSymbol(inst.ID), interval: interval}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.conns[id]; ok {
		existing.generation.Store(generation)
		return nil
	}

	c := &streamConn{inst: inst, interval: interval}
	c.generation.Store(generation)
	c.state.Store(int32(models.ConnIdle))
	s.conns[id] = c

	if s.isRunning.Load() {
		s.spawnLocked(c)
	}
	return nil
}

// -----------------------------------------------------------------------------

// UnsubscribeStream tears the stream down immediately. Cancelling the worker
// context interrupts both a blocked read and a pending reconnect wait.
func (s *StreamFeed) UnsubscribeStream(inst models.MInstrument, interval string) {
	id := seriesID{symbol: models.NormalizeSymbol(inst.ID), interval: interval}

	s.mu.Lock()
	c, ok := s.conns[id]
	if ok {
		delete(s.conns, id)
	}
	s.mu.Unlock()

	if ok && c.cancel != nil {
		c.cancel()
	}
}

// -----------------------------------------------------------------------------

// spawnLocked starts the worker for one stream. Caller holds s.mu.
func (s *StreamFeed) spawnLocked(c *streamConn) {
	if c.started {
		return
	}
	c.started = true

	connCtx, cancel := context.WithCancel(s.ctx)
	c.cancel = cancel

	s.workers.Add(1)
	go s.runStream(connCtx, c, s.outputChan)
}

// -----------------------------------------------------------------------------

// runStream is the connection supervisor for one series: connect, consume
// until the channel drops, wait the fixed delay, reconnect. It exits only on
// context cancellation.
func (s *StreamFeed) runStream(ctx context.Context, c *streamConn, output chan<- models.MUpdate) {
	defer s.workers.Done()
	defer c.state.Store(int32(models.ConnIdle))

	delay := s.Config.Feeds.ReconnectDelaySeconds
	if delay <= 0 {
		delay = utils.DefaultReconnectDelaySeconds
	}

	for {
		c.state.Store(int32(models.ConnConnecting))
		err := s.streamOnce(ctx, c, output)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.noteFailure()
			s.Logger.Warning("Stream %s/%s dropped: %v. Reconnecting in %ds.", c.inst.ID, c.interval, err, delay)
		}

		c.state.Store(int32(models.ConnReconnectWait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(delay) * time.Second):
		}
		s.noteReconnect()
	}
}

// -----------------------------------------------------------------------------

// streamOnce dials the combined stream and consumes frames until the
// connection errors or the context is cancelled. A frame must arrive within
// the read idle limit or the connection is considered dead.
func (s *StreamFeed) streamOnce(ctx context.Context, c *streamConn, output chan<- models.MUpdate) error {
	streamURL := s.streamURL(c)

	handshake := s.Config.Network.RequestTimeout
	if handshake <= 0 {
		handshake = 10
	}
	dialer := websocket.Dialer{HandshakeTimeout: time.Duration(handshake) * time.Second}

	conn, resp, err := dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return helpers.NewConnectionError(fmt.Sprintf("dial failed for %s/%s", c.inst.ID, c.interval), err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	c.state.Store(int32(models.ConnOpen))
	if s.Metrics != nil {
		s.Metrics.OpenStreams.Inc()
		defer s.Metrics.OpenStreams.Dec()
	}
	s.Logger.Info("Stream open for %s/%s", c.inst.ID, c.interval)

	// ReadMessage does not watch the context, so a watcher closes the socket
	// to unblock it on cancellation.
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-readerDone:
		}
	}()

	idle := s.Config.Feeds.ReadIdleSeconds
	if idle <= 0 {
		idle = utils.DefaultReadIdleSeconds
	}

	wireSymbol := models.NormalizeSymbol(s.wireSymbol(c.inst))
	canonical := models.NormalizeSymbol(c.inst.ID)

	for {
		conn.SetReadDeadline(time.Now().Add(time.Duration(idle) * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return helpers.NewConnectionError("read failed", err)
		}

		update, ok, perr := ParseStreamMessage(data)
		if perr != nil {
			s.noteParseDrops(1)
			s.Logger.Debug("Dropping unreadable frame on %s/%s: %v", c.inst.ID, c.interval, perr)
			continue
		}
		if !ok {
			s.noteParseDrops(1)
			continue
		}
		if update.Symbol != wireSymbol {
			s.noteParseDrops(1)
			continue
		}
		if update.Kind == models.UpdateBar && update.Interval != c.interval {
			s.noteParseDrops(1)
			continue
		}

		received := time.Now().Unix()
		update.Symbol = canonical
		update.Interval = c.interval
		update.Source = s.Name()
		update.Generation = c.generation.Load()
		update.ReceivedAt = received
		if update.Kind == models.UpdateTick {
			update.Tick.Symbol = canonical
			update.Tick.ReceivedAt = received
		}

		select {
		case output <- update:
		case <-ctx.Done():
			return nil
		}
		s.lastMessageAt.Store(received)
	}
}

// -----------------------------------------------------------------------------

// streamURL joins the bar and ticker subscriptions for one series onto the
// combined stream endpoint.
func (s *StreamFeed) streamURL(c *streamConn) string {
	wire := strings.ToLower(s.wireSymbol(c.inst))
	base := strings.TrimRight(s.FeedConfig.StreamURL, "/")
	return fmt.Sprintf("%s/stream?streams=%s@kline_%s/%s@ticker", base, wire, c.interval, wire)
}

// wireSymbol is the vendor spelling used on the stream; instruments without
// one fall back to their canonical id.
func (s *StreamFeed) wireSymbol(inst models.MInstrument) string {
	if inst.DisplaySymbol != "" {
		return inst.DisplaySymbol
	}
	return inst.ID
}

// -----------------------------------------------------------------------------

func (s *StreamFeed) noteFailure() {
	s.failureCount.Add(1)
}

func (s *StreamFeed) noteReconnect() {
	if s.Metrics != nil {
		s.Metrics.Reconnects.WithLabelValues(s.Name()).Inc()
	}
}

func (s *StreamFeed) noteParseDrops(n int64) {
	s.parseDrops.Add(n)
	if s.Metrics != nil {
		s.Metrics.ParseDrops.WithLabelValues(s.Name()).Add(float64(n))
	}
}

// -----------------------------------------------------------------------------

// streamFrame is the combined-stream envelope: the subscription name plus the
// raw event payload.
type streamFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// klineEvent mirrors the vendor bar message. Prices arrive as strings; the
// bucket start is epoch milliseconds.
type klineEvent struct {
	EventType string       `json:"e"`
	Symbol    string       `json:"s"`
	Kline     klinePayload `json:"k"`
}

type klinePayload struct {
	StartTime int64  `json:"t"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Close     string `json:"c"`
}

// tickerEvent mirrors the vendor 24h ticker message.
type tickerEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	PctChange string `json:"P"`
}

// -----------------------------------------------------------------------------

// ParseStreamMessage decodes one frame into an update envelope. The boolean
// reports whether the frame carried a usable payload; an error means the
// frame itself was unreadable. Symbol comes back normalized but still in the
// vendor spelling; the caller maps it to the catalog id.
func ParseStreamMessage(data []byte) (models.MUpdate, bool, error) {
	var frame streamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return models.MUpdate{}, false, helpers.NewParseError("stream frame is not valid JSON", err)
	}

	// Single-stream endpoints deliver the event without the envelope.
	payload := []byte(frame.Data)
	if len(payload) == 0 {
		payload = data
	}

	var head struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return models.MUpdate{}, false, helpers.NewParseError("stream payload is not a JSON object", err)
	}

	switch head.EventType {
	case "kline":
		return parseKline(payload)
	case "24hrTicker":
		return parseTicker(payload)
	default:
		return models.MUpdate{}, false, nil
	}
}

// -----------------------------------------------------------------------------

func parseKline(payload []byte) (models.MUpdate, bool, error) {
	var ev klineEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return models.MUpdate{}, false, helpers.NewParseError("malformed kline event", err)
	}

	open, errO := strconv.ParseFloat(ev.Kline.Open, 64)
	high, errH := strconv.ParseFloat(ev.Kline.High, 64)
	low, errL := strconv.ParseFloat(ev.Kline.Low, 64)
	closePrice, errC := strconv.ParseFloat(ev.Kline.Close, 64)
	if errO != nil || errH != nil || errL != nil || errC != nil {
		return models.MUpdate{}, false, helpers.NewParseError("kline prices are not numeric", nil)
	}
	if ev.Kline.StartTime <= 0 || closePrice <= 0 || high < low {
		return models.MUpdate{}, false, nil
	}

	return models.MUpdate{
		Kind:     models.UpdateBar,
		Symbol:   models.NormalizeSymbol(ev.Symbol),
		Interval: ev.Kline.Interval,
		Bar: models.MBar{
			Timestamp: ev.Kline.StartTime,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
		},
	}, true, nil
}

// -----------------------------------------------------------------------------

func parseTicker(payload []byte) (models.MUpdate, bool, error) {
	var ev tickerEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return models.MUpdate{}, false, helpers.NewParseError("malformed ticker event", err)
	}

	price, errP := strconv.ParseFloat(ev.LastPrice, 64)
	if errP != nil {
		return models.MUpdate{}, false, helpers.NewParseError("ticker price is not numeric", nil)
	}
	change := 0.0
	if ev.PctChange != "" {
		parsed, err := strconv.ParseFloat(ev.PctChange, 64)
		if err != nil {
			return models.MUpdate{}, false, helpers.NewParseError("ticker change is not numeric", nil)
		}
		change = parsed
	}
	if price <= 0 {
		return models.MUpdate{}, false, nil
	}

	symbol := models.NormalizeSymbol(ev.Symbol)
	return models.MUpdate{
		Kind:   models.UpdateTick,
		Symbol: symbol,
		Tick: models.MPriceUpdate{
			Symbol:       symbol,
			Price:        price,
			PctChange24h: change,
		},
	}, true, nil
}
