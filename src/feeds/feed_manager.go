package feeds

import (
	"context"
	"fmt"
	"sync"

	"market-sync/src/interfaces"
	"market-sync/src/logger"
	"market-sync/src/models"
)

// -----------------------------------------------------------------------------
// FeedManager owns every registered feed and routes series subscriptions to
// them. Routing follows instrument ownership: an instrument whose owning feed
// is a push feed gets its live tail from the stream and its backfill from the
// default snapshot poller; every other instrument is served entirely by its
// snapshot poller. Push and pull are never simultaneously authoritative for
// one symbol's live tail.
// -----------------------------------------------------------------------------

type FeedManager struct {
	Logger *logger.Logger

	feeds   map[string]interfaces.IFeed
	order   []string
	streams map[string]interfaces.IStreamFeed
	pollers map[string]interfaces.ISnapshotFeed

	// backfill is the poller that serves historical bars for stream-owned
	// instruments: the first snapshot feed registered.
	backfill interfaces.ISnapshotFeed

	outputChan chan<- models.MUpdate
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         *sync.WaitGroup
	mu         sync.RWMutex
}

// -----------------------------------------------------------------------------

func NewFeedManager(log *logger.Logger) *FeedManager {
	return &FeedManager{
		Logger:  log,
		feeds:   make(map[string]interfaces.IFeed),
		streams: make(map[string]interfaces.IStreamFeed),
		pollers: make(map[string]interfaces.ISnapshotFeed),
	}
}

// -----------------------------------------------------------------------------

// RegisterStreamFeed adds a push feed; if the manager is already running the
// feed starts immediately.
func (m *FeedManager) RegisterStreamFeed(feed interfaces.IStreamFeed) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := feed.Name()
	if _, exists := m.feeds[name]; exists {
		return fmt.Errorf("feed %s already registered", name)
	}

	m.feeds[name] = feed
	m.streams[name] = feed
	m.order = append(m.order, name)
	m.Logger.Info("Registered stream feed: %s", name)

	return m.startIfRunning(feed)
}

// -----------------------------------------------------------------------------

// RegisterSnapshotFeed adds a pull feed. The first one registered becomes the
// default backfill poller.
func (m *FeedManager) RegisterSnapshotFeed(feed interfaces.ISnapshotFeed) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := feed.Name()
	if _, exists := m.feeds[name]; exists {
		return fmt.Errorf("feed %s already registered", name)
	}

	m.feeds[name] = feed
	m.pollers[name] = feed
	m.order = append(m.order, name)
	if m.backfill == nil {
		m.backfill = feed
	}
	m.Logger.Info("Registered snapshot feed: %s", name)

	return m.startIfRunning(feed)
}

// startIfRunning starts a late-registered feed. Caller holds m.mu.
func (m *FeedManager) startIfRunning(feed interfaces.IFeed) error {
	if m.ctx == nil {
		return nil
	}
	if err := feed.Start(m.ctx, m.outputChan, m.wg); err != nil {
		return fmt.Errorf("failed to start feed %s: %w", feed.Name(), err)
	}
	m.Logger.Info("Started feed: %s", feed.Name())
	return nil
}

// -----------------------------------------------------------------------------

// GetFeed retrieves a feed by name.
func (m *FeedManager) GetFeed(name string) (interfaces.IFeed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	feed, exists := m.feeds[name]
	if !exists {
		return nil, fmt.Errorf("feed %s not found", name)
	}
	return feed, nil
}

// -----------------------------------------------------------------------------

// Start starts all registered feeds against one derived context.
func (m *FeedManager) Start(parentCtx context.Context, output chan<- models.MUpdate, wg *sync.WaitGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx != nil {
		return fmt.Errorf("FeedManager is already running")
	}

	ctx, cancel := context.WithCancel(parentCtx)
	m.ctx = ctx
	m.cancelFunc = cancel
	m.outputChan = output
	m.wg = wg

	for _, name := range m.order {
		if err := m.feeds[name].Start(ctx, output, wg); err != nil {
			m.Logger.Error("Failed to start feed %s: %v", name, err)
			cancel()
			m.ctx = nil
			m.cancelFunc = nil
			return err
		}
	}

	m.Logger.Info("FeedManager started %d feeds", len(m.order))
	return nil
}

// -----------------------------------------------------------------------------

// Stop stops all feeds by cancelling the shared context.
func (m *FeedManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx == nil {
		return nil // Already stopped
	}

	m.Logger.Info("Stopping FeedManager...")

	if m.cancelFunc != nil {
		m.cancelFunc()
	}
	m.cancelFunc = nil
	m.ctx = nil

	m.Logger.Info("FeedManager stopped.")
	return nil
}

// -----------------------------------------------------------------------------

// route resolves which feeds serve an instrument. The named owning feed wins;
// instruments without one route by asset class, CRYPTO to the first stream
// feed and everything else to the default poller.
func (m *FeedManager) route(inst models.MInstrument) (interfaces.IStreamFeed, interfaces.ISnapshotFeed) {
	if sf, ok := m.streams[inst.Feed]; ok {
		return sf, m.backfill
	}
	if pf, ok := m.pollers[inst.Feed]; ok {
		return nil, pf
	}

	if inst.AssetClass == models.AssetCrypto {
		for _, name := range m.order {
			if sf, ok := m.streams[name]; ok {
				return sf, m.backfill
			}
		}
	}
	return nil, m.backfill
}

// -----------------------------------------------------------------------------

// SubscribeSeries opens the feed-side tasks for one series: backfill and
// refresh on the pull path, plus the live stream when a push feed owns the
// instrument.
func (m *FeedManager) SubscribeSeries(inst models.MInstrument, interval string, generation uint64) error {
	m.mu.RLock()
	stream, poller := m.route(inst)
	m.mu.RUnlock()

	if stream == nil && poller == nil {
		return fmt.Errorf("no feed can serve %s", inst.ID)
	}

	if poller != nil {
		poller.TrackSeries(inst, interval, generation)
	}
	if stream != nil {
		if err := stream.SubscribeStream(inst, interval, generation); err != nil {
			if poller != nil {
				poller.UntrackSeries(inst, interval)
			}
			return err
		}
	}

	m.Logger.Debug("Subscribed %s/%s (generation %d)", inst.ID, interval, generation)
	return nil
}

// -----------------------------------------------------------------------------

// UnsubscribeSeries stops the owning tasks for one series.
func (m *FeedManager) UnsubscribeSeries(inst models.MInstrument, interval string) {
	m.mu.RLock()
	stream, poller := m.route(inst)
	m.mu.RUnlock()

	if stream != nil {
		stream.UnsubscribeStream(inst, interval)
	}
	if poller != nil {
		poller.UntrackSeries(inst, interval)
	}

	m.Logger.Debug("Unsubscribed %s/%s", inst.ID, interval)
}

// -----------------------------------------------------------------------------

// Statuses reports every feed's operational state in registration order.
func (m *FeedManager) Statuses() []models.MFeedStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]models.MFeedStatus, 0, len(m.order))
	for _, name := range m.order {
		statuses = append(statuses, m.feeds[name].Status())
	}
	return statuses
}
