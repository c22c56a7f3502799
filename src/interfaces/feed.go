package interfaces

import (
	"context"
	"market-sync/src/models"
	"sync"
)

// -----------------------------------------------------------------------------
// IFeed is the common contract for market-data feeds (push and pull).
// -----------------------------------------------------------------------------

type IFeed interface {

	// Name returns the unique identifier of the feed
	Name() string

	// -----------------------------------------------------------------------------

	// Start begins delivering updates.
	// ctx: controls the lifecycle (cancellation stops the feed)
	// output: channel the feed pushes MUpdate envelopes to
	// wg: WaitGroup to signal when the feed has fully stopped
	Start(ctx context.Context, output chan<- models.MUpdate, wg *sync.WaitGroup) error

	// -----------------------------------------------------------------------------

	// Stop terminates the feed (manual stop; cancelling the Start context
	// is the preferred path).
	Stop() error

	// -----------------------------------------------------------------------------

	// Status reports the feed's connection state and failure counters.
	Status() models.MFeedStatus
}

// -----------------------------------------------------------------------------
// IStreamFeed is a push feed: one persistent channel per (symbol, interval).
// -----------------------------------------------------------------------------

type IStreamFeed interface {
	IFeed

	// SubscribeStream opens (or re-keys) the live stream for one instrument
	// and interval. The generation tags every update the stream emits so
	// late messages from a torn-down subscription can be dropped.
	SubscribeStream(inst models.MInstrument, interval string, generation uint64) error

	// -----------------------------------------------------------------------------

	// UnsubscribeStream tears the stream down immediately, bypassing any
	// pending reconnect delay.
	UnsubscribeStream(inst models.MInstrument, interval string)
}

// -----------------------------------------------------------------------------
// ISnapshotFeed is a pull feed: fixed-cadence quote polls plus historical
// backfill for tracked series.
// -----------------------------------------------------------------------------

type ISnapshotFeed interface {
	IFeed

	// TrackSeries schedules backfill and periodic refresh for one series.
	TrackSeries(inst models.MInstrument, interval string, generation uint64)

	// -----------------------------------------------------------------------------

	// UntrackSeries stops refreshing the series.
	UntrackSeries(inst models.MInstrument, interval string)

	// -----------------------------------------------------------------------------

	// FetchHistory performs one backfill request and returns raw bars,
	// unsorted and possibly duplicated.
	FetchHistory(ctx context.Context, inst models.MInstrument, interval string) ([]models.MBar, error)
}

// -----------------------------------------------------------------------------
// IFeedManager routes subscriptions to the owning feed by asset class.
// -----------------------------------------------------------------------------

type IFeedManager interface {

	// SubscribeSeries routes a new (symbol, interval) subscription: backfill
	// via the pull path, live tail via the owning feed.
	SubscribeSeries(inst models.MInstrument, interval string, generation uint64) error

	// -----------------------------------------------------------------------------

	// UnsubscribeSeries stops the owning tasks for the series.
	UnsubscribeSeries(inst models.MInstrument, interval string)

	// -----------------------------------------------------------------------------

	// Statuses reports every registered feed's operational state.
	Statuses() []models.MFeedStatus
}
