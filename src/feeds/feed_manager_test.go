package feeds_test

import (
	"context"
	"sync"
	"testing"

	"market-sync/src/feeds"
	"market-sync/src/logger"
	"market-sync/src/models"
)

// -----------------------------------------------------------------------------
// Recording fakes. Manager calls are synchronous, so plain fields suffice.
// -----------------------------------------------------------------------------

type fakeStreamFeed struct {
	name       string
	started    bool
	subscribed map[string]uint64
	torn       []string
}

func newFakeStreamFeed(name string) *fakeStreamFeed {
	return &fakeStreamFeed{name: name, subscribed: make(map[string]uint64)}
}

func (f *fakeStreamFeed) Name() string { return f.name }

func (f *fakeStreamFeed) Start(ctx context.Context, output chan<- models.MUpdate, wg *sync.WaitGroup) error {
	f.started = true
	return nil
}

func (f *fakeStreamFeed) Stop() error { return nil }

func (f *fakeStreamFeed) Status() models.MFeedStatus {
	return models.MFeedStatus{Name: f.name}
}

func (f *fakeStreamFeed) SubscribeStream(inst models.MInstrument, interval string, generation uint64) error {
	f.subscribed[inst.ID+"/"+interval] = generation
	return nil
}

func (f *fakeStreamFeed) UnsubscribeStream(inst models.MInstrument, interval string) {
	delete(f.subscribed, inst.ID+"/"+interval)
	f.torn = append(f.torn, inst.ID+"/"+interval)
}

type fakeSnapshotFeed struct {
	name    string
	started bool
	tracked map[string]uint64
}

func newFakeSnapshotFeed(name string) *fakeSnapshotFeed {
	return &fakeSnapshotFeed{name: name, tracked: make(map[string]uint64)}
}

func (f *fakeSnapshotFeed) Name() string { return f.name }

func (f *fakeSnapshotFeed) Start(ctx context.Context, output chan<- models.MUpdate, wg *sync.WaitGroup) error {
	f.started = true
	return nil
}

func (f *fakeSnapshotFeed) Stop() error { return nil }

func (f *fakeSnapshotFeed) Status() models.MFeedStatus {
	return models.MFeedStatus{Name: f.name}
}

func (f *fakeSnapshotFeed) TrackSeries(inst models.MInstrument, interval string, generation uint64) {
	f.tracked[inst.ID+"/"+interval] = generation
}

func (f *fakeSnapshotFeed) UntrackSeries(inst models.MInstrument, interval string) {
	delete(f.tracked, inst.ID+"/"+interval)
}

func (f *fakeSnapshotFeed) FetchHistory(ctx context.Context, inst models.MInstrument, interval string) ([]models.MBar, error) {
	return nil, nil
}

// -----------------------------------------------------------------------------

func newTestManager(t *testing.T) (*feeds.FeedManager, *fakeStreamFeed, *fakeSnapshotFeed) {
	t.Helper()

	m := feeds.NewFeedManager(logger.NewLogger(&models.MConfig{LogLevel: "error"}, "FeedManager"))
	sf := newFakeStreamFeed("push")
	pf := newFakeSnapshotFeed("poll")
	if err := m.RegisterStreamFeed(sf); err != nil {
		t.Fatalf("register stream feed: %v", err)
	}
	if err := m.RegisterSnapshotFeed(pf); err != nil {
		t.Fatalf("register snapshot feed: %v", err)
	}
	return m, sf, pf
}

// ============================================================================
// Test: routing
// ============================================================================

func TestSubscribeSeries_CryptoGetsStreamAndBackfill(t *testing.T) {
	m, sf, pf := newTestManager(t)
	inst := models.MInstrument{ID: "btc-usd", AssetClass: models.AssetCrypto}

	if err := m.SubscribeSeries(inst, "1m", 3); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if gen, ok := sf.subscribed["btc-usd/1m"]; !ok || gen != 3 {
		t.Errorf("stream subscription: got %v/%v, want generation 3", gen, ok)
	}
	if gen, ok := pf.tracked["btc-usd/1m"]; !ok || gen != 3 {
		t.Errorf("backfill tracking: got %v/%v, want generation 3", gen, ok)
	}
}

func TestSubscribeSeries_PollClassSkipsStream(t *testing.T) {
	m, sf, pf := newTestManager(t)
	inst := models.MInstrument{ID: "eur-usd", AssetClass: models.AssetForex}

	if err := m.SubscribeSeries(inst, "1h", 1); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if len(sf.subscribed) != 0 {
		t.Errorf("stream subscriptions: got %v, want none for a poll-fed class", sf.subscribed)
	}
	if _, ok := pf.tracked["eur-usd/1h"]; !ok {
		t.Error("poller did not track the series")
	}
}

func TestSubscribeSeries_NamedFeedOverridesClass(t *testing.T) {
	m, sf, _ := newTestManager(t)
	secondary := newFakeSnapshotFeed("secondary")
	if err := m.RegisterSnapshotFeed(secondary); err != nil {
		t.Fatalf("register secondary: %v", err)
	}

	// CRYPTO would route to the stream feed, but the instrument names its
	// owner explicitly.
	inst := models.MInstrument{ID: "btc-usd", AssetClass: models.AssetCrypto, Feed: "secondary"}
	if err := m.SubscribeSeries(inst, "1m", 1); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if len(sf.subscribed) != 0 {
		t.Errorf("stream subscriptions: got %v, want none", sf.subscribed)
	}
	if _, ok := secondary.tracked["btc-usd/1m"]; !ok {
		t.Error("named feed did not track the series")
	}
}

func TestUnsubscribeSeries_StopsBothPaths(t *testing.T) {
	m, sf, pf := newTestManager(t)
	inst := models.MInstrument{ID: "btc-usd", AssetClass: models.AssetCrypto}

	if err := m.SubscribeSeries(inst, "1m", 1); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	m.UnsubscribeSeries(inst, "1m")

	if len(sf.subscribed) != 0 {
		t.Errorf("stream still subscribed: %v", sf.subscribed)
	}
	if len(pf.tracked) != 0 {
		t.Errorf("poller still tracking: %v", pf.tracked)
	}
	if len(sf.torn) != 1 || sf.torn[0] != "btc-usd/1m" {
		t.Errorf("teardown calls: got %v, want one for btc-usd/1m", sf.torn)
	}
}

func TestSubscribeSeries_NoFeedsRegistered(t *testing.T) {
	m := feeds.NewFeedManager(logger.NewLogger(&models.MConfig{LogLevel: "error"}, "FeedManager"))

	inst := models.MInstrument{ID: "btc-usd", AssetClass: models.AssetCrypto}
	if err := m.SubscribeSeries(inst, "1m", 1); err == nil {
		t.Error("expected an error with no feeds registered")
	}
}

// ============================================================================
// Test: lifecycle
// ============================================================================

func TestFeedManager_StartStartsEveryFeed(t *testing.T) {
	m, sf, pf := newTestManager(t)

	output := make(chan models.MUpdate, 1)
	var wg sync.WaitGroup
	if err := m.Start(context.Background(), output, &wg); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer m.Stop()

	if !sf.started || !pf.started {
		t.Errorf("started flags: stream=%v poll=%v, want both true", sf.started, pf.started)
	}
	if err := m.Start(context.Background(), output, &wg); err == nil {
		t.Error("second Start must fail while running")
	}
}

func TestFeedManager_RegisterAfterStart(t *testing.T) {
	m, _, _ := newTestManager(t)

	output := make(chan models.MUpdate, 1)
	var wg sync.WaitGroup
	if err := m.Start(context.Background(), output, &wg); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer m.Stop()

	late := newFakeSnapshotFeed("late")
	if err := m.RegisterSnapshotFeed(late); err != nil {
		t.Fatalf("late register failed: %v", err)
	}
	if !late.started {
		t.Error("late-registered feed was not started")
	}
}

func TestStatuses_RegistrationOrder(t *testing.T) {
	m, _, _ := newTestManager(t)

	statuses := m.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("statuses: got %d, want 2", len(statuses))
	}
	if statuses[0].Name != "push" || statuses[1].Name != "poll" {
		t.Errorf("order: got %s, %s, want push then poll", statuses[0].Name, statuses[1].Name)
	}
}
