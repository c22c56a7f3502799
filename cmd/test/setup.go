package main

import (
	"market-sync/src/engine"
	"market-sync/src/feeds"
	"market-sync/src/helpers"
	"market-sync/src/logger"
	"market-sync/src/models"
	"market-sync/src/server"
)

// -----------------------------------------------------------------------------

// harnessConfig builds the whole runtime configuration in process. No YAML,
// no network sections: the harness runs entirely against synthetic feeds.
func harnessConfig(port int) *models.MConfig {
	return &models.MConfig{
		Name:     "market-sync-harness",
		Host:     "127.0.0.1",
		Port:     port,
		LogLevel: "info",
		Feeds: models.MFeedsConfig{
			MaxBarsPerSeries: 500,
		},
		Instruments: []models.MInstrument{
			{ID: "btc-usd", DisplaySymbol: "BTCUSDT", AssetClass: models.AssetCrypto},
			{ID: "eth-usd", DisplaySymbol: "ETHUSDT", AssetClass: models.AssetCrypto},
			{ID: "eur-usd", DisplaySymbol: "EURUSD", AssetClass: models.AssetForex},
			{ID: "spx", DisplaySymbol: "SPX", AssetClass: models.AssetEquityIndex, MIC: "XNYS"},
		},
	}
}

// -----------------------------------------------------------------------------

// setupEngine builds the reconciler. Metrics stay off: the harness is for
// eyeballing state, not scraping.
func setupEngine(cfg *models.MConfig) *engine.SyncEngine {
	memLimit := helpers.RecommendedMemoryLimitMB()
	return engine.NewSyncEngine(cfg, logger.NewLogger(cfg, "Engine"), nil, memLimit)
}

// -----------------------------------------------------------------------------

// setupFeeds wires the synthetic pair: the stream owns crypto, the poller
// covers the rest and doubles as the shared backfill path.
func setupFeeds(cfg *models.MConfig, appLogger *logger.Logger) (*feeds.FeedManager, error) {
	var streamed, polled []models.MInstrument
	for _, inst := range cfg.Instruments {
		if inst.AssetClass == models.AssetCrypto {
			streamed = append(streamed, inst)
		} else {
			polled = append(polled, inst)
		}
	}

	manager := feeds.NewFeedManager(logger.NewLogger(cfg, "FeedManager"))

	poller := newSyntheticPoller("synthetic-pull", polled, logger.NewLogger(cfg, "SyntheticPoller"))
	if err := manager.RegisterSnapshotFeed(poller); err != nil {
		return nil, err
	}

	streamFeed := newSyntheticStream("synthetic-push", streamed, logger.NewLogger(cfg, "SyntheticStream"))
	if err := manager.RegisterStreamFeed(streamFeed); err != nil {
		return nil, err
	}

	appLogger.Info("Synthetic feeds ready: %d streamed, %d polled", len(streamed), len(polled))
	return manager, nil
}

// -----------------------------------------------------------------------------

// setupServer exposes the usual read API so the harness can be poked with a
// browser or websocket client while it runs.
func setupServer(cfg *models.MConfig, eng *engine.SyncEngine) *server.APIServer {
	return server.NewAPIServer(cfg, logger.NewLogger(cfg, "Server"), eng)
}
