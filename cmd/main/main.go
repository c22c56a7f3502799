package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"market-sync/src/config"
	"market-sync/src/engine"
	"market-sync/src/feeds"
	"market-sync/src/feeds/restpoll"
	"market-sync/src/feeds/stream"
	"market-sync/src/grpc_control"
	"market-sync/src/helpers"
	"market-sync/src/interfaces"
	"market-sync/src/logger"
	"market-sync/src/metrics"
	"market-sync/src/models"
	"market-sync/src/network"
	"market-sync/src/server"
	"market-sync/src/storage"

	"github.com/joho/godotenv"
)

// -----------------------------------------------------------------------------

func main() {

	// Local overrides (API keys mostly) before anything reads the environment
	godotenv.Load()

	// Parse command line flags
	configPath := flag.String("config", "config/default.yaml", "path to config file")
	flag.Parse()

	// Load config from YAML file
	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	appLogger := logger.NewLogger(cfg.MConfig, cfg.Name)

	// Process-wide collectors
	m := metrics.NewMetrics()

	// 1. Engine
	memoryLimitMB := helpers.RecommendedMemoryLimitMB()
	eng := engine.NewSyncEngine(cfg.MConfig, logger.NewLogger(cfg.MConfig, "Engine"), m, memoryLimitMB)

	// 2. Journal (optional)
	var journal interfaces.IJournal
	if cfg.Storage.Enabled {
		journal, err = storage.NewJournal(cfg.MConfig, logger.NewLogger(cfg.MConfig, "Journal"))
		if err != nil {
			appLogger.Critical("Failed to init journal: %v", err)
		}
		// The database may still be coming up; give the migration a few tries.
		errorHandler := helpers.NewErrorHandler()
		if _, err := errorHandler.ExecuteWithRetry("Journal database migration", func() (interface{}, error) {
			return nil, journal.Initialize()
		}, 3); err != nil {
			appLogger.Critical("Failed to migrate journal: %v", err)
		}
		if err := journal.RegisterInstruments(cfg.Instruments); err != nil {
			appLogger.Warning("Instrument registration failed: %v", err)
		}
		eng.SetJournal(journal)
	}

	// 3. Feeds
	manager := feeds.NewFeedManager(logger.NewLogger(cfg.MConfig, "FeedManager"))
	pullAssignments := partitionInstruments(cfg.MConfig)

	for i := range cfg.Feeds.Sources {
		feedCfg := cfg.Feeds.Sources[i]
		feedCfg.APIKey = cfg.APIKeyFor(feedCfg.Name)

		switch feedCfg.Kind {
		case "push":
			if err := manager.RegisterStreamFeed(stream.NewStreamFeed(cfg.MConfig, feedCfg, m)); err != nil {
				appLogger.Critical("Failed to register feed %s: %v", feedCfg.Name, err)
			}
		case "pull":
			// One network manager per pull feed so each spends its own
			// request budget.
			netMgr := network.NewAsyncNetworkManager(cfg.MConfig, logger.NewLogger(cfg.MConfig, "Network-"+feedCfg.Name))
			poller := restpoll.NewRestPollFeed(cfg.MConfig, feedCfg, pullAssignments[feedCfg.Name], netMgr, m)
			if err := manager.RegisterSnapshotFeed(poller); err != nil {
				appLogger.Critical("Failed to register feed %s: %v", feedCfg.Name, err)
			}
		}
	}
	eng.SetFeedManager(manager)

	// 4. Read API server
	var srv interfaces.IDataExchanger = server.NewAPIServer(cfg.MConfig, logger.NewLogger(cfg.MConfig, "Server"), eng)
	srv.UpdateAllDatas(eng.Snapshot("INITIAL"))
	go func() {
		if err := srv.Start(); err != nil {
			appLogger.Error("Server failed: %v", err)
		}
	}()

	// 5. Control endpoint
	ctrl := grpc_control.NewControlService(cfg.MConfig, logger.NewLogger(cfg.MConfig, "Control"))
	if err := ctrl.Start(); err != nil {
		appLogger.Error("gRPC control endpoint failed: %v", err)
	}
	ctrl.SetComponentStatus("journal", journal != nil)

	// 6. Start the pipeline
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wrapWg := &sync.WaitGroup{}
	updatesChan := make(chan models.MUpdate, 1024)

	if err := manager.Start(ctx, updatesChan, wrapWg); err != nil {
		appLogger.Critical("Failed to start feeds: %v", err)
	}
	ctrl.SetComponentStatus("feeds", true)

	if err := eng.Start(ctx, wrapWg); err != nil {
		appLogger.Critical("Failed to start engine: %v", err)
	}
	ctrl.SetComponentStatus("engine", true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	broadcastTicker := time.NewTicker(time.Second)
	defer broadcastTicker.Stop()
	quoteJournalTicker := time.NewTicker(time.Minute)
	defer quoteJournalTicker.Stop()
	cleanupTicker := time.NewTicker(time.Hour)
	defer cleanupTicker.Stop()

	appLogger.Info("Market sync running on %s:%d", cfg.Host, cfg.Port)

	for {
		select {
		case update, ok := <-updatesChan:
			if !ok {
				appLogger.Info("Update channel closed.")
				return
			}
			eng.Apply(update)

		case <-broadcastTicker.C:
			srv.Broadcast(eng.Snapshot("UPDATE"))

		case <-quoteJournalTicker.C:
			if journal != nil {
				if err := journal.SaveQuotes(eng.Quotes()); err != nil {
					appLogger.Warning("Quote journaling failed: %v", err)
				}
			}

		case <-cleanupTicker.C:
			if journal != nil {
				if err := journal.CleanupOldData(); err != nil {
					appLogger.Warning("Journal cleanup failed: %v", err)
				}
			}

		case <-quit:
			appLogger.Info("Shutting down...")
			ctrl.SetComponentStatus("engine", false)
			ctrl.SetComponentStatus("feeds", false)

			cancel()
			if err := manager.Stop(); err != nil {
				appLogger.Warning("Feed shutdown reported: %v", err)
			}
			eng.Stop()
			wrapWg.Wait()

			if err := srv.Stop(); err != nil {
				appLogger.Warning("Server shutdown reported: %v", err)
			}
			ctrl.Stop()
			if journal != nil {
				journal.Close()
			}
			appLogger.Info("Shutdown complete.")
			return
		}
	}
}

// -----------------------------------------------------------------------------

// partitionInstruments decides which pull feed polls quotes for each
// instrument, mirroring the manager's series routing: a named pull feed wins,
// stream-owned crypto needs no poller (its ticker stream carries quotes), and
// everything else lands on the first pull feed.
func partitionInstruments(cfg *models.MConfig) map[string][]models.MInstrument {
	kinds := make(map[string]string)
	defaultPoller := ""
	hasStream := false
	for _, src := range cfg.Feeds.Sources {
		kinds[src.Name] = src.Kind
		if src.Kind == "pull" && defaultPoller == "" {
			defaultPoller = src.Name
		}
		if src.Kind == "push" {
			hasStream = true
		}
	}

	assignments := make(map[string][]models.MInstrument)
	for _, inst := range cfg.Instruments {
		if inst.Feed != "" {
			if kinds[inst.Feed] == "pull" {
				assignments[inst.Feed] = append(assignments[inst.Feed], inst)
			}
			continue
		}
		if inst.AssetClass == models.AssetCrypto && hasStream {
			continue
		}
		if defaultPoller != "" {
			assignments[defaultPoller] = append(assignments[defaultPoller], inst)
		}
	}
	return assignments
}
