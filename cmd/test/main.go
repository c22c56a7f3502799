package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"market-sync/src/logger"
	"market-sync/src/models"
)

// The harness boots the full pipeline against in-process synthetic feeds,
// runs a scripted subscribe sequence, and keeps printing reconciled state
// until interrupted. No live upstreams, no storage, no flakiness.
func main() {
	port := flag.Int("port", 8300, "read API port")
	runFor := flag.Duration("for", 0, "exit after this long (0 runs until interrupted)")
	flag.Parse()

	cfg := harnessConfig(*port)
	appLogger := logger.NewLogger(cfg, cfg.Name)

	eng := setupEngine(cfg)

	manager, err := setupFeeds(cfg, appLogger)
	if err != nil {
		appLogger.Critical("Failed to build feeds: %v", err)
	}
	eng.SetFeedManager(manager)

	srv := setupServer(cfg, eng)
	srv.UpdateAllDatas(eng.Snapshot("INITIAL"))
	go func() {
		if err := srv.Start(); err != nil {
			appLogger.Error("Server failed: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := &sync.WaitGroup{}
	updatesChan := make(chan models.MUpdate, 1024)

	if err := manager.Start(ctx, updatesChan, wg); err != nil {
		appLogger.Critical("Failed to start feeds: %v", err)
	}
	if err := eng.Start(ctx, wg); err != nil {
		appLogger.Critical("Failed to start engine: %v", err)
	}

	// The drain runs beside the script; backfill lands through it while the
	// script sleeps.
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		for update := range updatesChan {
			eng.Apply(update)
		}
	}()

	if err := runScript(eng, appLogger); err != nil {
		appLogger.Error("Script failed: %v", err)
	}
	printState(eng)

	stop := func() {
		appLogger.Info("Shutting down harness...")
		cancel()
		if err := manager.Stop(); err != nil {
			appLogger.Warning("Feed shutdown reported: %v", err)
		}
		eng.Stop()
		wg.Wait()
		close(updatesChan)
		<-drainDone
		if err := srv.Stop(); err != nil {
			appLogger.Warning("Server shutdown reported: %v", err)
		}
		appLogger.Info("Harness stopped.")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	printTicker := time.NewTicker(10 * time.Second)
	defer printTicker.Stop()

	var deadline <-chan time.Time
	if *runFor > 0 {
		deadline = time.After(*runFor)
	}

	appLogger.Info("Harness running. Read API on http://%s:%d (Ctrl-C to stop)", cfg.Host, cfg.Port)

	for {
		select {
		case <-printTicker.C:
			srv.Broadcast(eng.Snapshot("UPDATE"))
			printState(eng)
		case <-deadline:
			appLogger.Info("Run window elapsed.")
			stop()
			return
		case <-quit:
			stop()
			return
		}
	}
}
