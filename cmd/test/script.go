package main

import (
	"fmt"
	"sort"
	"time"

	"market-sync/src/engine"
	"market-sync/src/logger"
)

// -----------------------------------------------------------------------------

// runScript drives the scripted part of the harness: open the series, wait
// for backfill to land, assert the behaviors that are awkward to see from
// logs, and leave the subscriptions live for continued inspection.
func runScript(eng *engine.SyncEngine, appLogger *logger.Logger) error {
	appLogger.Info("Script: subscribing btc-usd/1m and eur-usd/1h")

	btc, err := eng.Subscribe("btc-usd", "1m")
	if err != nil {
		return fmt.Errorf("subscribe btc-usd/1m: %w", err)
	}
	if _, err := eng.Subscribe("eur-usd", "1h"); err != nil {
		return fmt.Errorf("subscribe eur-usd/1h: %w", err)
	}

	// Rejections must be immediate, not deferred to the feed layer.
	if _, err := eng.Subscribe("doge-usd", "1m"); err == nil {
		return fmt.Errorf("subscribe accepted a symbol missing from the catalog")
	}
	if _, err := eng.Subscribe("btc-usd", "7m"); err == nil {
		return fmt.Errorf("subscribe accepted an unknown interval")
	}
	appLogger.Info("Script: bad symbol and bad interval both rejected")

	appLogger.Info("Script: waiting for backfill and live updates...")
	time.Sleep(6 * time.Second)

	// A second handle on the same series, opened with the display spelling.
	// Releasing it must leave the series up; the first handle still holds it.
	second, err := eng.Subscribe("BTC-USD", "1m")
	if err != nil {
		return fmt.Errorf("second subscribe on btc-usd/1m: %w", err)
	}
	if second.Symbol != btc.Symbol {
		return fmt.Errorf("symbol normalization diverged: %q vs %q", second.Symbol, btc.Symbol)
	}
	genBefore := eng.Generation("btc-usd", "1m")
	eng.Unsubscribe(second)
	if _, _, ok := eng.GetSeries("btc-usd", "1m"); !ok {
		return fmt.Errorf("series dropped while a handle remained")
	}
	if gen := eng.Generation("btc-usd", "1m"); gen != genBefore {
		return fmt.Errorf("generation moved on a partial release: %d -> %d", genBefore, gen)
	}
	appLogger.Info("Script: refcount holds, btc-usd/1m survived releasing one of two handles")

	return nil
}

// -----------------------------------------------------------------------------

// printState dumps the reconciled view: quotes with freshness, every active
// series with an ordering check, sync counters, and feed health.
func printState(eng *engine.SyncEngine) {
	fmt.Printf("\n=== Reconciled state @ %s ===\n", time.Now().Format("15:04:05"))

	fmt.Println("QUOTES")
	quotes := eng.Quotes()
	symbols := make([]string, 0, len(quotes))
	for sym := range quotes {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		q := quotes[sym]
		market := "closed"
		if q.MarketOpen {
			market = "open"
		}
		fmt.Printf("  %-10s %12.4f  %+7.2f%%  %-8s market %s\n",
			sym, q.Price, q.PctChange24h, q.Staleness, market)
	}

	fmt.Println("SERIES")
	for _, inst := range eng.Instruments() {
		for _, interval := range []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d"} {
			bars, loading, ok := eng.GetSeries(inst.ID, interval)
			if !ok {
				continue
			}
			state := "ready"
			if loading {
				state = "loading"
			}
			if len(bars) == 0 {
				fmt.Printf("  %s/%s: empty (%s)\n", inst.ID, interval, state)
				continue
			}

			ordering := "ordered"
			for i := 1; i < len(bars); i++ {
				if bars[i].Timestamp <= bars[i-1].Timestamp {
					ordering = fmt.Sprintf("ORDERING VIOLATION at index %d", i)
					break
				}
			}
			first := time.Unix(bars[0].Timestamp, 0).Format("01-02 15:04")
			last := time.Unix(bars[len(bars)-1].Timestamp, 0).Format("01-02 15:04")
			fmt.Printf("  %s/%s: %d bars [%s .. %s] close %.4f (%s, %s)\n",
				inst.ID, interval, len(bars), first, last, bars[len(bars)-1].Close, state, ordering)
		}
	}

	m := eng.Metrics()
	fmt.Printf("SYNC  applied=%d fallbacks=%d stale_drops=%d parse_drops=%d active_series=%d\n",
		m.UpdatesApplied, m.MergeFallbacks, m.DroppedStale, m.ParseDrops, m.ActiveSeries)

	fmt.Println("FEEDS")
	for _, st := range eng.Statuses() {
		age := "never"
		if st.LastMessageAt > 0 {
			age = fmt.Sprintf("%ds ago", time.Now().Unix()-st.LastMessageAt)
		}
		fmt.Printf("  %-16s %-14s last message %s\n", st.Name, st.Connection, age)
	}
}
