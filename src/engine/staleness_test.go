package engine_test

import (
	"testing"

	"market-sync/src/engine"
	"market-sync/src/models"
)

// ============================================================================
// Test: Classify
// ============================================================================

func TestClassify_Thresholds(t *testing.T) {
	w := models.MStalenessWindows{DelayedAfterSeconds: 10, StaleAfterSeconds: 25}

	cases := []struct {
		age  int64
		want models.MStaleness
	}{
		{0, models.StalenessLive},
		{9, models.StalenessLive},
		{10, models.StalenessDelayed},
		{24, models.StalenessDelayed},
		{25, models.StalenessStale},
		{3600, models.StalenessStale},
	}

	now := int64(1_000_000)
	for _, c := range cases {
		got := engine.Classify(w, now-c.age, now)
		if got != c.want {
			t.Errorf("age %ds: got %s, want %s", c.age, got, c.want)
		}
	}
}

func TestClassify_NeverSeenIsStale(t *testing.T) {
	w := models.MStalenessWindows{DelayedAfterSeconds: 10, StaleAfterSeconds: 25}

	if got := engine.Classify(w, 0, 1_000_000); got != models.StalenessStale {
		t.Errorf("got %s, want STALE for a symbol that never confirmed", got)
	}
}

// ============================================================================
// Test: StalenessTable
// ============================================================================

func TestBuildStalenessTable_Defaults(t *testing.T) {
	table := engine.BuildStalenessTable(nil)

	crypto := table.WindowsFor(models.AssetCrypto)
	if crypto.DelayedAfterSeconds != 10 || crypto.StaleAfterSeconds != 25 {
		t.Errorf("crypto windows: got %+v, want 10/25", crypto)
	}

	equity := table.WindowsFor(models.AssetEquityIndex)
	if equity.DelayedAfterSeconds != 25 || equity.StaleAfterSeconds != 90 {
		t.Errorf("equity windows: got %+v, want 25/90", equity)
	}
}

func TestBuildStalenessTable_OverrideSingleClass(t *testing.T) {
	table := engine.BuildStalenessTable(map[string]models.MStalenessWindows{
		"crypto": {DelayedAfterSeconds: 5, StaleAfterSeconds: 15},
	})

	crypto := table.WindowsFor(models.AssetCrypto)
	if crypto.DelayedAfterSeconds != 5 || crypto.StaleAfterSeconds != 15 {
		t.Errorf("override ignored: got %+v", crypto)
	}

	forex := table.WindowsFor(models.AssetForex)
	if forex.DelayedAfterSeconds != 25 || forex.StaleAfterSeconds != 90 {
		t.Errorf("untouched class changed: got %+v", forex)
	}
}

func TestWindowsFor_UnknownClassFallsBack(t *testing.T) {
	table := engine.BuildStalenessTable(nil)

	w := table.WindowsFor(models.MAssetClass("COMMODITY"))
	if w.DelayedAfterSeconds != 25 || w.StaleAfterSeconds != 90 {
		t.Errorf("got %+v, want the poll-fed default 25/90", w)
	}
}
