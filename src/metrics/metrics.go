package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// -----------------------------------------------------------------------------
// Metrics holds the process-wide Prometheus collectors. Construct once in
// main; components tolerate a nil *Metrics so unit tests skip registration.
// -----------------------------------------------------------------------------

type Metrics struct {
	UpdatesApplied   *prometheus.CounterVec
	ParseDrops       *prometheus.CounterVec
	PollFailures     *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	MergeFallbacks   prometheus.Counter
	DroppedStale     prometheus.Counter
	BarsJournaled    prometheus.Counter
	OpenStreams      prometheus.Gauge
	StalenessState   *prometheus.GaugeVec
	ReconcileSeconds prometheus.Histogram
}

// -----------------------------------------------------------------------------

func NewMetrics() *Metrics {
	return &Metrics{
		UpdatesApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "marketsync_updates_applied_total",
			Help: "Updates applied to engine state, by update kind.",
		}, []string{"kind"}),

		ParseDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "marketsync_parse_drops_total",
			Help: "Messages dropped because their shape could not be parsed, by feed.",
		}, []string{"feed"}),

		PollFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "marketsync_poll_failures_total",
			Help: "Failed poll cycles, by feed. The schedule continues regardless.",
		}, []string{"feed"}),

		Reconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "marketsync_stream_reconnects_total",
			Help: "Push-channel reconnect attempts, by feed.",
		}, []string{"feed"}),

		MergeFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "marketsync_merge_fallbacks_total",
			Help: "Full sort+dedupe merge passes triggered by disorder or duplicates.",
		}),

		DroppedStale: promauto.NewCounter(prometheus.CounterOpts{
			Name: "marketsync_dropped_stale_writes_total",
			Help: "Late updates dropped by the generation check after unsubscribe.",
		}),

		BarsJournaled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "marketsync_bars_journaled_total",
			Help: "Reconciled bars handed to the journal sink.",
		}),

		OpenStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "marketsync_open_streams",
			Help: "Currently open push channels.",
		}),

		StalenessState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketsync_staleness_state",
			Help: "Freshness classification per symbol (0=LIVE, 1=DELAYED, 2=STALE).",
		}, []string{"symbol"}),

		ReconcileSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketsync_reconcile_seconds",
			Help:    "Time to apply one update to series state.",
			Buckets: prometheus.ExponentialBuckets(0.000001, 10, 8),
		}),
	}
}

// -----------------------------------------------------------------------------

// StalenessValue maps a classification to its gauge encoding.
func StalenessValue(classification string) float64 {
	switch classification {
	case "DELAYED":
		return 1
	case "STALE":
		return 2
	default:
		return 0
	}
}
