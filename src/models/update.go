package models

// MUpdateKind discriminates the variants a feed can emit.
type MUpdateKind int32

const (
	UpdateBar      MUpdateKind = iota // single live bar (intra-bucket or new bucket)
	UpdateTick                        // quote-only tick
	UpdateBackfill                    // bulk historical bars, unsorted and possibly duplicated
)

func (k MUpdateKind) String() string {
	switch k {
	case UpdateBar:
		return "BAR"
	case UpdateTick:
		return "TICK"
	case UpdateBackfill:
		return "BACKFILL"
	default:
		return "UNKNOWN"
	}
}

// -----------------------------------------------------------------------------

// MUpdate is the envelope every feed pushes toward the reconciler. Exactly one
// payload field is meaningful for a given Kind: Bar for UpdateBar, Tick for
// UpdateTick, Bars for UpdateBackfill. Generation carries the subscription
// generation the feed was holding when it produced the update; series writes
// from an older generation are discarded.
type MUpdate struct {
	Kind       MUpdateKind
	Symbol     string
	Interval   string
	Bar        MBar
	Bars       []MBar
	Tick       MPriceUpdate
	Source     string
	Generation uint64
	ReceivedAt int64
}
