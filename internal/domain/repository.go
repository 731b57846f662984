package domain

import (
	"context"
	"time"
)

// EventSink is a durable destination for events. The SQLite sink assigns
// event.ID and event.TsMono during Append; the JSONL sink requires them set.
type EventSink interface {
	// Append durably records one event. The event is either fully
	// persisted or absent; partial records are never visible to readers.
	Append(ctx context.Context, event *Event) error

	// Health reports whether the sink is currently degraded and the last
	// failure it observed.
	Health() SinkHealth

	// Close flushes and releases the sink. Idempotent.
	Close() error
}

// SinkHealth is a point-in-time report of a sink's write path.
type SinkHealth struct {
	Degraded    bool      `json:"degraded"`
	LastError   string    `json:"last_error,omitempty"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// EventNotifier is a best-effort live tap for acknowledged events. A notifier
// must never block or fail an emit; delivery is advisory.
type EventNotifier interface {
	Publish(ctx context.Context, event Event)
}

// RecentQuery filters the Recent read.
type RecentQuery struct {
	Limit   int
	SinceID int64
	Kinds   []Kind
	Symbol  string

	// Ascending flips the sort to oldest first. Used by since_id
	// followers so a backlog larger than one page drains in order.
	Ascending bool
}

// ReasonCount is one row of the BLOCK-reason aggregation.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int64  `json:"count"`
}

// TimelineBucket carries per-kind counts for one time bucket.
type TimelineBucket struct {
	Start  time.Time      `json:"start"`
	Counts map[Kind]int64 `json:"counts"`
}

// SymbolKindCount is one cell of the per-symbol activity breakdown.
type SymbolKindCount struct {
	Symbol string `json:"symbol"`
	Kind   Kind   `json:"kind"`
	Count  int64  `json:"count"`
}

// ConnectionObservation is the newest STATE event carrying a
// details.connection value.
type ConnectionObservation struct {
	Up     bool
	TsWall time.Time
	ID     int64
}

// SinkStatus summarizes recorded sink divergence over a window. The
// dashboard's red status light keys off Degraded.
type SinkStatus struct {
	Degraded    bool  `json:"degraded"`
	Divergences int64 `json:"divergences"`
}

// EventStore is the read side the dashboard consumes. All methods are
// snapshot reads against the SQLite sink; results never include rows from
// transactions that committed after the read began.
type EventStore interface {
	// Recent returns the newest matching events, descending by id unless
	// the query asks for ascending order.
	Recent(ctx context.Context, q RecentQuery) ([]Event, error)

	// BlockReasons aggregates BLOCK reasons over the trailing window,
	// ordered by count descending then reason ascending.
	BlockReasons(ctx context.Context, window time.Duration) ([]ReasonCount, error)

	// LatestState returns, per well-known state key, the newest STATE
	// event for the symbol whose details carry that key. Ties break by
	// higher id.
	LatestState(ctx context.Context, symbol string) (map[string]Event, error)

	// Markers returns SIGNAL/ORDER/FILL events with a price in the
	// window, in ascending id order, for chart overlay.
	Markers(ctx context.Context, symbol string, from, to time.Time) ([]Event, error)

	// Timeline returns per-bucket event counts by kind.
	Timeline(ctx context.Context, from, to time.Time, bucket time.Duration) ([]TimelineBucket, error)

	// SymbolActivity returns per-symbol, per-kind counts over the
	// trailing window.
	SymbolActivity(ctx context.Context, window time.Duration) ([]SymbolKindCount, error)

	// LatestConnection returns the newest connection observation, or nil
	// when no STATE event has reported one.
	LatestConnection(ctx context.Context) (*ConnectionObservation, error)

	// LatestDataTime returns ts_wall of the newest DATA event, or nil.
	LatestDataTime(ctx context.Context) (*time.Time, error)

	// SinkStatus reports recorded sink divergence within the window.
	SinkStatus(ctx context.Context, window time.Duration) (SinkStatus, error)
}
