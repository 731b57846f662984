package usecase

import (
	"context"
	"time"

	"github.com/user/trade-monitor/internal/domain"
	"github.com/user/trade-monitor/internal/pkg/clock"
)

// Freshness is the derived connectivity view the dashboard's status lights
// render.
type Freshness struct {
	IBConnected      bool       `json:"ib_connected"`
	DataFresh        bool       `json:"data_fresh"`
	LastConnectionAt *time.Time `json:"last_connection_at,omitempty"`
	LastDataAt       *time.Time `json:"last_data_at,omitempty"`
}

// FreshnessTracker derives connectivity booleans from recent STATE and DATA
// events. It holds no state of its own: every snapshot is a pure function
// of the store and the clock.
type FreshnessTracker struct {
	store     domain.EventStore
	clock     clock.Clock
	connStale time.Duration
	dataStale time.Duration
}

// NewFreshnessTracker wires the tracker to a query store.
func NewFreshnessTracker(store domain.EventStore, clk clock.Clock, connStale, dataStale time.Duration) *FreshnessTracker {
	return &FreshnessTracker{
		store:     store,
		clock:     clk,
		connStale: connStale,
		dataStale: dataStale,
	}
}

// Snapshot computes the current freshness view. IB is connected iff the
// newest connection observation is "up" and younger than the staleness
// window; data is fresh iff the newest DATA event is within its window.
func (t *FreshnessTracker) Snapshot(ctx context.Context) (Freshness, error) {
	now := t.clock.Now()
	var f Freshness

	conn, err := t.store.LatestConnection(ctx)
	if err != nil {
		return Freshness{}, err
	}
	if conn != nil {
		ts := conn.TsWall
		f.LastConnectionAt = &ts
		f.IBConnected = conn.Up && now.Sub(conn.TsWall) <= t.connStale
	}

	dataAt, err := t.store.LatestDataTime(ctx)
	if err != nil {
		return Freshness{}, err
	}
	if dataAt != nil {
		f.LastDataAt = dataAt
		f.DataFresh = now.Sub(*dataAt) <= t.dataStale
	}

	return f, nil
}
