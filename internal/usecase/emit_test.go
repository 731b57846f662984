package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/user/trade-monitor/internal/domain"
	"github.com/user/trade-monitor/internal/domain/mocks"
	"github.com/user/trade-monitor/internal/pkg/clock"
	"github.com/user/trade-monitor/internal/pkg/config"
)

type mockNotifier struct {
	mu        sync.Mutex
	published []domain.Event
}

func (n *mockNotifier) Publish(ctx context.Context, event domain.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.published = append(n.published, event)
}

func (n *mockNotifier) events() []domain.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.Event, len(n.published))
	copy(out, n.published)
	return out
}

type emitterFixture struct {
	emitter *Emitter
	store   *mocks.MockEventSink
	journal *mocks.MockEventSink
	tap     *mockNotifier
	clk     *clock.Fake
}

// newEmitterFixture wires an emitter directly onto mock sinks, bypassing
// Start so no files are touched.
func newEmitterFixture(t *testing.T) *emitterFixture {
	t.Helper()
	fx := &emitterFixture{
		store:   &mocks.MockEventSink{AssignIDs: true},
		journal: &mocks.MockEventSink{},
		tap:     &mockNotifier{},
		clk:     clock.NewFake(time.Date(2025, 1, 14, 15, 0, 0, 0, time.UTC)),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fx.emitter = NewEmitter(config.Default(), logger, WithClock(fx.clk), WithNotifier(fx.tap))
	fx.emitter.store = fx.store
	fx.emitter.journal = fx.journal
	fx.emitter.started = true
	return fx
}

func TestEmitWritesBothSinksInOrder(t *testing.T) {
	fx := newEmitterFixture(t)

	id, err := fx.emitter.Info(context.Background(), domain.KindSignal, domain.Fields{
		Symbol: "AAPL", Side: "LONG", Price: domain.Float(185.23),
	})
	if err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	if id == 0 {
		t.Fatal("expected an assigned id")
	}

	stored := fx.store.Events()
	journaled := fx.journal.Events()
	if len(stored) != 1 || len(journaled) != 1 {
		t.Fatalf("expected one event per sink, got %d/%d", len(stored), len(journaled))
	}
	// The journal copy already carries the id the store assigned, proving
	// the store write happened first.
	if journaled[0].ID != id {
		t.Errorf("journal saw id %d, store assigned %d", journaled[0].ID, id)
	}
	if !stored[0].TsWall.Equal(fx.clk.Now()) {
		t.Errorf("ts_wall not stamped from the clock: %v", stored[0].TsWall)
	}
	if got := fx.tap.events(); len(got) != 1 || got[0].ID != id {
		t.Errorf("tap should see the acknowledged event: %+v", got)
	}
}

func TestEmitRejectsInvalidEvent(t *testing.T) {
	fx := newEmitterFixture(t)

	_, err := fx.emitter.Warn(context.Background(), domain.KindBlock, domain.Fields{Symbol: "AAPL"})
	if !errors.Is(err, domain.ErrInvalidKind) {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
	if len(fx.store.Events()) != 0 || len(fx.journal.Events()) != 0 {
		t.Error("invalid event must not reach any sink")
	}
	if len(fx.tap.events()) != 0 {
		t.Error("invalid event must not reach the tap")
	}
}

func TestJournalFailureDegradesButAcknowledges(t *testing.T) {
	fx := newEmitterFixture(t)
	fx.journal.AppendErr = fmt.Errorf("disk full")

	id, err := fx.emitter.Info(context.Background(), domain.KindData, domain.Fields{Symbol: "AAPL", Price: domain.Float(185)})
	if !errors.Is(err, domain.ErrSinkDegraded) {
		t.Fatalf("expected ErrSinkDegraded, got %v", err)
	}
	if id == 0 {
		t.Error("degraded emit must still return the persisted id")
	}
	if len(fx.store.Events()) != 1 {
		t.Errorf("store must hold the event, got %d", len(fx.store.Events()))
	}
	if got := fx.tap.events(); len(got) != 1 {
		t.Errorf("degraded event is acknowledged and must reach the tap, got %d", len(got))
	}

	// Journal recovers: the next emit records the divergence first.
	fx.journal.AppendErr = nil
	if _, err := fx.emitter.Info(context.Background(), domain.KindData, domain.Fields{Symbol: "AAPL", Price: domain.Float(186)}); err != nil {
		t.Fatalf("emit after recovery failed: %v", err)
	}

	stored := fx.store.Events()
	if len(stored) != 3 {
		t.Fatalf("expected original + divergence + new event, got %d", len(stored))
	}
	div := stored[1]
	if div.Kind != domain.KindState || div.Level != domain.LevelWarn {
		t.Errorf("divergence must be STATE/warn, got %s/%s", div.Kind, div.Level)
	}
	if div.DetailString("divergence") != "jsonl" {
		t.Errorf("divergence must name the failed sink: %s", div.Details)
	}
}

func TestStoreFailureSkipsJournal(t *testing.T) {
	fx := newEmitterFixture(t)
	fx.store.AppendErr = fmt.Errorf("%w: database is locked", domain.ErrSinkBusy)

	id, err := fx.emitter.Info(context.Background(), domain.KindData, domain.Fields{Symbol: "AAPL"})
	if !errors.Is(err, domain.ErrSinkBusy) {
		t.Fatalf("expected ErrSinkBusy, got %v", err)
	}
	if id != 0 {
		t.Errorf("failed emit must not return an id, got %d", id)
	}
	if len(fx.journal.Events()) != 0 {
		t.Error("journal must not be written when the store append fails")
	}
	if len(fx.tap.events()) != 0 {
		t.Error("unacknowledged event must not reach the tap")
	}

	// Store recovers: the next emit records the store divergence.
	fx.store.AppendErr = nil
	if _, err := fx.emitter.Info(context.Background(), domain.KindData, domain.Fields{Symbol: "AAPL"}); err != nil {
		t.Fatalf("emit after recovery failed: %v", err)
	}
	stored := fx.store.Events()
	if len(stored) != 2 {
		t.Fatalf("expected divergence + new event, got %d", len(stored))
	}
	if stored[0].DetailString("divergence") != "sqlite" {
		t.Errorf("divergence must name the failed sink: %s", stored[0].Details)
	}
}

func TestEmitLevels(t *testing.T) {
	fx := newEmitterFixture(t)
	ctx := context.Background()

	if _, err := fx.emitter.Info(ctx, domain.KindData, domain.Fields{}); err != nil {
		t.Fatalf("info failed: %v", err)
	}
	if _, err := fx.emitter.Warn(ctx, domain.KindBlock, domain.Fields{Reason: "spread_too_wide"}); err != nil {
		t.Fatalf("warn failed: %v", err)
	}
	if _, err := fx.emitter.Error(ctx, domain.KindState, domain.Fields{Details: map[string]any{"connection": "down"}}); err != nil {
		t.Fatalf("error failed: %v", err)
	}

	stored := fx.store.Events()
	if len(stored) != 3 {
		t.Fatalf("expected 3 events, got %d", len(stored))
	}
	want := []domain.Level{domain.LevelInfo, domain.LevelWarn, domain.LevelError}
	for i, level := range want {
		if stored[i].Level != level {
			t.Errorf("event %d: expected level %s, got %s", i, level, stored[i].Level)
		}
	}
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	fx := newEmitterFixture(t)

	if err := fx.emitter.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := fx.emitter.Close(); err != nil {
		t.Fatalf("second close must be a no-op, got %v", err)
	}
	if fx.store.Closed != 1 || fx.journal.Closed != 1 {
		t.Errorf("each sink must be closed exactly once, got %d/%d", fx.store.Closed, fx.journal.Closed)
	}

	_, err := fx.emitter.Info(context.Background(), domain.KindData, domain.Fields{})
	if !errors.Is(err, domain.ErrSinkUnavailable) {
		t.Fatalf("expected ErrSinkUnavailable after close, got %v", err)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	fx := newEmitterFixture(t)

	// The fixture is already started; further Start calls change nothing.
	if err := fx.emitter.Start(context.Background()); err != nil {
		t.Fatalf("start on a started emitter must be a no-op, got %v", err)
	}
	if err := fx.emitter.Start(context.Background()); err != nil {
		t.Fatalf("repeated start failed: %v", err)
	}
	if len(fx.store.Events()) != 0 {
		t.Errorf("no-op starts must not emit run markers, store holds %d events", len(fx.store.Events()))
	}
}

func TestEmitterEndToEnd(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	emitter := NewEmitter(cfg, logger)
	if err := emitter.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer emitter.Close()
	if err := emitter.Start(context.Background()); err != nil {
		t.Fatalf("second start must be a no-op, got %v", err)
	}

	var lastID int64
	for i := 0; i < 5; i++ {
		id, err := emitter.Info(context.Background(), domain.KindData, domain.Fields{
			Symbol: "AAPL", Price: domain.Float(185 + float64(i)),
		})
		if err != nil {
			t.Fatalf("emit %d failed: %v", i, err)
		}
		if id <= lastID {
			t.Errorf("ids must increase: %d after %d", id, lastID)
		}
		lastID = id
	}

	store, journal := emitter.Health()
	if store.Degraded || journal.Degraded {
		t.Errorf("healthy run must not be degraded: store=%+v journal=%+v", store, journal)
	}
}
