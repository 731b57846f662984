package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/trade-monitor/internal/adapter/metrics"
	"github.com/user/trade-monitor/internal/adapter/repository/jsonl"
	"github.com/user/trade-monitor/internal/adapter/repository/sqlite"
	"github.com/user/trade-monitor/internal/domain"
	"github.com/user/trade-monitor/internal/pkg/clock"
	"github.com/user/trade-monitor/internal/pkg/config"
)

const dbFileName = "events.db"

// divergenceNote remembers a failed sink write so it can be recorded as a
// STATE/warn event on the next successful attempt. Sink failures are never
// swallowed silently.
type divergenceNote struct {
	Sink    string
	EventID int64
	Err     string
}

// Emitter is the thread-safe event bus: it validates events, writes SQLite
// first and JSONL second, and only acknowledges an emit after SQLite has
// committed. SQLite is authoritative; a JSONL failure degrades but never
// rolls back.
type Emitter struct {
	cfg     *config.Config
	clock   clock.Clock
	logger  *slog.Logger
	m       *metrics.MonitorMetrics
	store   domain.EventSink
	journal domain.EventSink
	tap     domain.EventNotifier
	runID   string

	mu      sync.Mutex
	started bool
	closed  bool
	pending []divergenceNote
}

// Option customizes an Emitter.
type Option func(*Emitter)

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.MonitorMetrics) Option {
	return func(e *Emitter) { e.m = m }
}

// WithNotifier attaches a best-effort live tap for acknowledged events.
func WithNotifier(n domain.EventNotifier) Option {
	return func(e *Emitter) { e.tap = n }
}

// WithClock overrides the timestamp source, for tests.
func WithClock(c clock.Clock) Option {
	return func(e *Emitter) { e.clock = c }
}

// NewEmitter constructs an emitter against the configured data directory.
// Call Start before emitting, or let the first emit lazy-initialize.
func NewEmitter(cfg *config.Config, logger *slog.Logger, opts ...Option) *Emitter {
	e := &Emitter{
		cfg:    cfg,
		clock:  clock.New(),
		logger: logger.With("component", "emitter"),
		runID:  uuid.NewString(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start opens both sinks and records a run-start STATE event. Calling Start
// twice is a no-op.
func (e *Emitter) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startLocked(ctx)
}

func (e *Emitter) startLocked(ctx context.Context) error {
	if e.started {
		return nil
	}
	if e.closed {
		return fmt.Errorf("%w: emitter is closed", domain.ErrSinkUnavailable)
	}

	store, err := sqlite.NewEventRepository(
		filepath.Join(e.cfg.DataDir, dbFileName),
		e.cfg.BusyTimeout(),
		e.cfg.BatchThreshold,
		e.cfg.WALCheckpointEveryN,
		e.clock, e.logger, e.m,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSinkUnavailable, err)
	}

	journal, err := jsonl.NewEventRepository(
		e.cfg.DataDir,
		e.cfg.FsyncEveryN,
		e.cfg.FsyncInterval(),
		e.clock, e.logger,
	)
	if err != nil {
		store.Close()
		return fmt.Errorf("%w: %v", domain.ErrSinkUnavailable, err)
	}

	e.store = store
	e.journal = journal
	e.started = true
	e.logger.Info("emitter started", "data_dir", e.cfg.DataDir, "run_id", e.runID)

	// Session marker so operators can tell runs apart across restarts.
	startEvent, _, err := domain.NewEvent(domain.KindState, domain.LevelInfo, domain.Fields{
		Details: map[string]any{"run": e.runID, "pid": os.Getpid(), "started": true},
	})
	if err == nil {
		if _, err := e.writeLocked(ctx, &startEvent); err != nil {
			e.logger.Warn("failed to record run-start event", "error", err)
		}
	}
	return nil
}

// Emit validates, timestamps and durably records one event, returning the
// id assigned by the SQLite sink. The write is synchronous: there is no
// background queue between the caller and the sinks.
func (e *Emitter) Emit(ctx context.Context, kind domain.Kind, level domain.Level, f domain.Fields) (int64, error) {
	startedAt := time.Now()

	event, warnings, err := domain.NewEvent(kind, level, f)
	if err != nil {
		e.m.ObserveEmit(string(kind), "invalid", time.Since(startedAt))
		return 0, err
	}
	for _, w := range warnings {
		e.logger.Warn("event field truncated", "kind", kind, "detail", w)
	}

	e.mu.Lock()
	if !e.started {
		// Emitting before Start initializes against default paths.
		if err := e.startLocked(ctx); err != nil {
			e.mu.Unlock()
			e.m.ObserveEmit(string(kind), "unavailable", time.Since(startedAt))
			return 0, err
		}
	}
	if e.closed {
		e.mu.Unlock()
		return 0, fmt.Errorf("%w: emitter is closed", domain.ErrSinkUnavailable)
	}
	e.flushPendingLocked(ctx)
	id, err := e.writeLocked(ctx, &event)
	e.mu.Unlock()

	status := "ok"
	switch {
	case errors.Is(err, domain.ErrSinkDegraded):
		status = "degraded"
	case errors.Is(err, domain.ErrSinkBusy):
		status = "busy"
	case err != nil:
		status = "unavailable"
	}
	e.m.ObserveEmit(string(kind), status, time.Since(startedAt))

	if err == nil || errors.Is(err, domain.ErrSinkDegraded) {
		if e.tap != nil {
			e.tap.Publish(ctx, event)
		}
	}
	return id, err
}

// Info emits at info level.
func (e *Emitter) Info(ctx context.Context, kind domain.Kind, f domain.Fields) (int64, error) {
	return e.Emit(ctx, kind, domain.LevelInfo, f)
}

// Warn emits at warn level.
func (e *Emitter) Warn(ctx context.Context, kind domain.Kind, f domain.Fields) (int64, error) {
	return e.Emit(ctx, kind, domain.LevelWarn, f)
}

// Error emits at error level.
func (e *Emitter) Error(ctx context.Context, kind domain.Kind, f domain.Fields) (int64, error) {
	return e.Emit(ctx, kind, domain.LevelError, f)
}

// writeLocked performs the two-sink append: SQLite first, JSONL second.
// Requires e.mu held.
func (e *Emitter) writeLocked(ctx context.Context, event *domain.Event) (int64, error) {
	event.TsWall = e.clock.Now()

	if err := e.store.Append(ctx, event); err != nil {
		e.notePending("sqlite", 0, err)
		return 0, err
	}

	if err := e.journal.Append(ctx, event); err != nil {
		e.notePending("jsonl", event.ID, err)
		e.m.SetSinkDegraded("jsonl", true)
		// Event is persisted in SQLite; surface advisory degradation only.
		return event.ID, fmt.Errorf("%w: %v", domain.ErrSinkDegraded, err)
	}
	e.m.SetSinkDegraded("jsonl", false)

	return event.ID, nil
}

// notePending queues a divergence record. Requires e.mu held.
func (e *Emitter) notePending(sink string, eventID int64, err error) {
	e.pending = append(e.pending, divergenceNote{Sink: sink, EventID: eventID, Err: err.Error()})
	// Bound memory if the sinks stay down for a long stretch.
	if len(e.pending) > 1024 {
		e.pending = e.pending[len(e.pending)-1024:]
	}
}

// flushPendingLocked records queued divergence notes as STATE/warn events.
// A note that fails to record stays queued. Requires e.mu held.
func (e *Emitter) flushPendingLocked(ctx context.Context) {
	if len(e.pending) == 0 {
		return
	}
	notes := e.pending
	e.pending = nil

	for i, note := range notes {
		event, _, err := domain.NewEvent(domain.KindState, domain.LevelWarn, domain.Fields{
			Details: map[string]any{
				"divergence": note.Sink,
				"event_id":   note.EventID,
				"error":      note.Err,
				"run":        e.runID,
			},
		})
		if err != nil {
			e.logger.Error("failed to build divergence event", "error", err)
			continue
		}
		if _, err := e.writeLocked(ctx, &event); err != nil && !errors.Is(err, domain.ErrSinkDegraded) {
			// Still down; requeue the remainder and stop trying.
			e.pending = append(e.pending, notes[i:]...)
			return
		}
	}
}

// Health reports both sinks. Before Start it reports empty health records.
func (e *Emitter) Health() (store, journal domain.SinkHealth) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store != nil {
		store = e.store.Health()
	}
	if e.journal != nil {
		journal = e.journal.Health()
	}
	return store, journal
}

// Close flushes and releases both sinks. Idempotent; safe after a failed
// Start.
func (e *Emitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	if !e.started {
		return nil
	}

	var firstErr error
	if err := e.store.Close(); err != nil {
		firstErr = err
	}
	if err := e.journal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.logger.Info("emitter closed", "run_id", e.runID)
	return firstErr
}
