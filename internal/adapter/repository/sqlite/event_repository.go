package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/user/trade-monitor/internal/adapter/metrics"
	"github.com/user/trade-monitor/internal/domain"
	"github.com/user/trade-monitor/internal/pkg/clock"
)

const (
	// maxBatch bounds how many queued inserts one writer wakeup commits.
	maxBatch = 128

	// closeDrainTimeout bounds how long Close waits for the writer queue.
	closeDrainTimeout = 2 * time.Second
)

// EventRepository is the authoritative SQLite sink. Exactly one logical
// writer per process: calling goroutines funnel through a serialized queue
// consumed by a single writer goroutine, which assigns ids in queue order
// and stamps ts_mono so that (ts_mono, id) matches emission order.
type EventRepository struct {
	db              *sql.DB
	insert          *sql.Stmt
	clock           clock.Clock
	logger          *slog.Logger
	m               *metrics.MonitorMetrics
	batchThreshold  int
	checkpointEvery int64

	requests chan *insertRequest
	drained  chan struct{}

	mu     sync.RWMutex
	closed bool

	// writes is owned by the writer goroutine exclusively.
	writes int64

	healthMu    sync.Mutex
	degraded    bool
	lastErr     error
	lastFailure time.Time
}

type insertRequest struct {
	event *domain.Event
	resp  chan error
}

// NewEventRepository opens (or creates) the database, applies pragmas and
// schema, and starts the writer goroutine.
func NewEventRepository(path string, busyTimeout time.Duration, batchThreshold int, checkpointEvery int64, clk clock.Clock, logger *slog.Logger, m *metrics.MonitorMetrics) (*EventRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store %s: %w", path, err)
	}
	// The writer discipline requires a single connection.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds()),
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if err := ensureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	insert, err := db.PrepareContext(ctx, `INSERT INTO events
		(ts_wall, ts_mono, kind, level, symbol, side, price, reason, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}

	if batchThreshold <= 0 {
		batchThreshold = 32
	}
	r := &EventRepository{
		db:              db,
		insert:          insert,
		clock:           clk,
		logger:          logger.With("component", "event_store"),
		m:               m,
		batchThreshold:  batchThreshold,
		checkpointEvery: checkpointEvery,
		requests:        make(chan *insertRequest, 4*maxBatch),
		drained:         make(chan struct{}),
	}

	go r.writerLoop()
	return r, nil
}

// Append enqueues one event for the writer and waits for the result. On
// success event.ID and event.TsMono are populated. There is no cancellation
// once the event is enqueued: the write completes, fails or times out under
// the busy timeout.
func (r *EventRepository) Append(ctx context.Context, event *domain.Event) error {
	req := &insertRequest{event: event, resp: make(chan error, 1)}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return fmt.Errorf("%w: event store is closed", domain.ErrSinkUnavailable)
	}
	select {
	case r.requests <- req:
		r.mu.RUnlock()
	case <-ctx.Done():
		r.mu.RUnlock()
		return ctx.Err()
	}

	return <-req.resp
}

// Health reports the writer's state.
func (r *EventRepository) Health() domain.SinkHealth {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	h := domain.SinkHealth{Degraded: r.degraded, LastFailure: r.lastFailure}
	if r.lastErr != nil {
		h.LastError = r.lastErr.Error()
	}
	return h
}

// Close drains the writer queue (bounded), checkpoints the WAL and releases
// the connection. Idempotent.
func (r *EventRepository) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.requests)
	r.mu.Unlock()

	select {
	case <-r.drained:
	case <-time.After(closeDrainTimeout):
		r.logger.Warn("writer queue did not drain in time, forcing shutdown")
	}

	if _, err := r.db.Exec("PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		r.logger.Error("final checkpoint failed", "error", err)
	}
	if err := r.insert.Close(); err != nil {
		r.logger.Error("failed to close insert statement", "error", err)
	}
	return r.db.Close()
}

func (r *EventRepository) writerLoop() {
	defer close(r.drained)

	for {
		req, ok := <-r.requests
		if !ok {
			return
		}

		batch := []*insertRequest{req}
		queueClosed := false
	collect:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-r.requests:
				if !ok {
					queueClosed = true
					break collect
				}
				batch = append(batch, next)
			default:
				break collect
			}
		}

		r.runBatch(batch)

		if queueClosed {
			return
		}
	}
}

// runBatch commits the collected requests. Below the batch threshold each
// insert runs in its own implicit transaction; at or above it the whole
// batch commits atomically.
func (r *EventRepository) runBatch(batch []*insertRequest) {
	r.m.ObserveBatch(len(batch))

	for _, req := range batch {
		req.event.TsMono = r.clock.Mono()
	}

	var err error
	if len(batch) >= r.batchThreshold {
		err = r.insertTx(batch)
	} else {
		failed := false
		for _, req := range batch {
			if reqErr := r.insertOne(r.insert, req.event); reqErr != nil {
				failed = true
				req.resp <- r.fail(reqErr)
			} else {
				req.resp <- nil
			}
		}
		if !failed {
			r.clearFailure()
		}
		r.maybeCheckpoint(int64(len(batch)))
		return
	}

	if err != nil {
		classified := r.fail(err)
		for _, req := range batch {
			req.resp <- classified
		}
		return
	}

	r.clearFailure()
	for _, req := range batch {
		req.resp <- nil
	}
	r.maybeCheckpoint(int64(len(batch)))
}

func (r *EventRepository) insertTx(batch []*insertRequest) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() // no-op after Commit

	stmt := tx.Stmt(r.insert)
	defer stmt.Close()

	for _, req := range batch {
		if err := r.insertOne(stmt, req.event); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *EventRepository) insertOne(stmt *sql.Stmt, event *domain.Event) error {
	res, err := stmt.Exec(
		domain.FormatWallTime(event.TsWall),
		event.TsMono,
		string(event.Kind),
		string(event.Level),
		nullString(event.Symbol),
		nullString(event.Side),
		nullFloat(event.Price),
		nullString(event.Reason),
		nullRaw(event.Details),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = id
	return nil
}

func (r *EventRepository) maybeCheckpoint(n int64) {
	r.writes += n
	if r.checkpointEvery <= 0 || r.writes < r.checkpointEvery {
		return
	}
	r.writes -= r.checkpointEvery
	if _, err := r.db.Exec("PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		r.logger.Warn("passive checkpoint failed", "error", err)
		return
	}
	r.m.IncCheckpoints()
}

// fail classifies the driver error into the sink taxonomy and records it.
func (r *EventRepository) fail(err error) error {
	classified := classify(err)

	r.healthMu.Lock()
	r.degraded = true
	r.lastErr = classified
	r.lastFailure = r.clock.Now()
	r.healthMu.Unlock()

	r.m.SetSinkDegraded("sqlite", true)
	r.logger.Error("event store write failed", "error", err)
	return classified
}

func (r *EventRepository) clearFailure() {
	r.healthMu.Lock()
	wasDegraded := r.degraded
	r.degraded = false
	r.healthMu.Unlock()

	if wasDegraded {
		r.m.SetSinkDegraded("sqlite", false)
		r.logger.Info("event store recovered")
	}
}

func classify(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", domain.ErrSinkBusy, err)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrSinkUnavailable, err)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullRaw(raw []byte) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}
