package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/user/trade-monitor/internal/domain"
	"github.com/user/trade-monitor/internal/pkg/clock"
)

const (
	defaultRecentLimit = 100
	maxRecentLimit     = 1000
)

// QueryRepository is the read side of the event store. It opens its own
// read connections and relies on WAL snapshot isolation: a query started
// before a batch commit sees none of the batched rows. Every operation is a
// single SELECT; there are no materialized views.
type QueryRepository struct {
	db     *sql.DB
	clock  clock.Clock
	logger *slog.Logger
}

// NewQueryRepository opens the database for reading. A short-lived
// writable connection bootstraps WAL mode and the schema so the query
// service can start before the bot has emitted anything; the pool itself
// is opened with query_only set per connection, so the reader discipline
// is enforced by SQLite rather than by convention. busy_timeout is set via
// the DSN so transient contention with checkpointing does not surface as
// errors.
func NewQueryRepository(path string, busyTimeout time.Duration, clk clock.Clock, logger *slog.Logger) (*QueryRepository, error) {
	boot, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store %s for bootstrap: %w", path, err)
	}
	if _, err := boot.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds())); err != nil {
		boot.Close()
		return nil, fmt.Errorf("failed to set busy timeout on %s: %w", path, err)
	}
	if _, err := boot.Exec("PRAGMA journal_mode=WAL"); err != nil {
		boot.Close()
		return nil, fmt.Errorf("failed to set WAL mode on %s: %w", path, err)
	}
	if err := ensureSchema(context.Background(), boot); err != nil {
		boot.Close()
		return nil, err
	}
	if err := boot.Close(); err != nil {
		return nil, fmt.Errorf("failed to close bootstrap connection: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=query_only(1)", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store %s for reading: %w", path, err)
	}
	db.SetMaxOpenConns(4)

	return &QueryRepository{
		db:     db,
		clock:  clk,
		logger: logger.With("component", "event_query"),
	}, nil
}

func (q *QueryRepository) Close() error {
	return q.db.Close()
}

// Recent returns the newest matching events, descending by id unless the
// query asks for ascending order.
func (q *QueryRepository) Recent(ctx context.Context, rq domain.RecentQuery) ([]domain.Event, error) {
	limit := rq.Limit
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	var sb strings.Builder
	sb.WriteString("SELECT " + eventColumns + " FROM events WHERE 1=1")
	args := []any{}

	if rq.SinceID > 0 {
		sb.WriteString(" AND id > ?")
		args = append(args, rq.SinceID)
	}
	if len(rq.Kinds) > 0 {
		sb.WriteString(" AND kind IN (?" + strings.Repeat(",?", len(rq.Kinds)-1) + ")")
		for _, k := range rq.Kinds {
			args = append(args, string(k))
		}
	}
	if rq.Symbol != "" {
		sb.WriteString(" AND symbol = ?")
		args = append(args, strings.ToUpper(rq.Symbol))
	}
	if rq.Ascending {
		sb.WriteString(" ORDER BY id ASC LIMIT ?")
	} else {
		sb.WriteString(" ORDER BY id DESC LIMIT ?")
	}
	args = append(args, limit)

	return q.queryEvents(ctx, sb.String(), args...)
}

// BlockReasons aggregates BLOCK reasons over the trailing window.
func (q *QueryRepository) BlockReasons(ctx context.Context, window time.Duration) ([]domain.ReasonCount, error) {
	cutoff := domain.FormatWallTime(q.clock.Now().Add(-window))
	rows, err := q.db.QueryContext(ctx, `SELECT reason, COUNT(*) AS n
		FROM events
		WHERE kind = 'BLOCK' AND ts_wall >= ?
		GROUP BY reason
		ORDER BY n DESC, reason ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("block reasons query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.ReasonCount
	for rows.Next() {
		var rc domain.ReasonCount
		if err := rows.Scan(&rc.Reason, &rc.Count); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// LatestState returns, per well-known state key, the newest STATE event for
// the symbol carrying that key. One compound SELECT; ties break by higher id
// through the ORDER BY id DESC in each branch.
func (q *QueryRepository) LatestState(ctx context.Context, symbol string) (map[string]domain.Event, error) {
	branches := make([]string, 0, len(domain.WellKnownStateKeys))
	args := make([]any, 0, len(domain.WellKnownStateKeys))
	for _, key := range domain.WellKnownStateKeys {
		// key comes from the package constant list, never from input.
		branches = append(branches, fmt.Sprintf(
			`SELECT * FROM (SELECT '%s' AS state_key, %s FROM events
			 WHERE kind = 'STATE' AND symbol = ? AND json_extract(details, '$.%s') IS NOT NULL
			 ORDER BY id DESC LIMIT 1)`, key, eventColumns, key))
		args = append(args, strings.ToUpper(symbol))
	}

	rows, err := q.db.QueryContext(ctx, strings.Join(branches, " UNION ALL "), args...)
	if err != nil {
		return nil, fmt.Errorf("latest state query failed: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.Event)
	for rows.Next() {
		var stateKey string
		event, err := scanEventWith(rows, &stateKey)
		if err != nil {
			return nil, err
		}
		out[stateKey] = event
	}
	return out, rows.Err()
}

// Markers returns SIGNAL/ORDER/FILL events with a price inside the window,
// ascending by id, for overlay on a price chart. Zero from/to mean
// unbounded.
func (q *QueryRepository) Markers(ctx context.Context, symbol string, from, to time.Time) ([]domain.Event, error) {
	var sb strings.Builder
	sb.WriteString("SELECT " + eventColumns + ` FROM events
		WHERE symbol = ? AND kind IN ('SIGNAL','ORDER','FILL') AND price IS NOT NULL`)
	args := []any{strings.ToUpper(symbol)}

	if !from.IsZero() {
		sb.WriteString(" AND ts_wall >= ?")
		args = append(args, domain.FormatWallTime(from))
	}
	if !to.IsZero() {
		sb.WriteString(" AND ts_wall < ?")
		args = append(args, domain.FormatWallTime(to))
	}
	sb.WriteString(" ORDER BY id ASC")

	return q.queryEvents(ctx, sb.String(), args...)
}

// Timeline returns per-bucket counts by kind over [from, to).
func (q *QueryRepository) Timeline(ctx context.Context, from, to time.Time, bucket time.Duration) ([]domain.TimelineBucket, error) {
	bucketSecs := int64(bucket.Seconds())
	if bucketSecs <= 0 {
		bucketSecs = 60
	}

	rows, err := q.db.QueryContext(ctx, `SELECT
			(CAST(strftime('%s', ts_wall) AS INTEGER) / ?) * ? AS bucket_start,
			kind, COUNT(*)
		FROM events
		WHERE ts_wall >= ? AND ts_wall < ?
		GROUP BY bucket_start, kind
		ORDER BY bucket_start ASC`,
		bucketSecs, bucketSecs,
		domain.FormatWallTime(from), domain.FormatWallTime(to))
	if err != nil {
		return nil, fmt.Errorf("timeline query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.TimelineBucket
	byStart := make(map[int64]int)
	for rows.Next() {
		var start int64
		var kind string
		var count int64
		if err := rows.Scan(&start, &kind, &count); err != nil {
			return nil, err
		}
		idx, ok := byStart[start]
		if !ok {
			out = append(out, domain.TimelineBucket{
				Start:  time.Unix(start, 0).UTC(),
				Counts: make(map[domain.Kind]int64),
			})
			idx = len(out) - 1
			byStart[start] = idx
		}
		out[idx].Counts[domain.Kind(kind)] = count
	}
	return out, rows.Err()
}

// SymbolActivity returns per-symbol, per-kind counts over the trailing
// window, for the dashboard's per-symbol metrics panel.
func (q *QueryRepository) SymbolActivity(ctx context.Context, window time.Duration) ([]domain.SymbolKindCount, error) {
	cutoff := domain.FormatWallTime(q.clock.Now().Add(-window))
	rows, err := q.db.QueryContext(ctx, `SELECT symbol, kind, COUNT(*)
		FROM events
		WHERE ts_wall >= ? AND symbol IS NOT NULL AND symbol <> ''
		GROUP BY symbol, kind
		ORDER BY symbol ASC, kind ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("symbol activity query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.SymbolKindCount
	for rows.Next() {
		var skc domain.SymbolKindCount
		var kind string
		if err := rows.Scan(&skc.Symbol, &kind, &skc.Count); err != nil {
			return nil, err
		}
		skc.Kind = domain.Kind(kind)
		out = append(out, skc)
	}
	return out, rows.Err()
}

// LatestConnection returns the newest connection up/down observation.
func (q *QueryRepository) LatestConnection(ctx context.Context) (*domain.ConnectionObservation, error) {
	row := q.db.QueryRowContext(ctx, `SELECT json_extract(details, '$.connection'), ts_wall, id
		FROM events
		WHERE kind = 'STATE' AND json_extract(details, '$.connection') IN ('up','down')
		ORDER BY id DESC LIMIT 1`)

	var conn, tsWall string
	var id int64
	if err := row.Scan(&conn, &tsWall, &id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	ts, err := domain.ParseWallTime(tsWall)
	if err != nil {
		return nil, err
	}
	return &domain.ConnectionObservation{Up: conn == "up", TsWall: ts, ID: id}, nil
}

// LatestDataTime returns ts_wall of the newest DATA event.
func (q *QueryRepository) LatestDataTime(ctx context.Context) (*time.Time, error) {
	row := q.db.QueryRowContext(ctx, `SELECT ts_wall FROM events WHERE kind = 'DATA' ORDER BY id DESC LIMIT 1`)

	var tsWall string
	if err := row.Scan(&tsWall); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	ts, err := domain.ParseWallTime(tsWall)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

// SinkStatus counts recorded sink-divergence events inside the window. The
// emitter records every sink failure as a STATE/warn event with a
// details.divergence key, so degraded state is derivable by any reader.
func (q *QueryRepository) SinkStatus(ctx context.Context, window time.Duration) (domain.SinkStatus, error) {
	cutoff := domain.FormatWallTime(q.clock.Now().Add(-window))
	row := q.db.QueryRowContext(ctx, `SELECT COUNT(*)
		FROM events
		WHERE kind = 'STATE' AND level = 'warn'
		  AND json_extract(details, '$.divergence') IS NOT NULL
		  AND ts_wall >= ?`, cutoff)

	var n int64
	if err := row.Scan(&n); err != nil {
		return domain.SinkStatus{}, err
	}
	return domain.SinkStatus{Degraded: n > 0, Divergences: n}, nil
}

func (q *QueryRepository) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("event query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		event, err := scanEventWith(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// scanEventWith scans one event row, optionally preceded by extra leading
// columns (used by the keyed latest-state read).
func scanEventWith(rows *sql.Rows, leading ...any) (domain.Event, error) {
	var (
		event   domain.Event
		tsWall  string
		kind    string
		level   string
		symbol  sql.NullString
		side    sql.NullString
		price   sql.NullFloat64
		reason  sql.NullString
		details sql.NullString
	)

	dest := append(leading, &event.ID, &tsWall, &event.TsMono, &kind, &level, &symbol, &side, &price, &reason, &details)
	if err := rows.Scan(dest...); err != nil {
		return domain.Event{}, err
	}

	ts, err := domain.ParseWallTime(tsWall)
	if err != nil {
		return domain.Event{}, err
	}
	event.TsWall = ts
	event.Kind = domain.Kind(kind)
	event.Level = domain.Level(level)
	event.Symbol = symbol.String
	event.Side = side.String
	if price.Valid {
		v := price.Float64
		event.Price = &v
	}
	event.Reason = reason.String
	if details.Valid {
		event.Details = []byte(details.String)
	}
	return event, nil
}
