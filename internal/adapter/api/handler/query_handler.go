package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/user/trade-monitor/internal/domain"
	"github.com/user/trade-monitor/internal/usecase"
)

const (
	defaultWindow  = time.Hour
	defaultBucket  = time.Minute
	statusWindow   = time.Minute
	maxQueryWindow = 31 * 24 * time.Hour
)

// QueryHandler serves the read-side API the dashboard consumes. All
// endpoints are snapshot reads against the SQLite store.
type QueryHandler struct {
	store     domain.EventStore
	freshness *usecase.FreshnessTracker
	logger    *slog.Logger
}

// NewQueryHandler creates a QueryHandler.
func NewQueryHandler(store domain.EventStore, freshness *usecase.FreshnessTracker, logger *slog.Logger) *QueryHandler {
	return &QueryHandler{
		store:     store,
		freshness: freshness,
		logger:    logger.With("component", "query_handler"),
	}
}

// Recent handles GET /api/events.
func (h *QueryHandler) Recent(w http.ResponseWriter, r *http.Request) {
	q := domain.RecentQuery{
		Limit:  intParam(r, "limit", 100),
		Symbol: r.URL.Query().Get("symbol"),
	}
	if sinceID, err := strconv.ParseInt(r.URL.Query().Get("since_id"), 10, 64); err == nil {
		q.SinceID = sinceID
	}
	if kinds := r.URL.Query().Get("kinds"); kinds != "" {
		for _, k := range strings.Split(kinds, ",") {
			q.Kinds = append(q.Kinds, domain.Kind(strings.ToUpper(strings.TrimSpace(k))))
		}
	}

	events, err := h.store.Recent(r.Context(), q)
	if err != nil {
		h.fail(w, "recent query failed", err)
		return
	}
	h.respond(w, map[string]any{"events": emptyIfNil(events)})
}

// BlockReasons handles GET /api/block-reasons.
func (h *QueryHandler) BlockReasons(w http.ResponseWriter, r *http.Request) {
	window := durationParam(r, "window", defaultWindow)

	reasons, err := h.store.BlockReasons(r.Context(), window)
	if err != nil {
		h.fail(w, "block reasons query failed", err)
		return
	}
	h.respond(w, map[string]any{
		"window":  window.String(),
		"reasons": emptyIfNilReasons(reasons),
	})
}

// LatestState handles GET /api/state/{symbol}.
func (h *QueryHandler) LatestState(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	if symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}

	state, err := h.store.LatestState(r.Context(), symbol)
	if err != nil {
		h.fail(w, "latest state query failed", err)
		return
	}
	h.respond(w, map[string]any{"symbol": strings.ToUpper(symbol), "state": state})
}

// Markers handles GET /api/markers/{symbol}.
func (h *QueryHandler) Markers(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	if symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}
	from, to, ok := h.timeRange(w, r)
	if !ok {
		return
	}

	markers, err := h.store.Markers(r.Context(), symbol, from, to)
	if err != nil {
		h.fail(w, "markers query failed", err)
		return
	}
	h.respond(w, map[string]any{"symbol": strings.ToUpper(symbol), "markers": emptyIfNil(markers)})
}

// Timeline handles GET /api/timeline.
func (h *QueryHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	from, to, ok := h.timeRange(w, r)
	if !ok {
		return
	}
	if from.IsZero() || to.IsZero() {
		http.Error(w, "from and to are required", http.StatusBadRequest)
		return
	}
	if to.Sub(from) > maxQueryWindow {
		http.Error(w, "time range too large", http.StatusBadRequest)
		return
	}
	bucket := durationParam(r, "bucket", defaultBucket)

	buckets, err := h.store.Timeline(r.Context(), from, to, bucket)
	if err != nil {
		h.fail(w, "timeline query failed", err)
		return
	}
	h.respond(w, map[string]any{"bucket": bucket.String(), "buckets": buckets})
}

// SymbolActivity handles GET /api/symbols.
func (h *QueryHandler) SymbolActivity(w http.ResponseWriter, r *http.Request) {
	window := durationParam(r, "window", defaultWindow)

	activity, err := h.store.SymbolActivity(r.Context(), window)
	if err != nil {
		h.fail(w, "symbol activity query failed", err)
		return
	}
	h.respond(w, map[string]any{"window": window.String(), "activity": activity})
}

// Freshness handles GET /api/freshness.
func (h *QueryHandler) Freshness(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.freshness.Snapshot(r.Context())
	if err != nil {
		h.fail(w, "freshness snapshot failed", err)
		return
	}
	h.respond(w, snapshot)
}

// SinkStatus handles GET /api/status. The dashboard shows a red light when
// Degraded is true, i.e. a sink divergence was recorded in the last minute.
func (h *QueryHandler) SinkStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.store.SinkStatus(r.Context(), statusWindow)
	if err != nil {
		h.fail(w, "sink status query failed", err)
		return
	}
	h.respond(w, status)
}

func (h *QueryHandler) timeRange(w http.ResponseWriter, r *http.Request) (from, to time.Time, ok bool) {
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			http.Error(w, "invalid from timestamp", http.StatusBadRequest)
			return time.Time{}, time.Time{}, false
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			http.Error(w, "invalid to timestamp", http.StatusBadRequest)
			return time.Time{}, time.Time{}, false
		}
	}
	return from, to, true
}

func (h *QueryHandler) respond(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *QueryHandler) fail(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, domain.ErrSinkBusy) {
		http.Error(w, "store busy, retry", http.StatusServiceUnavailable)
		return
	}
	h.logger.Error(msg, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func intParam(r *http.Request, name string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func durationParam(r *http.Request, name string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(r.URL.Query().Get(name))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func emptyIfNil(events []domain.Event) []domain.Event {
	if events == nil {
		return []domain.Event{}
	}
	return events
}

func emptyIfNilReasons(reasons []domain.ReasonCount) []domain.ReasonCount {
	if reasons == nil {
		return []domain.ReasonCount{}
	}
	return reasons
}
