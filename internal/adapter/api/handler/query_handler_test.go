package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/user/trade-monitor/internal/domain"
	"github.com/user/trade-monitor/internal/domain/mocks"
	"github.com/user/trade-monitor/internal/pkg/clock"
	"github.com/user/trade-monitor/internal/usecase"
)

func newTestHandler(store *mocks.MockEventStore) *QueryHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(time.Date(2025, 1, 14, 15, 0, 0, 0, time.UTC))
	freshness := usecase.NewFreshnessTracker(store, clk, 30*time.Second, 5*time.Second)
	return NewQueryHandler(store, freshness, logger)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestRecentEndpoint(t *testing.T) {
	event, _, _ := domain.NewEvent(domain.KindSignal, domain.LevelInfo, domain.Fields{
		Symbol: "AAPL", Side: "LONG", Price: domain.Float(185.23),
	})
	event.ID = 42
	event.TsWall = time.Date(2025, 1, 14, 9, 31, 22, 0, time.UTC)
	store := &mocks.MockEventStore{RecentResult: []domain.Event{event}}
	h := newTestHandler(store)

	t.Run("Query Params Forwarded", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/events?limit=5&since_id=10&kinds=signal,block&symbol=AAPL", nil)
		rec := httptest.NewRecorder()
		h.Recent(rec, req)

		var body struct {
			Events []json.RawMessage `json:"events"`
		}
		decodeBody(t, rec, &body)
		if len(body.Events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(body.Events))
		}

		q := store.LastRecentQuery
		if q.Limit != 5 || q.SinceID != 10 || q.Symbol != "AAPL" {
			t.Errorf("query params not forwarded: %+v", q)
		}
		if len(q.Kinds) != 2 || q.Kinds[0] != domain.KindSignal || q.Kinds[1] != domain.KindBlock {
			t.Errorf("kinds not parsed: %+v", q.Kinds)
		}
	})

	t.Run("Empty Result Is An Array", func(t *testing.T) {
		h := newTestHandler(&mocks.MockEventStore{})
		req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
		rec := httptest.NewRecorder()
		h.Recent(rec, req)

		var body struct {
			Events []json.RawMessage `json:"events"`
		}
		decodeBody(t, rec, &body)
		if body.Events == nil {
			t.Error("events must be [] rather than null")
		}
	})

	t.Run("Busy Store Maps To 503", func(t *testing.T) {
		h := newTestHandler(&mocks.MockEventStore{
			RecentErr: fmt.Errorf("%w: database is locked", domain.ErrSinkBusy),
		})
		req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
		rec := httptest.NewRecorder()
		h.Recent(rec, req)

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", rec.Code)
		}
	})

	t.Run("Store Error Maps To 500", func(t *testing.T) {
		h := newTestHandler(&mocks.MockEventStore{RecentErr: fmt.Errorf("corrupt page")})
		req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
		rec := httptest.NewRecorder()
		h.Recent(rec, req)

		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", rec.Code)
		}
	})
}

func TestBlockReasonsEndpoint(t *testing.T) {
	h := newTestHandler(&mocks.MockEventStore{
		BlockReasonsResult: []domain.ReasonCount{
			{Reason: "spread_too_wide", Count: 3},
			{Reason: "cooldown_active", Count: 1},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/block-reasons?window=15m", nil)
	rec := httptest.NewRecorder()
	h.BlockReasons(rec, req)

	var body struct {
		Window  string               `json:"window"`
		Reasons []domain.ReasonCount `json:"reasons"`
	}
	decodeBody(t, rec, &body)
	if body.Window != "15m0s" {
		t.Errorf("expected window 15m0s, got %q", body.Window)
	}
	if len(body.Reasons) != 2 || body.Reasons[0].Reason != "spread_too_wide" {
		t.Errorf("reasons not returned in order: %+v", body.Reasons)
	}
}

func TestLatestStateEndpoint(t *testing.T) {
	t.Run("Missing Symbol Rejected", func(t *testing.T) {
		h := newTestHandler(&mocks.MockEventStore{})
		req := httptest.NewRequest(http.MethodGet, "/api/state/", nil)
		rec := httptest.NewRecorder()
		h.LatestState(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("Symbol Uppercased In Response", func(t *testing.T) {
		h := newTestHandler(&mocks.MockEventStore{LatestStateResult: map[string]domain.Event{}})
		req := httptest.NewRequest(http.MethodGet, "/api/state/aapl", nil)
		req.SetPathValue("symbol", "aapl")
		rec := httptest.NewRecorder()
		h.LatestState(rec, req)

		var body struct {
			Symbol string `json:"symbol"`
		}
		decodeBody(t, rec, &body)
		if body.Symbol != "AAPL" {
			t.Errorf("expected AAPL, got %q", body.Symbol)
		}
	})
}

func TestMarkersEndpoint(t *testing.T) {
	t.Run("Invalid From Rejected", func(t *testing.T) {
		h := newTestHandler(&mocks.MockEventStore{})
		req := httptest.NewRequest(http.MethodGet, "/api/markers/AAPL?from=yesterday", nil)
		req.SetPathValue("symbol", "AAPL")
		rec := httptest.NewRecorder()
		h.Markers(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("Markers Returned", func(t *testing.T) {
		event, _, _ := domain.NewEvent(domain.KindFill, domain.LevelInfo, domain.Fields{
			Symbol: "AAPL", Side: "BUY", Price: domain.Float(185.25),
		})
		event.ID = 7
		event.TsWall = time.Date(2025, 1, 14, 9, 31, 0, 0, time.UTC)
		h := newTestHandler(&mocks.MockEventStore{MarkersResult: []domain.Event{event}})

		req := httptest.NewRequest(http.MethodGet, "/api/markers/AAPL?from=2025-01-14T09:00:00Z&to=2025-01-14T10:00:00Z", nil)
		req.SetPathValue("symbol", "AAPL")
		rec := httptest.NewRecorder()
		h.Markers(rec, req)

		var body struct {
			Symbol  string            `json:"symbol"`
			Markers []json.RawMessage `json:"markers"`
		}
		decodeBody(t, rec, &body)
		if body.Symbol != "AAPL" || len(body.Markers) != 1 {
			t.Errorf("unexpected response: %+v", body)
		}
	})
}

func TestTimelineEndpoint(t *testing.T) {
	t.Run("Range Required", func(t *testing.T) {
		h := newTestHandler(&mocks.MockEventStore{})
		req := httptest.NewRequest(http.MethodGet, "/api/timeline", nil)
		rec := httptest.NewRecorder()
		h.Timeline(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("Oversize Range Rejected", func(t *testing.T) {
		h := newTestHandler(&mocks.MockEventStore{})
		req := httptest.NewRequest(http.MethodGet, "/api/timeline?from=2024-01-01T00:00:00Z&to=2025-01-01T00:00:00Z", nil)
		rec := httptest.NewRecorder()
		h.Timeline(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("Buckets Returned", func(t *testing.T) {
		h := newTestHandler(&mocks.MockEventStore{
			TimelineResult: []domain.TimelineBucket{
				{Start: time.Date(2025, 1, 14, 9, 30, 0, 0, time.UTC), Counts: map[domain.Kind]int64{domain.KindData: 12}},
			},
		})
		req := httptest.NewRequest(http.MethodGet, "/api/timeline?from=2025-01-14T09:00:00Z&to=2025-01-14T10:00:00Z&bucket=5m", nil)
		rec := httptest.NewRecorder()
		h.Timeline(rec, req)

		var body struct {
			Bucket  string                  `json:"bucket"`
			Buckets []domain.TimelineBucket `json:"buckets"`
		}
		decodeBody(t, rec, &body)
		if body.Bucket != "5m0s" || len(body.Buckets) != 1 {
			t.Errorf("unexpected response: %+v", body)
		}
	})
}

func TestFreshnessEndpoint(t *testing.T) {
	connAt := time.Date(2025, 1, 14, 14, 59, 50, 0, time.UTC)
	dataAt := time.Date(2025, 1, 14, 14, 59, 58, 0, time.UTC)
	h := newTestHandler(&mocks.MockEventStore{
		ConnectionResult: &domain.ConnectionObservation{Up: true, TsWall: connAt, ID: 3},
		DataTimeResult:   &dataAt,
	})

	req := httptest.NewRequest(http.MethodGet, "/api/freshness", nil)
	rec := httptest.NewRecorder()
	h.Freshness(rec, req)

	var body struct {
		IBConnected bool `json:"ib_connected"`
		DataFresh   bool `json:"data_fresh"`
	}
	decodeBody(t, rec, &body)
	if !body.IBConnected || !body.DataFresh {
		t.Errorf("expected connected and fresh: %+v", body)
	}
}

func TestSinkStatusEndpoint(t *testing.T) {
	h := newTestHandler(&mocks.MockEventStore{
		SinkStatusResult: domain.SinkStatus{Degraded: true, Divergences: 2},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	h.SinkStatus(rec, req)

	var body domain.SinkStatus
	decodeBody(t, rec, &body)
	if !body.Degraded || body.Divergences != 2 {
		t.Errorf("unexpected status: %+v", body)
	}
}
