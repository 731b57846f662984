package api

import (
	"log/slog"
	"net/http"

	"github.com/user/trade-monitor/internal/adapter/api/handler"
	"github.com/user/trade-monitor/internal/domain"
	"github.com/user/trade-monitor/internal/usecase"
)

// NewRouter configures the HTTP surface of the monitor query service. The
// dashboard and other external consumers depend on these routes and the
// SQLite schema only.
func NewRouter(
	logger *slog.Logger,
	store domain.EventStore,
	freshness *usecase.FreshnessTracker,
	broker *handler.StreamBroker,
) http.Handler {
	mux := http.NewServeMux()

	queryHandler := handler.NewQueryHandler(store, freshness, logger)

	mux.HandleFunc("GET /api/events", queryHandler.Recent)
	mux.HandleFunc("GET /api/block-reasons", queryHandler.BlockReasons)
	mux.HandleFunc("GET /api/state/{symbol}", queryHandler.LatestState)
	mux.HandleFunc("GET /api/markers/{symbol}", queryHandler.Markers)
	mux.HandleFunc("GET /api/timeline", queryHandler.Timeline)
	mux.HandleFunc("GET /api/symbols", queryHandler.SymbolActivity)
	mux.HandleFunc("GET /api/freshness", queryHandler.Freshness)
	mux.HandleFunc("GET /api/status", queryHandler.SinkStatus)

	mux.Handle("GET /events/stream", broker)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return mux
}
