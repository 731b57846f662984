package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/user/trade-monitor/internal/adapter/metrics"
	"github.com/user/trade-monitor/internal/domain"
)

const streamPageSize = 500

// StreamBroker serves the SSE live tail. The monitor runs in a separate
// process from the bot, so the broker follows the SQLite store: each poll
// fetches rows past the last delivered id and broadcasts them to every
// connected client in ascending id order.
type StreamBroker struct {
	store        domain.EventStore
	logger       *slog.Logger
	m            *metrics.MonitorMetrics
	pollInterval time.Duration

	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	lastID  int64
}

// NewStreamBroker creates the broker and starts its polling loop. The loop
// stops when ctx is cancelled.
func NewStreamBroker(ctx context.Context, store domain.EventStore, logger *slog.Logger, m *metrics.MonitorMetrics, pollInterval time.Duration) *StreamBroker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	b := &StreamBroker{
		store:        store,
		logger:       logger.With("component", "stream_broker"),
		m:            m,
		pollInterval: pollInterval,
	}
	b.clients = make(map[chan []byte]struct{})
	go b.run(ctx)
	return b
}

// ServeHTTP handles new SSE client connections.
func (b *StreamBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	messageChan := make(chan []byte, 64)
	b.addClient(messageChan)
	defer b.removeClient(messageChan)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messageChan:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func (b *StreamBroker) addClient(client chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client] = struct{}{}
	b.m.AddStreamClients(1)
	b.logger.Info("stream client connected")
}

func (b *StreamBroker) removeClient(client chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		close(client)
		b.m.AddStreamClients(-1)
		b.logger.Info("stream client disconnected")
	}
}

func (b *StreamBroker) broadcast(msg []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for client := range b.clients {
		select {
		case client <- msg:
		default:
			// Slow client; skip rather than stall the broadcast.
		}
	}
}

func (b *StreamBroker) run(ctx context.Context) {
	// Start at the current head so clients only see live events.
	if head, err := b.store.Recent(ctx, domain.RecentQuery{Limit: 1}); err == nil && len(head) > 0 {
		b.lastID = head[0].ID
	}

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.poll(ctx)
		}
	}
}

// poll drains everything past lastID oldest first, paging until a fetch
// comes back short so a burst larger than one page is not skipped.
func (b *StreamBroker) poll(ctx context.Context) {
	for {
		events, err := b.store.Recent(ctx, domain.RecentQuery{
			Limit:     streamPageSize,
			SinceID:   b.lastID,
			Ascending: true,
		})
		if err != nil {
			b.logger.Warn("stream poll failed", "error", err)
			return
		}
		if len(events) == 0 {
			return
		}

		for _, event := range events {
			data, err := json.Marshal(event)
			if err != nil {
				b.logger.Error("failed to marshal stream event", "error", err, "event_id", event.ID)
				continue
			}
			b.broadcast(data)
		}
		b.lastID = events[len(events)-1].ID

		if len(events) < streamPageSize {
			return
		}
	}
}
