package notifier

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/trade-monitor/internal/adapter/metrics"
	"github.com/user/trade-monitor/internal/domain"
)

const publishTimeout = 250 * time.Millisecond

// RedisNotifier is a best-effort live tap: every acknowledged event is
// XADDed to a capped Redis stream for external consumers (dashboards,
// alerting). Failures are counted and logged, never surfaced to the
// emitting caller; SQLite remains the single source of truth.
type RedisNotifier struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *slog.Logger
	m      *metrics.MonitorMetrics
}

// NewRedisNotifier creates the tap. The stream is trimmed approximately to
// maxLen entries so an absent consumer cannot grow it without bound.
func NewRedisNotifier(client *redis.Client, stream string, maxLen int64, logger *slog.Logger, m *metrics.MonitorMetrics) *RedisNotifier {
	return &RedisNotifier{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger.With("component", "redis_tap"),
		m:      m,
	}
}

// Publish sends one event to the stream. Bounded by its own short timeout
// so a slow Redis cannot stretch emit latency.
func (n *RedisNotifier) Publish(ctx context.Context, event domain.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		n.m.IncTapDropped()
		n.logger.Error("failed to marshal event for tap", "error", err, "event_id", event.ID)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		MaxLen: n.maxLen,
		Approx: true,
		Values: map[string]any{"event": data},
	}).Err()
	if err != nil {
		n.m.IncTapDropped()
		n.logger.Warn("live tap publish failed", "error", err, "event_id", event.ID)
	}
}
