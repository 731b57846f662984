package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/user/trade-monitor/internal/domain"
)

// MockEventSink is a mock implementation of domain.EventSink for testing.
type MockEventSink struct {
	mu        sync.Mutex
	Appended  []domain.Event
	AppendErr error
	// AssignIDs makes the mock behave like the SQLite sink and stamp
	// sequential ids starting at NextID.
	AssignIDs bool
	NextID    int64
	Degraded  bool
	Closed    int
}

func (m *MockEventSink) Append(ctx context.Context, event *domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AppendErr != nil {
		return m.AppendErr
	}
	if m.AssignIDs {
		if m.NextID == 0 {
			m.NextID = 1
		}
		event.ID = m.NextID
		m.NextID++
	}
	m.Appended = append(m.Appended, *event)
	return nil
}

func (m *MockEventSink) Health() domain.SinkHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := domain.SinkHealth{Degraded: m.Degraded}
	if m.AppendErr != nil {
		h.LastError = m.AppendErr.Error()
	}
	return h
}

func (m *MockEventSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed++
	return nil
}

// Events returns a copy of everything appended so far.
func (m *MockEventSink) Events() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Event, len(m.Appended))
	copy(out, m.Appended)
	return out
}

// MockEventStore is a mock implementation of domain.EventStore for testing.
type MockEventStore struct {
	RecentResult       []domain.Event
	RecentErr          error
	LastRecentQuery    domain.RecentQuery
	BlockReasonsResult []domain.ReasonCount
	LatestStateResult  map[string]domain.Event
	MarkersResult      []domain.Event
	TimelineResult     []domain.TimelineBucket
	ActivityResult     []domain.SymbolKindCount
	ConnectionResult   *domain.ConnectionObservation
	DataTimeResult     *time.Time
	SinkStatusResult   domain.SinkStatus
	Err                error
}

func (m *MockEventStore) Recent(ctx context.Context, q domain.RecentQuery) ([]domain.Event, error) {
	m.LastRecentQuery = q
	if m.RecentErr != nil {
		return nil, m.RecentErr
	}
	return m.RecentResult, m.Err
}

func (m *MockEventStore) BlockReasons(ctx context.Context, window time.Duration) ([]domain.ReasonCount, error) {
	return m.BlockReasonsResult, m.Err
}

func (m *MockEventStore) LatestState(ctx context.Context, symbol string) (map[string]domain.Event, error) {
	return m.LatestStateResult, m.Err
}

func (m *MockEventStore) Markers(ctx context.Context, symbol string, from, to time.Time) ([]domain.Event, error) {
	return m.MarkersResult, m.Err
}

func (m *MockEventStore) Timeline(ctx context.Context, from, to time.Time, bucket time.Duration) ([]domain.TimelineBucket, error) {
	return m.TimelineResult, m.Err
}

func (m *MockEventStore) SymbolActivity(ctx context.Context, window time.Duration) ([]domain.SymbolKindCount, error) {
	return m.ActivityResult, m.Err
}

func (m *MockEventStore) LatestConnection(ctx context.Context) (*domain.ConnectionObservation, error) {
	return m.ConnectionResult, m.Err
}

func (m *MockEventStore) LatestDataTime(ctx context.Context) (*time.Time, error) {
	return m.DataTimeResult, m.Err
}

func (m *MockEventStore) SinkStatus(ctx context.Context, window time.Duration) (domain.SinkStatus, error) {
	return m.SinkStatusResult, m.Err
}
