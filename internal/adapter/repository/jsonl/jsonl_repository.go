package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/trade-monitor/internal/domain"
	"github.com/user/trade-monitor/internal/pkg/clock"
)

const (
	filePrefix = "events-"
	fileSuffix = ".jsonl"
	dayLayout  = "20060102"
	filePerm   = 0644
)

// EventRepository is the append-only JSONL sink. One file per UTC calendar
// day; the writer rotates before the first write of a new day so no event
// crosses files. Lines are flushed on every write and fsynced on a
// configurable cadence.
type EventRepository struct {
	dir         string
	fsyncEveryN int
	fsyncEvery  time.Duration
	clock       clock.Clock
	logger      *slog.Logger

	mu          sync.Mutex
	file        *os.File
	w           *bufio.Writer
	dayTag      string
	unsynced    int
	lastSync    time.Time
	closed      bool
	degraded    bool
	lastErr     error
	lastFailure time.Time
}

// NewEventRepository creates the sink and opens today's file.
func NewEventRepository(dir string, fsyncEveryN int, fsyncEvery time.Duration, clk clock.Clock, logger *slog.Logger) (*EventRepository, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}

	r := &EventRepository{
		dir:         dir,
		fsyncEveryN: fsyncEveryN,
		fsyncEvery:  fsyncEvery,
		clock:       clk,
		logger:      logger.With("component", "jsonl_sink"),
		lastSync:    clk.Now(),
	}

	if err := r.openDay(r.clock.Now()); err != nil {
		return nil, err
	}
	return r, nil
}

// Append serializes one event to one line and appends it to today's file.
// The mutex guarantees a line is either fully present or absent.
func (r *EventRepository) Append(ctx context.Context, event *domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("jsonl sink is closed")
	}

	now := r.clock.Now()
	if tag := now.Format(dayLayout); tag != r.dayTag {
		if err := r.rotate(now); err != nil {
			return r.fail(err)
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return r.fail(fmt.Errorf("failed to marshal event %d: %w", event.ID, err))
	}
	data = append(data, '\n')

	if _, err := r.w.Write(data); err != nil {
		return r.fail(fmt.Errorf("failed to append event %d: %w", event.ID, err))
	}
	if err := r.w.Flush(); err != nil {
		return r.fail(fmt.Errorf("failed to flush event %d: %w", event.ID, err))
	}

	r.unsynced++
	if r.unsynced >= r.fsyncEveryN || now.Sub(r.lastSync) >= r.fsyncEvery {
		if err := r.file.Sync(); err != nil {
			return r.fail(fmt.Errorf("fsync failed: %w", err))
		}
		r.unsynced = 0
		r.lastSync = now
	}

	if r.degraded {
		r.degraded = false
		r.logger.Info("jsonl sink recovered", "path", r.file.Name())
	}
	return nil
}

// Health reports the sink's write-path state.
func (r *EventRepository) Health() domain.SinkHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := domain.SinkHealth{Degraded: r.degraded, LastFailure: r.lastFailure}
	if r.lastErr != nil {
		h.LastError = r.lastErr.Error()
	}
	return h
}

// Close flushes, fsyncs and closes the current file. Idempotent.
func (r *EventRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if r.file == nil {
		return nil
	}
	if err := r.w.Flush(); err != nil {
		r.logger.Error("failed to flush on close", "error", err)
	}
	if err := r.file.Sync(); err != nil {
		r.logger.Error("failed to fsync on close", "error", err)
	}
	return r.file.Close()
}

// Path returns the file the sink is currently appending to.
func (r *EventRepository) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return ""
	}
	return r.file.Name()
}

// ReadDay streams every parseable event of the given UTC day to the handler.
// Unparseable lines are skipped: a torn trailing line is expected after a
// crash and must not poison readers.
func (r *EventRepository) ReadDay(ctx context.Context, day time.Time, handler func(event domain.Event) error) error {
	path := filepath.Join(r.dir, filePrefix+day.UTC().Format(dayLayout)+fileSuffix)
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event domain.Event
		if err := json.Unmarshal(line, &event); err != nil {
			r.logger.Warn("skipping unparseable jsonl line", "error", err, "path", path)
			continue
		}
		if err := handler(event); err != nil {
			return fmt.Errorf("read handler failed: %w", err)
		}
	}
	return scanner.Err()
}

func (r *EventRepository) rotate(now time.Time) error {
	if r.file != nil {
		if err := r.w.Flush(); err != nil {
			r.logger.Error("failed to flush before rotation", "error", err)
		}
		if err := r.file.Sync(); err != nil {
			r.logger.Error("failed to fsync before rotation", "error", err)
		}
		if err := r.file.Close(); err != nil {
			r.logger.Error("failed to close before rotation", "error", err)
		}
		r.file = nil
	}
	return r.openDay(now)
}

func (r *EventRepository) openDay(now time.Time) error {
	tag := now.Format(dayLayout)
	path := filepath.Join(r.dir, filePrefix+tag+fileSuffix)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open jsonl file %s: %w", path, err)
	}

	r.file = f
	r.w = bufio.NewWriter(f)
	r.dayTag = tag
	r.unsynced = 0
	r.logger.Info("opened jsonl file", "path", path)
	return nil
}

// fail records the error and marks the sink degraded. The sink keeps
// accepting writes; each subsequent Append retries against the filesystem.
func (r *EventRepository) fail(err error) error {
	r.degraded = true
	r.lastErr = err
	r.lastFailure = r.clock.Now()
	r.logger.Error("jsonl write failed", "error", err)
	return err
}
