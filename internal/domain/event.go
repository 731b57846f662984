package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

// Kind classifies an event by the decision point that emitted it.
type Kind string

const (
	KindData   Kind = "DATA"
	KindSignal Kind = "SIGNAL"
	KindBlock  Kind = "BLOCK"
	KindOrder  Kind = "ORDER"
	KindFill   Kind = "FILL"
	KindState  Kind = "STATE"
	KindPNL    Kind = "PNL"
)

// Level is the severity attached to an event.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

const (
	// MaxSymbolLen is the longest symbol persisted; longer values are truncated.
	MaxSymbolLen = 16
	// MaxReasonLen is the longest BLOCK reason persisted; longer values are truncated.
	MaxReasonLen = 256

	// WallTimeLayout is the canonical ts_wall encoding: UTC, microsecond precision.
	WallTimeLayout = "2006-01-02T15:04:05.000000Z"
)

var validKinds = map[Kind]struct{}{
	KindData: {}, KindSignal: {}, KindBlock: {}, KindOrder: {},
	KindFill: {}, KindState: {}, KindPNL: {},
}

var validLevels = map[Level]struct{}{
	LevelInfo: {}, LevelWarn: {}, LevelError: {},
}

// validSides maps accepted side spellings to their normalized form.
var validSides = map[string]string{
	"BUY": "BUY", "SELL": "SELL", "LONG": "LONG", "SHORT": "SHORT",
}

// WellKnownStateKeys are the details keys the query side extracts from STATE
// events for the per-symbol latest-state view.
var WellKnownStateKeys = []string{"orb", "vwap", "open_range"}

// Event is the canonical persisted record. Events are immutable once built;
// ID is assigned by the SQLite sink on insert and TsMono by its writer.
type Event struct {
	ID      int64
	TsWall  time.Time
	TsMono  int64
	Kind    Kind
	Level   Level
	Symbol  string
	Side    string
	Price   *float64
	Reason  string
	Details json.RawMessage
}

// Fields carries the optional attributes of an event at emission time.
type Fields struct {
	Symbol  string
	Side    string
	Price   *float64
	Reason  string
	Details map[string]any
}

// Float is a convenience for populating Fields.Price inline.
func Float(v float64) *float64 { return &v }

// NewEvent validates and builds an event. Oversize symbol/reason values are
// truncated rather than rejected; each truncation is reported in the returned
// warning list so the caller can log it.
func NewEvent(kind Kind, level Level, f Fields) (Event, []string, error) {
	if _, ok := validKinds[kind]; !ok {
		return Event{}, nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if _, ok := validLevels[level]; !ok {
		return Event{}, nil, fmt.Errorf("%w: unknown level %q", ErrInvalidKind, level)
	}

	var warnings []string

	symbol := strings.ToUpper(strings.TrimSpace(f.Symbol))
	if len(symbol) > MaxSymbolLen {
		warnings = append(warnings, fmt.Sprintf("symbol %q truncated to %d bytes", symbol, MaxSymbolLen))
		symbol = truncate(symbol, MaxSymbolLen)
	}

	side := ""
	if f.Side != "" {
		normalized, ok := validSides[strings.ToUpper(strings.TrimSpace(f.Side))]
		if !ok {
			return Event{}, nil, fmt.Errorf("%w: unknown side %q", ErrInvalidKind, f.Side)
		}
		side = normalized
	}

	if f.Price != nil {
		if math.IsNaN(*f.Price) || math.IsInf(*f.Price, 0) {
			return Event{}, nil, fmt.Errorf("%w: %v", ErrInvalidPrice, *f.Price)
		}
	}

	reason := strings.TrimSpace(f.Reason)
	if len(reason) > MaxReasonLen {
		warnings = append(warnings, fmt.Sprintf("reason truncated to %d bytes", MaxReasonLen))
		reason = truncate(reason, MaxReasonLen)
	}

	switch kind {
	case KindBlock:
		if reason == "" {
			return Event{}, nil, fmt.Errorf("%w: BLOCK requires a non-empty reason", ErrInvalidKind)
		}
	case KindOrder, KindFill:
		if symbol == "" || side == "" {
			return Event{}, nil, fmt.Errorf("%w: %s requires symbol and side", ErrInvalidKind, kind)
		}
	}

	var details json.RawMessage
	if f.Details != nil {
		data, err := json.Marshal(f.Details)
		if err != nil {
			return Event{}, nil, fmt.Errorf("%w: %v", ErrInvalidDetails, err)
		}
		details = data
	}

	return Event{
		Kind:    kind,
		Level:   level,
		Symbol:  symbol,
		Side:    side,
		Price:   f.Price,
		Reason:  reason,
		Details: details,
	}, warnings, nil
}

// truncate cuts s to at most max bytes, backing up to a rune boundary so a
// multi-byte character is never split into a replacement character.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// eventWire is the JSONL shape. Field order here is the canonical key order
// of the line format and must not be rearranged: external tools parse it.
type eventWire struct {
	ID      int64           `json:"id"`
	TsWall  string          `json:"ts_wall"`
	Kind    Kind            `json:"kind"`
	Level   Level           `json:"level"`
	Symbol  string          `json:"symbol,omitempty"`
	Side    string          `json:"side,omitempty"`
	Price   *float64        `json:"price,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// MarshalJSON renders the canonical single-line form. TsMono is deliberately
// absent: it only orders rows within one run and lives in SQLite alone.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventWire{
		ID:      e.ID,
		TsWall:  e.TsWall.UTC().Format(WallTimeLayout),
		Kind:    e.Kind,
		Level:   e.Level,
		Symbol:  e.Symbol,
		Side:    e.Side,
		Price:   e.Price,
		Reason:  e.Reason,
		Details: e.Details,
	})
}

// UnmarshalJSON parses a canonical JSONL line.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w eventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := time.Parse(WallTimeLayout, w.TsWall)
	if err != nil {
		return fmt.Errorf("invalid ts_wall %q: %w", w.TsWall, err)
	}
	*e = Event{
		ID:      w.ID,
		TsWall:  ts,
		Kind:    w.Kind,
		Level:   w.Level,
		Symbol:  w.Symbol,
		Side:    w.Side,
		Price:   w.Price,
		Reason:  w.Reason,
		Details: w.Details,
	}
	return nil
}

// FormatWallTime renders a timestamp the way both sinks store it.
func FormatWallTime(t time.Time) string {
	return t.UTC().Format(WallTimeLayout)
}

// ParseWallTime is the inverse of FormatWallTime.
func ParseWallTime(s string) (time.Time, error) {
	return time.Parse(WallTimeLayout, s)
}

// DetailString extracts a string value for a top-level details key, or ""
// when the key is absent or not a string.
func (e Event) DetailString(key string) string {
	if e.Details == nil {
		return ""
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(e.Details, &m); err != nil {
		return ""
	}
	raw, ok := m[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
