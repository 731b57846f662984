package domain

import "errors"

// Validation errors: caller bugs, never retried.
var (
	// ErrInvalidKind covers an unknown kind as well as kind-dependent
	// structural problems (BLOCK without a reason, ORDER/FILL without
	// symbol and side, unrecognized side or level).
	ErrInvalidKind = errors.New("invalid event kind")

	// ErrInvalidPrice is returned for NaN or infinite prices.
	ErrInvalidPrice = errors.New("invalid price")

	// ErrInvalidDetails is returned when the details payload cannot be
	// serialized to JSON.
	ErrInvalidDetails = errors.New("invalid details payload")
)

// Sink errors surfaced by the emitter.
var (
	// ErrSinkBusy means SQLite contention outlasted the busy timeout.
	// The event is not persisted; the caller may retry.
	ErrSinkBusy = errors.New("event store busy")

	// ErrSinkDegraded means the JSONL sink failed after SQLite succeeded.
	// The event is persisted and has an id; the error is advisory.
	ErrSinkDegraded = errors.New("journal sink degraded")

	// ErrSinkUnavailable means the SQLite write failed and the event is
	// not persisted anywhere.
	ErrSinkUnavailable = errors.New("event store unavailable")
)
