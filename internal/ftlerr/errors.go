// Package ftlerr defines the small, engine-neutral error taxonomy shared by
// every layer of the telemetry pipeline: edge parsers, stores, the bus
// client, and the server's windowing, vector store, and REST surface.
package ftlerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide whether to retry, drop,
// or surface it to an operator, without depending on where it originated.
type Kind int

const (
	// MalformedFrame is a parser rejecting a frame; counted and dropped,
	// never fatal to the sensor session that produced it.
	MalformedFrame Kind = iota
	// Transient is an I/O failure (BLE, network, store) expected to
	// recover on retry; it triggers backoff, not shutdown.
	Transient
	// Fatal is unrecoverable for a single sensor or component; the
	// component stops, independent peers continue.
	Fatal
	// Conflict is a session-state violation, e.g. two active recordings.
	Conflict
	// NotFound is a reference to a session or window that does not exist.
	NotFound
	// SchemaMismatch is a vector length or payload shape disagreement.
	SchemaMismatch
)

func (k Kind) String() string {
	switch k {
	case MalformedFrame:
		return "malformed_frame"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	case Conflict:
		return "conflict"
	case NotFound:
		return "not_found"
	case SchemaMismatch:
		return "schema_mismatch"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so the REST and bus layers
// can make dispatch decisions with a single type switch.
type Error struct {
	Kind Kind
	Op   string // component/operation that raised it, e.g. "store.save"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op/kind wrapping err (err may be nil).
func New(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Fatal for anything
// that isn't one of ours (an un-annotated error is treated as the most
// conservative case).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Fatal
}
