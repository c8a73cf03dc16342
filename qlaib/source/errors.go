package source

import (
	"errors"
	"fmt"
)

var (
	// ErrEndOfStream is returned by NextBatch once a source has delivered
	// everything it ever will. It is a normal terminal state, not a failure.
	ErrEndOfStream = errors.New("source: end of stream")

	// ErrTimeout is returned by NextBatch when no batch became available
	// within the timeout. The caller may retry.
	ErrTimeout = errors.New("source: timed out")
)

// A Kind classifies a source failure.
type Kind int

const (
	// ConnectionLost means the device or file backing the source went away.
	ConnectionLost Kind = iota + 1
	// MalformedData means the source produced data it could not decode.
	MalformedData
	// DriverFault means the hardware driver reported an error.
	DriverFault
	// Reordered means the source delivered a batch that breaks the ordering
	// guarantees of the stream: a sequence number that did not increase, or a
	// timestamp earlier than one already delivered on the same channel.
	Reordered
	// State means a method was called in the wrong lifecycle state, e.g.
	// NextBatch before Start.
	State
)

func (k Kind) String() string {
	switch k {
	case ConnectionLost:
		return "connection lost"
	case MalformedData:
		return "malformed data"
	case DriverFault:
		return "driver fault"
	case Reordered:
		return "reordered"
	case State:
		return "invalid state"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// An Error is a failure of a Source. Errors of every kind other than State
// are fatal to the source instance that returned them: the source will not
// recover, and retrying is left to whoever owns the source.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "next batch".
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("source: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("source: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err ends the source that returned it. Timeouts,
// end of stream and lifecycle misuse are not fatal.
func IsFatal(err error) bool {
	var se *Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Kind != State
}

// KindOf returns the Kind of err, or 0 if err is not an *Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

func stateErr(op, format string, args ...interface{}) error {
	return &Error{Kind: State, Op: op, Err: fmt.Errorf(format, args...)}
}
