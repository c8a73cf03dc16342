package coincidence

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrHalted is returned by Process for batches on a channel that has
	// faulted and not yet been reset.
	ErrHalted = errors.New("coincidence: channel halted")

	// ErrUnknownChannel is returned by Process for batches on a channel
	// outside the configured range.
	ErrUnknownChannel = errors.New("coincidence: unknown channel")
)

// A FaultKind classifies an engine fault.
type FaultKind int

const (
	// Reordered means a batch carried timestamps earlier than ones already
	// seen on its channel, or was internally unordered.
	Reordered FaultKind = iota + 1
	// SequenceRegression means a batch's sequence number did not increase.
	SequenceRegression
	// BufferOverflow means a channel accumulated more undecided events than
	// the engine is allowed to retain, usually because a partner channel has
	// stopped advancing.
	BufferOverflow
)

func (k FaultKind) String() string {
	switch k {
	case Reordered:
		return "reordered"
	case SequenceRegression:
		return "sequence regression"
	case BufferOverflow:
		return "buffer overflow"
	default:
		return fmt.Sprintf("fault(%d)", int(k))
	}
}

// MarshalText renders k by name, for status output.
func (k FaultKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// A Fault halts matching on one channel until the channel is reset.
type Fault struct {
	Channel int       `json:"channel"`
	Kind    FaultKind `json:"kind"`
	// Seq is the sequence number of the batch that caused the fault.
	Seq    uint64    `json:"seq"`
	Detail string    `json:"detail"`
	Time   time.Time `json:"time"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("coincidence: channel %d halted by batch %d: %v: %s", f.Channel, f.Seq, f.Kind, f.Detail)
}
