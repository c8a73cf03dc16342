// Package data defines the values that flow through an acquisition pipeline:
// per-channel sample batches, the backend configuration they were acquired
// under, the channel pairs that are correlated, and the coincidences found
// between them.
//
// All timestamps are integer ticks. The duration of one tick is given by
// BackendConfig.Resolution.
package data

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidConfig is wrapped by every validation failure in this package.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New()

// A SampleBatch is a group of detection timestamps from a single channel.
//
// Once a batch has been published it is shared read-only between all
// subscribers; producers must not modify Timestamps afterwards.
type SampleBatch struct {
	Channel int
	// Seq is strictly increasing across all batches produced by one source.
	Seq uint64
	// Timestamps are non-decreasing and lie within [Start, End).
	Timestamps []int64
	// Start and End bound the acquisition interval the batch covers. Every
	// event the channel detected in [Start, End) is contained in the batch.
	Start, End int64
}

// Len returns the number of events in b.
func (b SampleBatch) Len() int {
	return len(b.Timestamps)
}

// Clone returns a deep copy of b.
func (b SampleBatch) Clone() SampleBatch {
	c := b
	c.Timestamps = append([]int64(nil), b.Timestamps...)
	return c
}

// Validate checks that b is internally consistent: its span is well formed and
// its timestamps are ordered and inside the span.
func (b SampleBatch) Validate() error {
	if b.End < b.Start {
		return fmt.Errorf("batch %d: span end %d before start %d", b.Seq, b.End, b.Start)
	}
	for i, ts := range b.Timestamps {
		if ts < b.Start || ts >= b.End {
			return fmt.Errorf("batch %d: timestamp %d outside span [%d, %d)", b.Seq, ts, b.Start, b.End)
		}
		if i > 0 && ts < b.Timestamps[i-1] {
			return fmt.Errorf("batch %d: timestamp %d at index %d precedes %d", b.Seq, ts, i, b.Timestamps[i-1])
		}
	}
	return nil
}

// A BackendConfig packages together the acquisition parameters of a Source.
// It is immutable once handed to Source.Configure.
type BackendConfig struct {
	// Channels is the number of input channels, numbered from 0.
	Channels int `yaml:"channels" validate:"gt=0,lte=64"`

	// Resolution is the duration of one tick in seconds, e.g. 1e-12.
	Resolution float64 `yaml:"resolution" validate:"gt=0"`

	// Exposure is the acquisition interval covered by one frame of batches.
	// Used by the synthetic and live sources.
	Exposure time.Duration `yaml:"exposure" validate:"gte=0"`

	// EventRate is the mean uncorrelated detection rate per channel, in events
	// per second. Synthetic source only.
	EventRate float64 `yaml:"event_rate" validate:"gte=0"`

	// Seed seeds the synthetic source.
	Seed uint64 `yaml:"seed"`

	// ReplayFile is the capture file replayed by the replay source.
	ReplayFile string `yaml:"replay_file"`

	// ReplaySpeed scales the recorded timing during replay: 0 replays as fast
	// as possible, 1 preserves the original timing, 2 plays back twice as
	// fast.
	ReplaySpeed float64 `yaml:"replay_speed" validate:"gte=0"`

	// BufferSize is the timestamp buffer length requested from a hardware
	// driver.
	BufferSize int `yaml:"buffer_size" validate:"gte=0"`
}

// Validate reports whether c satisfies the invariants every source relies on.
func (c BackendConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: backend: %s", ErrInvalidConfig, describe(err))
	}
	return nil
}

// Seconds converts a span of ticks into seconds.
func (c BackendConfig) Seconds(ticks int64) float64 {
	return float64(ticks) * c.Resolution
}

// Ticks converts d into ticks, truncating.
func (c BackendConfig) Ticks(d time.Duration) int64 {
	return int64(d.Seconds() / c.Resolution)
}

// A PairSpec names a pair of channels to correlate and the coincidence window
// to do it with.
type PairSpec struct {
	Label    string `yaml:"label" validate:"required"`
	ChannelA int    `yaml:"a" validate:"gte=0"`
	ChannelB int    `yaml:"b" validate:"gte=0,nefield=ChannelA"`
	// Window is the largest |Delta| still counted as a coincidence, in ticks.
	Window int64 `yaml:"window" validate:"gt=0"`
	// Delay is subtracted from channel B timestamps before comparison, to
	// compensate for fixed path length differences.
	Delay int64 `yaml:"delay"`
}

// Validate checks p against a setup with the given number of channels.
func (p PairSpec) Validate(channels int) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: pair %q: %s", ErrInvalidConfig, p.Label, describe(err))
	}
	if p.ChannelA >= channels || p.ChannelB >= channels {
		return fmt.Errorf("%w: pair %q: channels (%d, %d) outside [0, %d)",
			ErrInvalidConfig, p.Label, p.ChannelA, p.ChannelB, channels)
	}
	return nil
}

func (p PairSpec) String() string {
	return fmt.Sprintf("%s(%d-%d, w=%d, d=%d)", p.Label, p.ChannelA, p.ChannelB, p.Window, p.Delay)
}

// ValidatePairs validates every pair and rejects duplicate labels.
func ValidatePairs(pairs []PairSpec, channels int) error {
	seen := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		if err := p.Validate(channels); err != nil {
			return err
		}
		if seen[p.Label] {
			return fmt.Errorf("%w: duplicate pair label %q", ErrInvalidConfig, p.Label)
		}
		seen[p.Label] = true
	}
	return nil
}

// MaxWindow returns the largest window over pairs, or 0 if there are none.
func MaxWindow(pairs []PairSpec) int64 {
	var w int64
	for _, p := range pairs {
		if p.Window > w {
			w = p.Window
		}
	}
	return w
}

// A Coincidence records one matched pair of detections.
type Coincidence struct {
	Pair PairSpec
	// TimeA and TimeB are the raw timestamps on Pair.ChannelA and
	// Pair.ChannelB.
	TimeA, TimeB int64
	// Delta is (TimeB - Pair.Delay) - TimeA.
	Delta int64
	// BatchA and BatchB are the sequence numbers of the originating batches.
	BatchA, BatchB uint64
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		if e.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", e.Field(), e.Tag(), e.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s", e.Field(), e.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
