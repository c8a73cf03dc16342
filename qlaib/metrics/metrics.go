// Package metrics computes aggregate statistics over sample and coincidence
// streams.
//
// A Metric consumes payloads and reports a Reading on demand. A Registry owns
// a set of named metrics, feeds each from its own bus subscriptions and keeps
// the latest Result of every metric for readers.
package metrics

import (
	"time"

	"github.com/alan-christopher/qlaib/qlaib/data"
)

// A Reading is the current value of a metric.
//
// A metric whose value cannot be computed, e.g. a ratio with a zero
// denominator, reports Defined == false rather than an error or a zero.
type Reading struct {
	Value   float64 `json:"value"`
	Defined bool    `json:"defined"`
	// Count is the number of samples or coincidences the value was derived
	// from.
	Count uint64 `json:"count"`
	// Extras carries secondary values, keyed by name.
	Extras map[string]float64 `json:"extras,omitempty"`
}

// Undefined returns an undefined Reading derived from count inputs.
func Undefined(count uint64) Reading {
	return Reading{Count: count}
}

func (r Reading) equal(o Reading) bool {
	if r.Value != o.Value || r.Defined != o.Defined || r.Count != o.Count || len(r.Extras) != len(o.Extras) {
		return false
	}
	for k, v := range r.Extras {
		if ov, ok := o.Extras[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// A Metric computes a statistic from sample batches, coincidences or both.
// It consumes batches if it is also a BatchConsumer and coincidences if it is
// also a CoincidenceConsumer; the Registry only subscribes it to the buses it
// consumes from. A Metric need not be safe for concurrent use: the Registry
// serializes calls to it.
type Metric interface {
	// Current returns the metric's value over everything consumed so far.
	Current() Reading
	// Reset discards everything consumed so far.
	Reset()
}

// A BatchConsumer folds sample batches into a metric.
type BatchConsumer interface {
	ConsumeBatch(sb data.SampleBatch)
}

// A CoincidenceConsumer folds coincidences into a metric.
type CoincidenceConsumer interface {
	ConsumeCoincidence(c data.Coincidence)
}

// A Result is the stored value of a registered metric.
type Result struct {
	Name string `json:"name"`
	Reading
	// Updated is the time of the Recompute that last changed the reading. It
	// is zero before the first Recompute.
	Updated time.Time `json:"updated"`
}

// labelSet is a set of pair labels.
type labelSet map[string]bool

func newLabelSet(labels []string) labelSet {
	s := make(labelSet, len(labels))
	for _, l := range labels {
		s[l] = true
	}
	return s
}
