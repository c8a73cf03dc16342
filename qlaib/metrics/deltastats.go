package metrics

import (
	"github.com/alan-christopher/qlaib/qlaib/data"
	"gonum.org/v1/gonum/stat"
)

// DefaultDeltaSamples bounds the samples a cumulative DeltaStats retains.
var DefaultDeltaSamples = 1 << 16

// DeltaStats reports the mean time difference, in ticks, of the coincidences
// on a set of pairs. The standard deviation is reported as the "stddev"
// extra once there are two samples.
//
// With a rolling window the statistics cover the coincidences within the
// window; otherwise they cover the most recent DefaultDeltaSamples.
type DeltaStats struct {
	labels labelSet
	limit  int

	// win holds the samples when there is a rolling window; deltas holds
	// them, oldest first, when there is not.
	win    *rolling
	deltas []float64
}

// NewDeltaStats returns a DeltaStats over the pairs with the given labels.
func NewDeltaStats(labels []string, window int64) *DeltaStats {
	m := &DeltaStats{labels: newLabelSet(labels), limit: DefaultDeltaSamples}
	if window > 0 {
		m.win = &rolling{window: window}
	}
	return m
}

func (m *DeltaStats) ConsumeCoincidence(c data.Coincidence) {
	if !m.labels[c.Pair.Label] {
		return
	}
	if m.win != nil {
		m.win.add(observation{at: c.TimeA, value: float64(c.Delta)}, func(observation) {})
		return
	}
	m.deltas = append(m.deltas, float64(c.Delta))
	if drop := len(m.deltas) - m.limit; drop > 0 {
		m.deltas = append(m.deltas[:0], m.deltas[drop:]...)
	}
}

func (m *DeltaStats) samples() []float64 {
	if m.win == nil {
		return m.deltas
	}
	out := make([]float64, len(m.win.h))
	for i, o := range m.win.h {
		out[i] = o.value
	}
	return out
}

func (m *DeltaStats) Current() Reading {
	deltas := m.samples()
	n := len(deltas)
	if n == 0 {
		return Undefined(0)
	}
	r := Reading{Defined: true, Count: uint64(n)}
	if n < 2 {
		r.Value = deltas[0]
		return r
	}
	mean, std := stat.MeanStdDev(deltas, nil)
	r.Value = mean
	r.Extras = map[string]float64{"stddev": std}
	return r
}

func (m *DeltaStats) Reset() {
	m.deltas = nil
	if m.win != nil {
		m.win.reset()
	}
}
