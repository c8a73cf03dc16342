package metrics

import "github.com/alan-christopher/qlaib/qlaib/data"

// ErrorRate reports the fraction of correlated detections that landed on a
// mismatched detector pair: mismatched / (matched + mismatched).
type ErrorRate struct {
	match, mismatch labelSet
	t               *tally
}

const (
	matched = iota
	mismatched
)

// NewErrorRate returns an ErrorRate counting coincidences on the pairs
// labelled match as correct and on those labelled mismatch as errors.
// window is the rolling window in ticks; zero accumulates forever.
func NewErrorRate(match, mismatch []string, window int64) *ErrorRate {
	return &ErrorRate{
		match:    newLabelSet(match),
		mismatch: newLabelSet(mismatch),
		t:        newTally(2, window),
	}
}

func (m *ErrorRate) ConsumeCoincidence(c data.Coincidence) {
	switch {
	case m.match[c.Pair.Label]:
		m.t.add(c.TimeA, matched)
	case m.mismatch[c.Pair.Label]:
		m.t.add(c.TimeA, mismatched)
	}
}

func (m *ErrorRate) Current() Reading {
	total := m.t.total()
	if total == 0 {
		return Undefined(0)
	}
	return Reading{
		Value:   float64(m.t.count(mismatched)) / float64(total),
		Defined: true,
		Count:   total,
	}
}

func (m *ErrorRate) Reset() {
	m.t.reset()
}
