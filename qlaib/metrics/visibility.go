package metrics

import "github.com/alan-christopher/qlaib/qlaib/data"

// Visibility reports the contrast between coincidence counts at two
// complementary settings: (max - min) / (max + min). Equal counts give 0; one
// count of zero and the other positive gives 1.
type Visibility struct {
	like, cross labelSet
	t           *tally
}

const (
	like = iota
	cross
)

// NewVisibility returns a Visibility comparing the coincidences on the pairs
// labelled like with those labelled cross. window is the rolling window in
// ticks; zero accumulates forever.
func NewVisibility(likeLabels, crossLabels []string, window int64) *Visibility {
	return &Visibility{
		like:  newLabelSet(likeLabels),
		cross: newLabelSet(crossLabels),
		t:     newTally(2, window),
	}
}

func (m *Visibility) ConsumeCoincidence(c data.Coincidence) {
	switch {
	case m.like[c.Pair.Label]:
		m.t.add(c.TimeA, like)
	case m.cross[c.Pair.Label]:
		m.t.add(c.TimeA, cross)
	}
}

func (m *Visibility) Current() Reading {
	hi, lo := m.t.count(like), m.t.count(cross)
	if lo > hi {
		hi, lo = lo, hi
	}
	if hi+lo == 0 {
		return Undefined(0)
	}
	return Reading{
		Value:   float64(hi-lo) / float64(hi+lo),
		Defined: true,
		Count:   hi + lo,
		Extras: map[string]float64{
			"like":  float64(m.t.count(like)),
			"cross": float64(m.t.count(cross)),
		},
	}
}

func (m *Visibility) Reset() {
	m.t.reset()
}
