package metrics

import "github.com/alan-christopher/qlaib/qlaib/data"

// maxMeanVisibility caps a BasisMean's visibility below 1, so that the error
// rate derived from it stays positive.
const maxMeanVisibility = 0.999

// A Basis names the like and cross pair labels of one measurement basis.
type Basis struct {
	Name  string   `yaml:"name" json:"name" validate:"required"`
	Like  []string `yaml:"like" json:"like" validate:"required"`
	Cross []string `yaml:"cross" json:"cross" validate:"required"`
}

// BasisMean combines several bases into one figure. Each basis contributes
// its signed contrast (like - cross) / (like + cross), or 0 if it has seen
// nothing; the visibility is their mean clamped to [0, 0.999], and the error
// rate is (1 - visibility) / 2.
type BasisMean struct {
	bases     []Basis
	sets      []labelSet
	t         *tally
	errorRate bool
}

// NewMeanVisibility returns a BasisMean reporting the mean visibility of
// bases. window is the rolling window in ticks; zero accumulates forever.
func NewMeanVisibility(bases []Basis, window int64) *BasisMean {
	return newBasisMean(bases, window, false)
}

// NewMeanErrorRate returns a BasisMean reporting the error rate implied by
// the mean visibility of bases.
func NewMeanErrorRate(bases []Basis, window int64) *BasisMean {
	return newBasisMean(bases, window, true)
}

func newBasisMean(bases []Basis, window int64, errorRate bool) *BasisMean {
	m := &BasisMean{bases: bases, errorRate: errorRate, t: newTally(2*len(bases), window)}
	for _, b := range bases {
		m.sets = append(m.sets, newLabelSet(b.Like), newLabelSet(b.Cross))
	}
	return m
}

func (m *BasisMean) ConsumeCoincidence(c data.Coincidence) {
	for kind, set := range m.sets {
		if set[c.Pair.Label] {
			m.t.add(c.TimeA, kind)
			return
		}
	}
}

func (m *BasisMean) Current() Reading {
	total := m.t.total()
	if total == 0 || len(m.bases) == 0 {
		return Undefined(0)
	}
	extras := make(map[string]float64, len(m.bases))
	var sum float64
	for i, b := range m.bases {
		l, c := m.t.count(2*i), m.t.count(2*i+1)
		var v float64
		if l+c > 0 {
			v = (float64(l) - float64(c)) / float64(l+c)
		}
		extras["vis_"+b.Name] = v
		sum += v
	}
	vis := sum / float64(len(m.bases))
	vis = max(0, min(maxMeanVisibility, vis))
	value := vis
	if m.errorRate {
		value = (1 - vis) / 2
	}
	return Reading{Value: value, Defined: true, Count: total, Extras: extras}
}

func (m *BasisMean) Reset() {
	m.t.reset()
}
