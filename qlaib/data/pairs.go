package data

// Detector channels of the standard two-party polarisation setup. Alice's
// H, V, D, A detectors are on channels 0-3 and Bob's on 4-7.
const (
	AliceH = iota
	AliceV
	AliceD
	AliceA
	BobH
	BobV
	BobD
	BobA
)

var polarisations = []struct {
	name        string
	alice, bob int
}{
	{"H", AliceH, BobH},
	{"V", AliceV, BobV},
	{"D", AliceD, BobD},
	{"A", AliceA, BobA},
}

// DefaultPairs returns the sixteen two-fold pairs of the standard 8-channel
// polarisation setup, labelled by Alice's then Bob's polarisation (e.g. "HV"
// correlates Alice's H detector with Bob's V detector).
//
// The like pairs (HH, VV, DD, AA) come first, then the cross pairs within a
// basis (HV, VH, DA, AD), then the mixed-basis pairs.
func DefaultPairs(window int64) []PairSpec {
	order := [][2]int{
		{0, 0}, {1, 1}, {2, 2}, {3, 3},
		{0, 1}, {1, 0}, {2, 3}, {3, 2},
		{0, 2}, {0, 3}, {1, 2}, {1, 3},
		{2, 0}, {2, 1}, {3, 0}, {3, 1},
	}
	pairs := make([]PairSpec, 0, len(order))
	for _, o := range order {
		a, b := polarisations[o[0]], polarisations[o[1]]
		pairs = append(pairs, PairSpec{
			Label:    a.name + b.name,
			ChannelA: a.alice,
			ChannelB: b.bob,
			Window:   window,
		})
	}
	return pairs
}
