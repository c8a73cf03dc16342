package metrics

import "container/heap"

// An observation is one tagged, timed input to a metric.
type observation struct {
	at    int64
	kind  int
	value float64
}

// obsHeap implements heap.Interface, earliest observation first.
type obsHeap []observation

func (h obsHeap) Len() int           { return len(h) }
func (h obsHeap) Less(i, j int) bool { return h[i].at < h[j].at }
func (h obsHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *obsHeap) Push(x any) {
	*h = append(*h, x.(observation))
}

func (h *obsHeap) Pop() any {
	old := *h
	n := len(old)
	o := old[n-1]
	*h = old[:n-1]
	return o
}

// A rolling window holds the observations no older than window ticks before
// the latest one. Coincidences reach a metric grouped by pair rather than in
// time order, so observations may arrive in any order.
type rolling struct {
	window int64
	h      obsHeap
	latest int64
	seen   bool
}

// add inserts o, reporting false if o is already outside the window. Every
// observation that o pushes out of the window is passed to expired.
func (r *rolling) add(o observation, expired func(observation)) bool {
	if r.seen && o.at < r.latest-r.window {
		return false
	}
	heap.Push(&r.h, o)
	if !r.seen || o.at > r.latest {
		r.latest, r.seen = o.at, true
	}
	for r.h.Len() > 0 && r.h[0].at < r.latest-r.window {
		expired(heap.Pop(&r.h).(observation))
	}
	return true
}

func (r *rolling) reset() {
	r.h, r.latest, r.seen = nil, 0, false
}

// A tally counts tagged observations, either over all time or over a rolling
// window of ticks ending at the latest observation.
type tally struct {
	counts []uint64
	win    *rolling
}

func newTally(kinds int, window int64) *tally {
	t := &tally{counts: make([]uint64, kinds)}
	if window > 0 {
		t.win = &rolling{window: window}
	}
	return t
}

func (t *tally) add(at int64, kind int) {
	if t.win != nil && !t.win.add(observation{at: at, kind: kind}, t.forget) {
		return
	}
	t.counts[kind]++
}

func (t *tally) forget(o observation) {
	t.counts[o.kind]--
}

func (t *tally) count(kind int) uint64 {
	return t.counts[kind]
}

func (t *tally) total() uint64 {
	var n uint64
	for _, c := range t.counts {
		n += c
	}
	return n
}

func (t *tally) reset() {
	for i := range t.counts {
		t.counts[i] = 0
	}
	if t.win != nil {
		t.win.reset()
	}
}
