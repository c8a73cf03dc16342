package coincidence

import (
	"github.com/alan-christopher/qlaib/qlaib/bitmap"
	"github.com/alan-christopher/qlaib/qlaib/data"
)

// A pair tracks matching progress for one PairSpec.
//
// Events on A trigger matches; events on B are claimed by at most one A
// event. A's events are decided in order, and an A event at a is decided only
// once B's watermark guarantees that every B event within the window of a
// has been seen, so the outcome never depends on how batches interleave.
type pair struct {
	spec data.PairSpec
	a, b *channel

	nextA int64 // absolute index of the first undecided A event
	scanB int64 // absolute index of the first B event still matchable

	claimed   bitmap.Dense // claim flags of B events from claimBase on
	claimBase int64

	matched uint64
}

func newPair(spec data.PairSpec, a, b *channel) *pair {
	return &pair{spec: spec, a: a, b: b, nextA: a.base, scanB: b.base, claimBase: b.base}
}

func (p *pair) halted() bool {
	return p.a.fault != nil || p.b.fault != nil
}

// local returns the time of B's i-th event on A's clock.
func (p *pair) local(i int64) int64 {
	return p.b.at(i).ts - p.spec.Delay
}

func (p *pair) isClaimed(i int64) bool {
	return p.claimed.Get(int(i - p.claimBase))
}

func (p *pair) claim(i int64) {
	off := int(i - p.claimBase)
	p.claimed.Grow(off + 1)
	p.claimed.Set(off)
}

// advance decides every A event it can and appends the resulting
// coincidences to out. If final is set, watermarks are ignored: every
// buffered A event is decided against the B events buffered so far.
func (p *pair) advance(out []data.Coincidence, final bool) []data.Coincidence {
	w := p.spec.Window
	for p.nextA < p.a.limit() {
		ea := p.a.at(p.nextA)
		if !final && (!p.b.started() || p.b.end-p.spec.Delay <= ea.ts+w) {
			break
		}
		p.skipB(ea.ts - w)

		best, bestDist := int64(-1), int64(0)
		for j := p.scanB; j < p.b.limit(); j++ {
			lb := p.local(j)
			if lb > ea.ts+w {
				break
			}
			if p.isClaimed(j) {
				continue
			}
			d := lb - ea.ts
			if d < 0 {
				d = -d
			}
			if best < 0 || d < bestDist {
				best, bestDist = j, d
			}
		}
		if best >= 0 {
			p.claim(best)
			eb := p.b.at(best)
			out = append(out, data.Coincidence{
				Pair:   p.spec,
				TimeA:  ea.ts,
				TimeB:  eb.ts,
				Delta:  eb.ts - p.spec.Delay - ea.ts,
				BatchA: ea.seq,
				BatchB: eb.seq,
			})
			p.matched++
		}
		p.nextA++
	}

	// B events too early for any A event still to come can be let go.
	switch {
	case p.nextA < p.a.limit():
		p.skipB(p.a.at(p.nextA).ts - w)
	case final:
		p.scanB = p.b.limit()
	case p.a.started():
		p.skipB(p.a.end - w)
	}
	p.compact()
	return out
}

// skipB moves scanB past every B event whose local time is before t.
func (p *pair) skipB(t int64) {
	for p.scanB < p.b.limit() && p.local(p.scanB) < t {
		p.scanB++
	}
}

// compact drops claim flags below scanB once they make up most of the map.
func (p *pair) compact() {
	drop := int(p.scanB - p.claimBase)
	if drop < 64 || 2*drop < p.claimed.Size() {
		return
	}
	p.dropClaims()
}

func (p *pair) dropClaims() {
	p.claimed.DropFront(int(p.scanB - p.claimBase))
	p.claimBase = p.scanB
}

// rebase moves the pair's cursors up to its channels' first retained
// events, forgetting claims on anything older.
func (p *pair) rebase() {
	if p.nextA < p.a.base {
		p.nextA = p.a.base
	}
	if p.scanB < p.b.base {
		p.scanB = p.b.base
	}
	if p.claimBase < p.scanB {
		p.dropClaims()
	}
}

// claims returns the number of retained B events already claimed.
func (p *pair) claims() int {
	return bitmap.CountOnes(p.claimed)
}
