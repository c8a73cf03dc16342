package coincidence

import "math"

// unstarted is the watermark of a channel that has not delivered a batch.
const unstarted = math.MinInt64

type event struct {
	ts  int64
	seq uint64
}

// A channel holds the undecided events of one input channel, addressed by
// absolute index: the i-th event ever buffered on the channel has index i,
// for as long as it is retained.
type channel struct {
	id     int
	events []event
	head   int   // events[head:] are live
	base   int64 // absolute index of events[head]

	// end is the channel's watermark: every event before it has been seen.
	end     int64
	lastTS  int64
	lastSeq uint64
	seen    bool

	fault *Fault
	pairs []int // indices into Engine.pairs of the pairs using this channel

	batches  uint64
	received uint64
	rejected uint64
	evicted  uint64
}

func newChannel(id int) *channel {
	return &channel{id: id, end: unstarted}
}

func (c *channel) started() bool {
	return c.end != unstarted
}

// limit returns the absolute index one past the newest buffered event.
func (c *channel) limit() int64 {
	return c.base + int64(len(c.events)-c.head)
}

func (c *channel) at(i int64) event {
	return c.events[c.head+int(i-c.base)]
}

func (c *channel) buffered() int {
	return len(c.events) - c.head
}

func (c *channel) append(ts []int64, seq uint64) {
	for _, t := range ts {
		c.events = append(c.events, event{ts: t, seq: seq})
	}
}

// evictBefore drops every event with absolute index below i.
func (c *channel) evictBefore(i int64) {
	k := int(i - c.base)
	if k <= 0 {
		return
	}
	if k > c.buffered() {
		k = c.buffered()
	}
	c.head += k
	c.base += int64(k)
	c.evicted += uint64(k)
	if c.head > 1024 && 2*c.head > len(c.events) {
		n := copy(c.events, c.events[c.head:])
		c.events = c.events[:n]
		c.head = 0
	}
}

// clear drops all buffered events and forgets the channel's history, so
// that it can start over with any timestamps.
func (c *channel) clear() {
	c.evictBefore(c.limit())
	c.events, c.head = nil, 0
	c.end = unstarted
	c.lastTS, c.lastSeq, c.seen = 0, 0, false
	c.fault = nil
}
