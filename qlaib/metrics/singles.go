package metrics

import "github.com/alan-christopher/qlaib/qlaib/data"

// SinglesRate reports the detection rate on one channel, in events per
// second, over the spans of the batches consumed.
type SinglesRate struct {
	channel    int
	resolution float64
	window     int64

	spans  []span
	events uint64
	ticks  int64
}

type span struct {
	start, end int64
	events     int
}

// NewSinglesRate returns a SinglesRate for channel. resolution is the tick
// length in seconds. window is the rolling window in ticks; zero accumulates
// forever.
func NewSinglesRate(channel int, resolution float64, window int64) *SinglesRate {
	return &SinglesRate{channel: channel, resolution: resolution, window: window}
}

func (m *SinglesRate) ConsumeBatch(sb data.SampleBatch) {
	if sb.Channel != m.channel {
		return
	}
	m.events += uint64(sb.Len())
	m.ticks += sb.End - sb.Start
	if m.window <= 0 {
		return
	}
	m.spans = append(m.spans, span{sb.Start, sb.End, sb.Len()})
	drop := 0
	for drop < len(m.spans)-1 && m.spans[drop].end <= sb.End-m.window {
		m.events -= uint64(m.spans[drop].events)
		m.ticks -= m.spans[drop].end - m.spans[drop].start
		drop++
	}
	m.spans = append(m.spans[:0], m.spans[drop:]...)
}

func (m *SinglesRate) Current() Reading {
	if m.ticks <= 0 || m.resolution <= 0 {
		return Undefined(m.events)
	}
	return Reading{
		Value:   float64(m.events) / (float64(m.ticks) * m.resolution),
		Defined: true,
		Count:   m.events,
	}
}

func (m *SinglesRate) Reset() {
	m.spans, m.events, m.ticks = nil, 0, 0
}
