package coincidence

// ChannelStats describes one input channel.
type ChannelStats struct {
	Channel int `json:"channel"`
	// Batches and Events count what was accepted; Rejected counts batches
	// refused while the channel was halted.
	Batches  uint64 `json:"batches"`
	Events   uint64 `json:"events"`
	Rejected uint64 `json:"rejected"`
	Evicted  uint64 `json:"evicted"`
	Buffered int    `json:"buffered"`
	// Watermark is the end of the latest span seen, or zero before the
	// first batch.
	Watermark int64 `json:"watermark"`
	Halted    bool  `json:"halted"`
}

// PairStats describes matching progress on one pair.
type PairStats struct {
	Label   string `json:"label"`
	Matched uint64 `json:"matched"`
	// Pending is the number of A events awaiting a decision.
	Pending int `json:"pending"`
	// Claimed is the number of retained B events already matched.
	Claimed int  `json:"claimed"`
	Halted  bool `json:"halted"`
}

// Stats is a point-in-time view of an Engine.
type Stats struct {
	Coincidences uint64         `json:"coincidences"`
	Unknown      uint64         `json:"unknown_channel_batches"`
	// Lost counts batches the engine's subscription dropped before Run
	// received them.
	Lost         uint64         `json:"lost_batches"`
	Faults       int            `json:"faults"`
	Channels     []ChannelStats `json:"channels"`
	Pairs        []PairStats    `json:"pairs"`
}

// Stats reports the engine's counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Stats{
		Coincidences: e.coincidences,
		Unknown:      e.unknown,
		Lost:         e.lost,
		Faults:       len(e.faults),
	}
	for _, c := range e.channels {
		wm := c.end
		if !c.started() {
			wm = 0
		}
		st.Channels = append(st.Channels, ChannelStats{
			Channel:   c.id,
			Batches:   c.batches,
			Events:    c.received,
			Rejected:  c.rejected,
			Evicted:   c.evicted,
			Buffered:  c.buffered(),
			Watermark: wm,
			Halted:    c.fault != nil,
		})
	}
	for _, p := range e.pairs {
		next := p.nextA
		if next < p.a.base {
			next = p.a.base
		}
		st.Pairs = append(st.Pairs, PairStats{
			Label:   p.spec.Label,
			Matched: p.matched,
			Pending: int(p.a.limit() - next),
			Claimed: p.claims(),
			Halted:  p.halted(),
		})
	}
	return st
}
