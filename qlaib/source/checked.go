package source

import (
	"fmt"
	"time"

	"github.com/alan-christopher/qlaib/qlaib/data"
)

// Checked wraps src so that its output is guaranteed to satisfy the stream
// ordering rules: every batch is internally consistent, sequence numbers
// strictly increase and, per channel, timestamps never go backwards across
// batches. The first violation is returned as a Reordered or MalformedData
// error, and every later NextBatch call returns the same error.
//
// channels bounds the channel ids src may report. Configure through the
// wrapper replaces it with the configured channel count, so src may be
// wrapped before or after it is configured.
func Checked(src Source, channels int) Source {
	return &checked{src: src, channels: channels, lastTS: make(map[int]int64)}
}

type checked struct {
	src Source

	channels int
	seen     bool
	lastSeq  uint64
	lastTS   map[int]int64
	err      error
}

func (c *checked) Configure(cfg data.BackendConfig) error {
	if err := c.src.Configure(cfg); err != nil {
		return err
	}
	c.channels = cfg.Channels
	c.seen, c.lastSeq, c.err = false, 0, nil
	c.lastTS = make(map[int]int64, cfg.Channels)
	return nil
}

func (c *checked) Start() error {
	return c.src.Start()
}

func (c *checked) Stop() {
	c.src.Stop()
}

func (c *checked) NextBatch(timeout time.Duration) (data.SampleBatch, error) {
	if c.err != nil {
		return data.SampleBatch{}, c.err
	}
	if c.channels <= 0 {
		return data.SampleBatch{}, stateErr("next batch", "channel count unknown")
	}
	sb, err := c.src.NextBatch(timeout)
	if err != nil {
		return sb, err
	}
	if err := c.admit(sb); err != nil {
		c.err = err
		c.src.Stop()
		return data.SampleBatch{}, err
	}
	return sb, nil
}

func (c *checked) admit(sb data.SampleBatch) error {
	if sb.Channel < 0 || sb.Channel >= c.channels {
		return &Error{Kind: MalformedData, Op: "next batch",
			Err: fmt.Errorf("batch %d: channel %d outside [0, %d)", sb.Seq, sb.Channel, c.channels)}
	}
	if err := sb.Validate(); err != nil {
		return &Error{Kind: MalformedData, Op: "next batch", Err: err}
	}
	if c.seen && sb.Seq <= c.lastSeq {
		return &Error{Kind: Reordered, Op: "next batch",
			Err: fmt.Errorf("sequence number %d after %d", sb.Seq, c.lastSeq)}
	}
	if last, ok := c.lastTS[sb.Channel]; ok && len(sb.Timestamps) > 0 && sb.Timestamps[0] < last {
		return &Error{Kind: Reordered, Op: "next batch",
			Err: fmt.Errorf("channel %d: timestamp %d after %d", sb.Channel, sb.Timestamps[0], last)}
	}
	c.seen, c.lastSeq = true, sb.Seq
	if n := len(sb.Timestamps); n > 0 {
		c.lastTS[sb.Channel] = sb.Timestamps[n-1]
	}
	return nil
}
