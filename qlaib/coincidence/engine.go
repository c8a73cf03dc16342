// Package coincidence matches detection timestamps across pairs of channels.
//
// For every configured PairSpec the engine pairs each event on channel A with
// the closest unclaimed event on channel B whose delay-corrected time lies
// within the pair's window, ties going to the earlier B event. Each event
// takes part in at most one coincidence per pair.
//
// Batches may arrive in any interleaving across channels. An A event is only
// decided once B has reported past the end of its window, so the result is
// the same however batches interleave, and a match is never missed because
// its partner arrived in a later batch. Events are evicted as soon as no pair
// can use them any more.
package coincidence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/alan-christopher/qlaib/qlaib/bus"
	"github.com/alan-christopher/qlaib/qlaib/data"
	"github.com/charmbracelet/log"
)

// DefaultMaxBuffered bounds the events retained per channel when
// Opts.MaxBuffered is unset.
var DefaultMaxBuffered = 1 << 22

// Opts packages the options of an Engine.
type Opts struct {
	// Channels is the number of input channels.
	Channels int
	Pairs    []data.PairSpec
	// MaxBuffered bounds the undecided events retained per channel. A
	// channel exceeding it faults with BufferOverflow.
	MaxBuffered int
	Logger      *log.Logger
}

// An Engine finds coincidences in a stream of SampleBatches. It is safe for
// concurrent use, but batches are matched in the order Process is called.
type Engine struct {
	mu          sync.Mutex
	channels    []*channel
	pairs       []*pair
	maxBuffered int
	logger      *log.Logger

	faults       []Fault
	coincidences uint64
	unknown      uint64
	lost         uint64
}

// NewEngine validates opts and returns an Engine ready to Process batches.
func NewEngine(opts Opts) (*Engine, error) {
	if opts.Channels <= 0 {
		return nil, fmt.Errorf("%w: engine needs at least one channel", data.ErrInvalidConfig)
	}
	if err := data.ValidatePairs(opts.Pairs, opts.Channels); err != nil {
		return nil, err
	}
	if opts.MaxBuffered < 0 {
		return nil, fmt.Errorf("%w: negative MaxBuffered", data.ErrInvalidConfig)
	}
	e := &Engine{maxBuffered: opts.MaxBuffered, logger: opts.Logger}
	if e.maxBuffered == 0 {
		e.maxBuffered = DefaultMaxBuffered
	}
	if e.logger == nil {
		e.logger = log.New(io.Discard)
	}
	e.channels = make([]*channel, opts.Channels)
	for i := range e.channels {
		e.channels[i] = newChannel(i)
	}
	e.install(opts.Pairs)
	return e, nil
}

func (e *Engine) install(specs []data.PairSpec) {
	for _, c := range e.channels {
		c.pairs = nil
	}
	e.pairs = make([]*pair, len(specs))
	for i, spec := range specs {
		a, b := e.channels[spec.ChannelA], e.channels[spec.ChannelB]
		e.pairs[i] = newPair(spec, a, b)
		a.pairs = append(a.pairs, i)
		b.pairs = append(b.pairs, i)
	}
}

// Pairs returns the active pair configuration.
func (e *Engine) Pairs() []data.PairSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	specs := make([]data.PairSpec, len(e.pairs))
	for i, p := range e.pairs {
		specs[i] = p.spec
	}
	return specs
}

// Process merges sb into its channel and returns the coincidences that
// became decidable, in pair order.
//
// A batch that breaks its channel's ordering halts the channel with a
// *Fault, which Process returns; later batches for the channel are rejected
// with ErrHalted until Reset. Matching on other channels carries on.
func (e *Engine) Process(sb data.SampleBatch) ([]data.Coincidence, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sb.Channel < 0 || sb.Channel >= len(e.channels) {
		e.unknown++
		return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, sb.Channel)
	}
	c := e.channels[sb.Channel]
	if c.fault != nil {
		c.rejected++
		return nil, fmt.Errorf("%w: %d: %v", ErrHalted, c.id, c.fault.Kind)
	}
	if f := e.admit(c, sb); f != nil {
		return nil, e.halt(c, f)
	}

	c.batches++
	c.received += uint64(len(sb.Timestamps))
	if len(c.pairs) == 0 {
		return nil, nil
	}
	c.append(sb.Timestamps, sb.Seq)
	if c.buffered() > e.maxBuffered {
		err := e.halt(c, &Fault{Channel: c.id, Kind: BufferOverflow, Seq: sb.Seq,
			Detail: fmt.Sprintf("%d events buffered, limit %d", c.buffered(), e.maxBuffered)})
		return nil, err
	}

	var out []data.Coincidence
	for _, i := range c.pairs {
		if p := e.pairs[i]; !p.halted() {
			out = p.advance(out, false)
		}
	}
	e.evict(c)
	for _, i := range c.pairs {
		p := e.pairs[i]
		e.evict(p.a)
		e.evict(p.b)
	}
	e.coincidences += uint64(len(out))
	return out, nil
}

// admit checks sb against the ordering of its channel and, if it fits,
// advances the channel's watermark.
func (e *Engine) admit(c *channel, sb data.SampleBatch) *Fault {
	fault := func(kind FaultKind, format string, args ...interface{}) *Fault {
		return &Fault{Channel: c.id, Kind: kind, Seq: sb.Seq, Detail: fmt.Sprintf(format, args...)}
	}
	if c.seen && sb.Seq <= c.lastSeq {
		return fault(SequenceRegression, "sequence number %d after %d", sb.Seq, c.lastSeq)
	}
	if err := sb.Validate(); err != nil {
		return fault(Reordered, "%v", err)
	}
	if n := len(sb.Timestamps); n > 0 {
		if c.seen && sb.Timestamps[0] < c.lastTS {
			return fault(Reordered, "timestamp %d after %d", sb.Timestamps[0], c.lastTS)
		}
		if c.started() && sb.Timestamps[0] < c.end {
			return fault(Reordered, "timestamp %d before watermark %d", sb.Timestamps[0], c.end)
		}
		c.lastTS = sb.Timestamps[n-1]
	}
	c.seen, c.lastSeq = true, sb.Seq
	if sb.End > c.end {
		c.end = sb.End
	}
	return nil
}

func (e *Engine) halt(c *channel, f *Fault) error {
	f.Time = time.Now()
	c.fault = f
	e.faults = append(e.faults, *f)
	e.logger.Error("channel halted", "channel", c.id, "kind", f.Kind, "seq", f.Seq, "detail", f.Detail)
	return f
}

// evict drops the events of c that no running pair can use any more.
func (e *Engine) evict(c *channel) {
	keep := c.limit()
	for _, i := range c.pairs {
		p := e.pairs[i]
		if p.halted() {
			continue
		}
		if p.a == c && p.nextA < keep {
			keep = p.nextA
		}
		if p.b == c && p.scanB < keep {
			keep = p.scanB
		}
	}
	c.evictBefore(keep)
}

// Flush decides every buffered event as if all channels had ended, and
// returns the resulting coincidences. It is meant for the end of a stream:
// events arriving afterwards are not matched against flushed ones.
func (e *Engine) Flush() []data.Coincidence {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []data.Coincidence
	for _, p := range e.pairs {
		if !p.halted() {
			out = p.advance(out, true)
		}
	}
	for _, c := range e.channels {
		e.evict(c)
	}
	e.coincidences += uint64(len(out))
	return out
}

// Reset clears the fault and the buffered events of channel ch, so that it
// resumes with whatever batch arrives next. Events on partner channels are
// kept.
func (e *Engine) Reset(ch int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch < 0 || ch >= len(e.channels) {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, ch)
	}
	e.reset(e.channels[ch])
	return nil
}

func (e *Engine) reset(c *channel) {
	if c.fault != nil {
		e.logger.Info("channel reset", "channel", c.id, "fault", c.fault.Kind)
	}
	c.clear()
	for _, i := range c.pairs {
		p := e.pairs[i]
		p.rebase()
		if p.a == c {
			e.evict(p.b)
		} else {
			e.evict(p.a)
		}
	}
}

// ResetAll resets every channel.
func (e *Engine) ResetAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.channels {
		e.reset(c)
	}
	e.faults = nil
}

// Reconfigure replaces the pair configuration. All buffered events and
// faults are dropped first; matching resumes with the next batch.
func (e *Engine) Reconfigure(pairs []data.PairSpec) error {
	if err := data.ValidatePairs(pairs, len(e.channels)); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.channels {
		c.clear()
	}
	e.faults = nil
	e.install(pairs)
	e.logger.Info("pairs reconfigured", "pairs", len(pairs))
	return nil
}

// Faults returns every fault raised since the last ResetAll or Reconfigure,
// oldest first, including those of channels since reset.
func (e *Engine) Faults() []Fault {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Fault(nil), e.faults...)
}

// Halted returns the active fault of channel ch, or nil.
func (e *Engine) Halted(ch int) *Fault {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch < 0 || ch >= len(e.channels) || e.channels[ch].fault == nil {
		return nil
	}
	f := *e.channels[ch].fault
	return &f
}

// Run feeds batches from sub through the engine and publishes coincidences
// on out, until sub is closed or ctx is done. When sub is closed Run flushes
// the engine, publishes the remainder and returns nil. Faults do not stop
// Run; they are logged and reported by Faults. Batches sub drops before
// they reach the engine are logged as a warning and counted in Stats.
func (e *Engine) Run(ctx context.Context, sub *bus.Subscriber[data.SampleBatch], out *bus.Bus[data.Coincidence]) error {
	var seen uint64
	checkLost := func() {
		d := sub.Dropped()
		if d == seen {
			return
		}
		e.mu.Lock()
		e.lost += d - seen
		e.mu.Unlock()
		e.logger.Warn("batches lost before the engine", "lost", d-seen, "total", d)
		seen = d
	}
	publish := func(cs []data.Coincidence) error {
		for _, c := range cs {
			if err := out.Publish(c); err != nil {
				return fmt.Errorf("publishing coincidence: %w", err)
			}
		}
		return nil
	}
	for {
		sb, err := sub.Recv(ctx)
		checkLost()
		if errors.Is(err, bus.ErrClosed) {
			return publish(e.Flush())
		}
		if err != nil {
			return err
		}
		cs, err := e.Process(sb)
		if err != nil {
			if errors.Is(err, ErrHalted) || errors.Is(err, ErrUnknownChannel) {
				e.logger.Debug("batch rejected", "channel", sb.Channel, "seq", sb.Seq, "err", err)
			}
			continue
		}
		if err := publish(cs); err != nil {
			return err
		}
	}
}
