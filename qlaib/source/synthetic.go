package source

import (
	"fmt"
	"io"
	"math"
	"slices"
	"time"

	"github.com/alan-christopher/qlaib/qlaib/data"
	"github.com/charmbracelet/log"
	"golang.org/x/exp/rand"
	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultExposure is the frame length used when BackendConfig.Exposure is
// unset.
var DefaultExposure = time.Millisecond

// A PairEmitter describes a stream of correlated photon pairs for a
// Synthetic source: each pair produces one detection on ChannelA and one,
// Delay ticks later give or take Jitter, on ChannelB.
type PairEmitter struct {
	ChannelA, ChannelB int
	// Rate is the mean number of pairs per second.
	Rate float64
	// Jitter is the standard deviation of the B detection time, in ticks.
	Jitter float64
	// Delay is added to every B detection, in ticks.
	Delay int64
	// ErrorProb is the probability that the partner photon lands on AltB
	// instead of ChannelB.
	ErrorProb float64
	AltB      int
}

// SyntheticOpts packages the options of a Synthetic source.
type SyntheticOpts struct {
	// Pairs adds correlated detections on top of the uncorrelated background
	// at BackendConfig.EventRate.
	Pairs []PairEmitter
	// Frames bounds the number of frames generated. Zero means unbounded;
	// otherwise the source reports ErrEndOfStream after the last frame.
	Frames int
	// FrameRate limits generation to that many frames per second. Zero
	// generates as fast as the consumer asks.
	FrameRate float64
	Logger    *log.Logger
}

// A Synthetic source generates timestamps statistically, one frame of
// BackendConfig.Exposure at a time. Each frame yields one batch per channel,
// in channel order, all spanning the frame. Output is fully determined by
// BackendConfig.Seed and the options.
type Synthetic struct {
	lifecycle
	opts   SyntheticOpts
	logger *log.Logger

	frameTicks int64
	limiter    *rate.Limiter
	src        rand.Source
	uniform    distuv.Uniform
	jitter     distuv.Normal

	frame   int64
	seq     uint64
	pending [][]int64 // detections that fall in a later frame, per channel
	queue   []data.SampleBatch
}

// NewSynthetic creates a Synthetic source. It must be configured before use.
func NewSynthetic(opts SyntheticOpts) *Synthetic {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Synthetic{opts: opts, logger: logger}
}

func (s *Synthetic) Configure(cfg data.BackendConfig) error {
	if err := cfg.Validate(); err != nil {
		return &Error{Kind: State, Op: "configure", Err: err}
	}
	if cfg.Exposure == 0 {
		cfg.Exposure = DefaultExposure
	}
	frameTicks := cfg.Ticks(cfg.Exposure)
	if frameTicks <= 0 {
		return stateErr("configure", "exposure %v is shorter than one tick", cfg.Exposure)
	}
	for i, p := range s.opts.Pairs {
		if err := p.check(cfg.Channels, frameTicks); err != nil {
			return &Error{Kind: State, Op: "configure", Err: fmt.Errorf("pair emitter %d: %w", i, err)}
		}
	}
	if s.opts.Frames < 0 || s.opts.FrameRate < 0 {
		return stateErr("configure", "negative frame count or rate")
	}
	if err := s.lifecycle.configure(cfg); err != nil {
		return err
	}

	s.frameTicks = frameTicks
	s.src = rand.NewSource(cfg.Seed)
	s.uniform = distuv.Uniform{Min: 0, Max: 1, Src: s.src}
	s.jitter = distuv.Normal{Mu: 0, Sigma: 1, Src: s.src}
	s.frame, s.seq, s.queue = 0, 0, nil
	s.pending = make([][]int64, cfg.Channels)
	s.limiter = nil
	if s.opts.FrameRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(s.opts.FrameRate), 1)
	}
	return nil
}

func (p PairEmitter) check(channels int, frameTicks int64) error {
	in := func(ch int) bool { return ch >= 0 && ch < channels }
	switch {
	case !in(p.ChannelA) || !in(p.ChannelB):
		return fmt.Errorf("channels (%d, %d) outside [0, %d)", p.ChannelA, p.ChannelB, channels)
	case p.ChannelA == p.ChannelB:
		return fmt.Errorf("channel %d paired with itself", p.ChannelA)
	case p.Rate < 0 || p.Jitter < 0:
		return fmt.Errorf("negative rate or jitter")
	case p.ErrorProb < 0 || p.ErrorProb > 1:
		return fmt.Errorf("error probability %v outside [0, 1]", p.ErrorProb)
	case p.ErrorProb > 0 && !in(p.AltB):
		return fmt.Errorf("alternate channel %d outside [0, %d)", p.AltB, channels)
	case p.Delay < 0 || p.Delay >= frameTicks:
		return fmt.Errorf("delay %d outside [0, %d)", p.Delay, frameTicks)
	}
	return nil
}

func (s *Synthetic) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return err
	}
	s.logger.Debug("synthetic source started", "channels", s.cfg.Channels,
		"frame_ticks", s.frameTicks, "pairs", len(s.opts.Pairs))
	return nil
}

func (s *Synthetic) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.end() {
		s.logger.Debug("synthetic source stopped", "frames", s.frame, "batches", s.seq)
	}
}

func (s *Synthetic) NextBatch(timeout time.Duration) (data.SampleBatch, error) {
	s.mu.Lock()
	if err := s.check(); err != nil {
		s.mu.Unlock()
		return data.SampleBatch{}, err
	}
	if len(s.queue) > 0 {
		defer s.mu.Unlock()
		return s.dequeue(), nil
	}
	if s.opts.Frames > 0 && s.frame >= int64(s.opts.Frames) {
		s.mu.Unlock()
		return data.SampleBatch{}, ErrEndOfStream
	}
	stop, limiter := s.stop, s.limiter
	s.mu.Unlock()

	if limiter != nil {
		r := limiter.Reserve()
		if d := r.Delay(); d > timeout {
			r.Cancel()
			sleep(timeout, stop)
			return data.SampleBatch{}, ErrTimeout
		} else if !sleep(d, stop) {
			return data.SampleBatch{}, ErrEndOfStream
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return data.SampleBatch{}, err
	}
	s.generate()
	return s.dequeue(), nil
}

func (s *Synthetic) dequeue() data.SampleBatch {
	sb := s.queue[0]
	s.queue = s.queue[1:]
	return sb
}

// generate appends one frame of batches to the queue.
func (s *Synthetic) generate() {
	start := s.frame * s.frameTicks
	end := start + s.frameTicks
	exposure := s.cfg.Seconds(s.frameTicks)

	events := make([][]int64, s.cfg.Channels)
	for ch := range events {
		var keep []int64
		for _, ts := range s.pending[ch] {
			if ts < end {
				events[ch] = append(events[ch], ts)
			} else {
				keep = append(keep, ts)
			}
		}
		s.pending[ch] = keep
		for n := s.poisson(s.cfg.EventRate * exposure); n > 0; n-- {
			events[ch] = append(events[ch], s.uniformTick(start))
		}
	}

	for _, p := range s.opts.Pairs {
		errs := distuv.Bernoulli{P: p.ErrorProb, Src: s.src}
		for n := s.poisson(p.Rate * exposure); n > 0; n-- {
			t := s.uniformTick(start)
			events[p.ChannelA] = append(events[p.ChannelA], t)

			b := t + p.Delay + int64(math.Round(s.jitter.Rand()*p.Jitter))
			if b < start {
				b = start
			}
			target := p.ChannelB
			if p.ErrorProb > 0 && errs.Rand() == 1 {
				target = p.AltB
			}
			if b >= end {
				s.pending[target] = append(s.pending[target], b)
			} else {
				events[target] = append(events[target], b)
			}
		}
	}

	for ch, ts := range events {
		slices.Sort(ts)
		s.seq++
		s.queue = append(s.queue, data.SampleBatch{
			Channel:    ch,
			Seq:        s.seq,
			Timestamps: ts,
			Start:      start,
			End:        end,
		})
	}
	s.frame++
}

func (s *Synthetic) poisson(lambda float64) int {
	if lambda <= 0 {
		return 0
	}
	return int(distuv.Poisson{Lambda: lambda, Src: s.src}.Rand())
}

func (s *Synthetic) uniformTick(start int64) int64 {
	off := int64(s.uniform.Rand() * float64(s.frameTicks))
	if off >= s.frameTicks {
		off = s.frameTicks - 1
	}
	return start + off
}
