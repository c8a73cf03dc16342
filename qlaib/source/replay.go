package source

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alan-christopher/qlaib/qlaib/capture"
	"github.com/alan-christopher/qlaib/qlaib/data"
	"github.com/charmbracelet/log"
)

// ReplayOpts packages the options of a Replay source.
type ReplayOpts struct {
	Logger *log.Logger
}

// A Replay source re-emits the batches of a capture file in recorded order,
// with their recorded sequence numbers. BackendConfig.ReplaySpeed controls
// pacing: 0 replays as fast as possible, 1 spaces batches as their spans were
// spaced during acquisition, larger values play back proportionally faster.
type Replay struct {
	lifecycle
	logger *log.Logger

	r       *capture.Reader
	next    *data.SampleBatch
	origin  int64     // Start of the first batch
	began   time.Time // wall time the first batch was released
	emitted uint64
	done    error // sticky terminal error
}

// NewReplay creates a Replay source. It must be configured before use.
func NewReplay(opts ReplayOpts) *Replay {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Replay{logger: logger}
}

func (r *Replay) Configure(cfg data.BackendConfig) error {
	if cfg.ReplayFile == "" {
		return stateErr("configure", "no replay file")
	}
	if _, err := os.Stat(cfg.ReplayFile); err != nil {
		return &Error{Kind: ConnectionLost, Op: "configure", Err: err}
	}
	return r.lifecycle.configure(cfg)
}

func (r *Replay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != configured {
		return stateErr("start", "source is %v", r.phase)
	}
	cr, err := capture.Open(r.cfg.ReplayFile)
	if err != nil {
		return r.translate("start", err)
	}
	h := cr.Header()
	if h.Channels > r.cfg.Channels {
		cr.Close()
		return &Error{Kind: MalformedData, Op: "start",
			Err: fmt.Errorf("capture has %d channels, configured for %d", h.Channels, r.cfg.Channels)}
	}
	if h.Resolution != r.cfg.Resolution {
		r.logger.Warn("capture resolution differs from configuration",
			"capture", h.Resolution, "configured", r.cfg.Resolution)
	}
	r.r, r.next, r.emitted, r.done = cr, nil, 0, nil
	r.began = time.Time{}
	if err := r.begin(); err != nil {
		cr.Close()
		return err
	}
	r.logger.Debug("replay started", "file", r.cfg.ReplayFile, "speed", r.cfg.ReplaySpeed)
	return nil
}

func (r *Replay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.end() {
		r.r.Close()
		r.logger.Debug("replay stopped", "batches", r.emitted)
	}
}

func (r *Replay) NextBatch(timeout time.Duration) (data.SampleBatch, error) {
	r.mu.Lock()
	if err := r.check(); err != nil {
		r.mu.Unlock()
		return data.SampleBatch{}, err
	}
	if r.done != nil {
		defer r.mu.Unlock()
		return data.SampleBatch{}, r.done
	}
	if r.next == nil {
		sb, err := r.r.Next()
		if err != nil {
			r.done = r.translate("next batch", err)
			if errors.Is(r.done, ErrEndOfStream) {
				r.logger.Debug("replay exhausted", "batches", r.emitted)
			}
			defer r.mu.Unlock()
			return data.SampleBatch{}, r.done
		}
		if r.began.IsZero() {
			r.origin, r.began = sb.Start, time.Now()
		}
		r.next = &sb
	}
	wait := time.Until(r.due(*r.next))
	stop := r.stop
	r.mu.Unlock()

	if wait > timeout {
		sleep(timeout, stop)
		return data.SampleBatch{}, ErrTimeout
	}
	if !sleep(wait, stop) {
		return data.SampleBatch{}, ErrEndOfStream
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(); err != nil {
		return data.SampleBatch{}, err
	}
	sb := *r.next
	r.next = nil
	r.emitted++
	return sb, nil
}

// due returns the wall time at which sb should be released.
func (r *Replay) due(sb data.SampleBatch) time.Time {
	if r.cfg.ReplaySpeed <= 0 {
		return r.began
	}
	elapsed := r.cfg.Seconds(sb.Start-r.origin) / r.cfg.ReplaySpeed
	return r.began.Add(time.Duration(elapsed * float64(time.Second)))
}

func (r *Replay) translate(op string, err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return ErrEndOfStream
	case errors.Is(err, capture.ErrMalformed):
		return &Error{Kind: MalformedData, Op: op, Err: err}
	default:
		return &Error{Kind: ConnectionLost, Op: op, Err: err}
	}
}
