package capture

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/alan-christopher/qlaib/qlaib/bus"
	"github.com/alan-christopher/qlaib/qlaib/data"
	"github.com/charmbracelet/log"
)

// RecorderOpts configures a Recorder.
type RecorderOpts struct {
	Writer *Writer
	Logger *log.Logger
}

// A Recorder writes every batch delivered to a bus subscription to a capture.
type Recorder struct {
	w      *Writer
	logger *log.Logger
}

// NewRecorder returns a Recorder writing to opts.Writer.
func NewRecorder(opts RecorderOpts) (*Recorder, error) {
	if opts.Writer == nil {
		return nil, errors.New("capture: recorder needs a Writer")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Recorder{w: opts.Writer, logger: logger}, nil
}

// Run writes batches from sub until the subscription ends or ctx is done. The
// Writer is closed on return. A batch the subscription dropped before Run
// saw it is missing from the capture; Run logs the drop count on exit.
func (r *Recorder) Run(ctx context.Context, sub *bus.Subscriber[data.SampleBatch]) (err error) {
	defer func() {
		if cerr := r.w.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("closing capture: %w", cerr)
		}
		if d := sub.Dropped(); d > 0 {
			r.logger.Warn("capture incomplete", "dropped", d, "written", r.w.Batches())
		}
	}()
	for {
		sb, err := sub.Recv(ctx)
		if errors.Is(err, bus.ErrClosed) {
			r.logger.Debug("recording finished", "batches", r.w.Batches())
			return nil
		}
		if err != nil {
			return err
		}
		if err := r.w.Write(sb); err != nil {
			return err
		}
	}
}
