package source

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/alan-christopher/qlaib/qlaib/data"
	"github.com/charmbracelet/log"
)

// DefaultBufferSize is the number of tags fetched per poll when
// BackendConfig.BufferSize is unset.
var DefaultBufferSize = 1 << 16

// A Tag is one raw detection reported by a time tagger.
type Tag struct {
	Channel uint8
	Ticks   int64
}

// A Driver is the interface to a hardware time tagger. Implementations wrap
// a vendor library; a Live source is the only caller.
type Driver interface {
	// Open connects to the device and applies cfg (exposure, buffer size).
	Open(cfg data.BackendConfig) error
	// EnableChannels enables exactly the channels whose bits are set.
	EnableChannels(mask uint64) error
	// Poll copies buffered tags into buf, ordered by time, and returns how
	// many were copied together with the device's horizon: the tick up to
	// which every detection has been reported. Poll may block.
	Poll(buf []Tag) (n int, horizon int64, err error)
	// Close disconnects from the device. It unblocks a Poll in progress.
	Close() error
}

// A Code is a status code returned by a time tagger driver.
type Code int

const (
	CodeOK              Code = 0
	CodeError           Code = -1
	CodeTimeout         Code = 1
	CodeNotConnected    Code = 2
	CodeDriverError     Code = 3
	CodeDeviceLocked    Code = 7
	CodeUnknown         Code = 8
	CodeNoDevice        Code = 9
	CodeOutOfRange      Code = 10
	CodeInvalidArgument Code = 11
	CodeNotInitialized  Code = 12
	CodeBufferOverflow  Code = 14
)

var codeNames = map[Code]string{
	CodeOK:              "ok",
	CodeError:           "unspecified error",
	CodeTimeout:         "timeout",
	CodeNotConnected:    "not connected",
	CodeDriverError:     "driver error",
	CodeDeviceLocked:    "device locked",
	CodeUnknown:         "unknown error",
	CodeNoDevice:        "no device",
	CodeOutOfRange:      "parameter out of range",
	CodeInvalidArgument: "invalid argument",
	CodeNotInitialized:  "not initialized",
	CodeBufferOverflow:  "buffer overflow",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code %d", int(c))
}

// A DriverError carries the status code of a failed driver call.
type DriverError struct {
	Code Code
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver: %v", e.Code)
}

// TranslateDriverError maps an error returned by a Driver onto the source
// error taxonomy. A driver timeout becomes ErrTimeout; loss of the device
// becomes ConnectionLost; every other code is a DriverFault. Errors that are
// not DriverErrors are treated as driver faults.
func TranslateDriverError(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *DriverError
	if !errors.As(err, &de) {
		return &Error{Kind: DriverFault, Op: op, Err: err}
	}
	switch de.Code {
	case CodeOK:
		return nil
	case CodeTimeout:
		return ErrTimeout
	case CodeNotConnected, CodeNoDevice, CodeNotInitialized:
		return &Error{Kind: ConnectionLost, Op: op, Err: err}
	default:
		return &Error{Kind: DriverFault, Op: op, Err: err}
	}
}

// LiveOpts packages the options of a Live source.
type LiveOpts struct {
	Driver Driver
	Logger *log.Logger
}

type pollResult struct {
	tags    []Tag
	horizon int64
	err     error
}

// A Live source adapts a hardware Driver. Each poll of the driver becomes
// one batch per channel, all spanning the interval since the previous poll,
// so that channels without detections still advance.
//
// NextBatch never blocks past its timeout: a poll that outlasts the timeout
// is left running and its result is picked up by the next NextBatch call.
type Live struct {
	lifecycle
	driver Driver
	logger *log.Logger

	bufSize  int
	horizon  int64
	seq      uint64
	inflight chan pollResult
	queue    []data.SampleBatch
	failed   error
}

// NewLive creates a Live source around opts.Driver.
func NewLive(opts LiveOpts) *Live {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Live{driver: opts.Driver, logger: logger}
}

func (l *Live) Configure(cfg data.BackendConfig) error {
	if l.driver == nil {
		return stateErr("configure", "no driver")
	}
	if err := l.lifecycle.configure(cfg); err != nil {
		return err
	}
	l.bufSize = cfg.BufferSize
	if l.bufSize == 0 {
		l.bufSize = DefaultBufferSize
	}
	return nil
}

func (l *Live) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.phase != configured {
		return stateErr("start", "source is %v", l.phase)
	}
	if err := l.driver.Open(l.cfg); err != nil {
		return TranslateDriverError("open", err)
	}
	mask := uint64(1)<<uint(l.cfg.Channels) - 1
	if err := l.driver.EnableChannels(mask); err != nil {
		l.driver.Close()
		return TranslateDriverError("enable channels", err)
	}
	l.horizon, l.seq, l.inflight, l.queue, l.failed = 0, 0, nil, nil, nil
	if err := l.begin(); err != nil {
		l.driver.Close()
		return err
	}
	l.logger.Info("time tagger connected", "channels", l.cfg.Channels, "buffer", l.bufSize)
	return nil
}

func (l *Live) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.end() {
		if err := l.driver.Close(); err != nil {
			l.logger.Warn("closing time tagger", "err", err)
		}
		l.logger.Info("time tagger disconnected", "batches", l.seq)
	}
}

func (l *Live) NextBatch(timeout time.Duration) (data.SampleBatch, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		l.mu.Lock()
		if err := l.check(); err != nil {
			l.mu.Unlock()
			return data.SampleBatch{}, err
		}
		if l.failed != nil {
			defer l.mu.Unlock()
			return data.SampleBatch{}, l.failed
		}
		if len(l.queue) > 0 {
			defer l.mu.Unlock()
			sb := l.queue[0]
			l.queue = l.queue[1:]
			return sb, nil
		}
		if l.inflight == nil {
			l.inflight = l.poll(make([]Tag, l.bufSize))
		}
		inflight, stop := l.inflight, l.stop
		l.mu.Unlock()

		select {
		case res := <-inflight:
			l.mu.Lock()
			l.inflight = nil
			if err := l.check(); err == nil {
				l.accept(res)
			}
			l.mu.Unlock()
		case <-deadline.C:
			return data.SampleBatch{}, ErrTimeout
		case <-stop:
			return data.SampleBatch{}, ErrEndOfStream
		}
	}
}

func (l *Live) poll(buf []Tag) chan pollResult {
	ch := make(chan pollResult, 1)
	go func() {
		n, horizon, err := l.driver.Poll(buf)
		if n < 0 || n > len(buf) {
			n = 0
		}
		ch <- pollResult{tags: buf[:n], horizon: horizon, err: err}
	}()
	return ch
}

// accept turns a poll result into queued batches. The caller must hold l.mu.
func (l *Live) accept(res pollResult) {
	if res.err != nil {
		err := TranslateDriverError("poll", res.err)
		if errors.Is(err, ErrTimeout) {
			return
		}
		l.failed = err
		l.logger.Error("time tagger poll failed", "err", err)
		return
	}
	if res.horizon < l.horizon {
		l.failed = &Error{Kind: Reordered, Op: "poll",
			Err: fmt.Errorf("horizon %d before %d", res.horizon, l.horizon)}
		return
	}
	if res.horizon == l.horizon && len(res.tags) == 0 {
		return
	}

	perChannel := make([][]int64, l.cfg.Channels)
	for _, tag := range res.tags {
		ch := int(tag.Channel)
		if ch >= l.cfg.Channels {
			l.failed = &Error{Kind: MalformedData, Op: "poll",
				Err: fmt.Errorf("tag on channel %d, only %d enabled", ch, l.cfg.Channels)}
			return
		}
		if tag.Ticks < l.horizon || tag.Ticks >= res.horizon {
			l.failed = &Error{Kind: Reordered, Op: "poll",
				Err: fmt.Errorf("tag at %d outside [%d, %d)", tag.Ticks, l.horizon, res.horizon)}
			return
		}
		ts := perChannel[ch]
		if n := len(ts); n > 0 && tag.Ticks < ts[n-1] {
			l.failed = &Error{Kind: Reordered, Op: "poll",
				Err: fmt.Errorf("channel %d: tag at %d after %d", ch, tag.Ticks, ts[n-1])}
			return
		}
		perChannel[ch] = append(ts, tag.Ticks)
	}
	for ch, ts := range perChannel {
		l.seq++
		l.queue = append(l.queue, data.SampleBatch{
			Channel:    ch,
			Seq:        l.seq,
			Timestamps: ts,
			Start:      l.horizon,
			End:        res.horizon,
		})
	}
	l.horizon = res.horizon
}
