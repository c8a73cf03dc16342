// Package source provides producers of per-channel timestamp batches.
//
// Every Source follows the same lifecycle: Configure, Start, any number of
// NextBatch calls, Stop. Three implementations are provided: a statistical
// generator for running without hardware, a replay of a recorded capture and
// an adapter around a hardware time tagger driver.
package source

import (
	"sync"
	"time"

	"github.com/alan-christopher/qlaib/qlaib/data"
)

// A Source produces SampleBatches.
type Source interface {
	// Configure validates cfg and prepares the source. It fails if the source
	// is running.
	Configure(cfg data.BackendConfig) error
	// Start begins acquisition.
	Start() error
	// Stop ends acquisition and releases the source's resources. Any
	// NextBatch call in flight returns promptly, and NextBatch returns
	// ErrEndOfStream afterwards. Stop is safe to call concurrently with
	// NextBatch and more than once.
	Stop()
	// NextBatch returns the next batch, waiting at most timeout. It returns
	// ErrTimeout if nothing arrived in time, ErrEndOfStream when the source
	// is exhausted, and an *Error otherwise.
	NextBatch(timeout time.Duration) (data.SampleBatch, error)
}

type phase int

const (
	unconfigured phase = iota
	configured
	running
	stopped
)

func (p phase) String() string {
	return [...]string{"unconfigured", "configured", "running", "stopped"}[p]
}

// lifecycle tracks the phase shared by every Source implementation, and
// provides the channel that unblocks waiters on Stop.
type lifecycle struct {
	mu    sync.Mutex
	phase phase
	cfg   data.BackendConfig
	stop  chan struct{}
}

func (l *lifecycle) configure(cfg data.BackendConfig) error {
	if err := cfg.Validate(); err != nil {
		return &Error{Kind: State, Op: "configure", Err: err}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.phase == running {
		return stateErr("configure", "source is running")
	}
	l.cfg = cfg
	l.phase = configured
	return nil
}

// begin moves a configured source to running. The caller must hold l.mu.
func (l *lifecycle) begin() error {
	if l.phase != configured {
		return stateErr("start", "source is %v", l.phase)
	}
	l.phase = running
	l.stop = make(chan struct{})
	return nil
}

// end moves a running source to stopped, closing the stop channel. It
// reports whether the source was running. The caller must hold l.mu.
func (l *lifecycle) end() bool {
	if l.phase != running {
		return false
	}
	l.phase = stopped
	close(l.stop)
	return true
}

// check returns the error NextBatch reports in a phase other than running.
// The caller must hold l.mu.
func (l *lifecycle) check() error {
	switch l.phase {
	case running:
		return nil
	case stopped:
		return ErrEndOfStream
	default:
		return stateErr("next batch", "source is %v", l.phase)
	}
}

// sleep waits for d, or until stop is closed. It reports whether the full
// duration elapsed.
func sleep(d time.Duration, stop <-chan struct{}) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	}
}
