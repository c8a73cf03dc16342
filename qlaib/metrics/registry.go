package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/alan-christopher/qlaib/qlaib/bus"
	"github.com/alan-christopher/qlaib/qlaib/data"
	"github.com/charmbracelet/log"
)

var (
	// ErrDuplicateName is returned by Register for a name already in use.
	ErrDuplicateName = errors.New("metrics: duplicate name")
	// ErrNotFound is returned for names that are not registered.
	ErrNotFound = errors.New("metrics: not found")
)

// DefaultInterval is the recompute period used when
// RegistryOpts.Interval is unset.
var DefaultInterval = time.Second

// RegistryOpts packages the options of a Registry.
type RegistryOpts struct {
	// Batches and Coincidences are the buses metrics are fed from. Either may
	// be nil.
	Batches      *bus.Bus[data.SampleBatch]
	Coincidences *bus.Bus[data.Coincidence]
	// Queue configures each metric's subscriptions. Name is ignored.
	Queue bus.SubscribeOpts
	// Interval is the period of the recompute timer run by Start.
	Interval time.Duration
	// Now returns the current time. Defaults to time.Now.
	Now    func() time.Time
	Logger *log.Logger
}

// A Registry owns a set of named metrics. Each metric is fed by its own
// subscriptions, on its own goroutines, so a slow metric only ever delays
// itself. Results are recomputed on demand or on a timer.
type Registry struct {
	opts   RegistryOpts
	logger *log.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	wg      sync.WaitGroup

	stopMu sync.Mutex
	stop   context.CancelFunc
	done   chan struct{}
}

type entry struct {
	name string

	mu     sync.Mutex // serializes calls into m
	m      Metric
	result Result

	batches      *bus.Subscriber[data.SampleBatch]
	coincidences *bus.Subscriber[data.Coincidence]
	cancel       context.CancelFunc
	done         sync.WaitGroup
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts RegistryOpts) *Registry {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Registry{opts: opts, logger: logger, entries: make(map[string]*entry)}
}

// Register adds m under name and starts feeding it from the buses it
// consumes. It returns ErrDuplicateName if name is taken.
func (r *Registry) Register(name string, m Metric) error {
	if name == "" || m == nil {
		return fmt.Errorf("%w: metric needs a name and an implementation", data.ErrInvalidConfig)
	}
	bc, consumesBatches := m.(BatchConsumer)
	cc, consumesCoincidences := m.(CoincidenceConsumer)
	if !consumesBatches && !consumesCoincidences {
		return fmt.Errorf("%w: metric %q consumes nothing", data.ErrInvalidConfig, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{name: name, m: m, cancel: cancel}
	e.result = Result{Name: name, Reading: m.Current()}

	q := r.opts.Queue
	q.Name = "metric:" + name
	if consumesBatches && r.opts.Batches != nil {
		e.batches = r.opts.Batches.Subscribe(q)
		e.done.Add(1)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer e.done.Done()
			consume(ctx, e, e.batches, bc.ConsumeBatch)
		}()
	}
	if consumesCoincidences && r.opts.Coincidences != nil {
		e.coincidences = r.opts.Coincidences.Subscribe(q)
		e.done.Add(1)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer e.done.Done()
			consume(ctx, e, e.coincidences, cc.ConsumeCoincidence)
		}()
	}
	r.entries[name] = e
	r.logger.Debug("metric registered", "name", name, "batches", e.batches != nil, "coincidences", e.coincidences != nil)
	return nil
}

func consume[T any](ctx context.Context, e *entry, sub *bus.Subscriber[T], fn func(T)) {
	for {
		v, err := sub.Recv(ctx)
		if err != nil {
			return
		}
		e.mu.Lock()
		fn(v)
		e.mu.Unlock()
	}
}

// Unregister removes the metric registered under name and stops feeding it.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	delete(r.entries, name)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	r.release(e)
	r.logger.Debug("metric unregistered", "name", name)
	return nil
}

func (r *Registry) release(e *entry) {
	if e.batches != nil {
		r.opts.Batches.Unsubscribe(e.batches)
	}
	if e.coincidences != nil {
		r.opts.Coincidences.Unsubscribe(e.coincidences)
	}
	e.cancel()
	e.done.Wait()
}

// Get returns the stored result of the metric registered under name, as of
// the last Recompute.
func (r *Registry) Get(name string) (Result, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result, nil
}

// Recompute refreshes the stored result of every metric. A result's Updated
// time only moves when its reading changed, so recomputing with no new input
// changes nothing.
func (r *Registry) Recompute() {
	now := r.opts.Now()
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		if cur := e.m.Current(); !cur.equal(e.result.Reading) || e.result.Updated.IsZero() {
			e.result.Reading = cur
			e.result.Updated = now
		}
		e.mu.Unlock()
	}
}

// Reset clears the metric registered under name and its stored result.
func (r *Registry) Reset(name string) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.m.Reset()
	e.result = Result{Name: name, Reading: e.m.Current()}
	return nil
}

// Snapshot returns the stored results of every metric, ordered by name.
func (r *Registry) Snapshot() []Result {
	entries := r.snapshotEntries()
	out := make([]Result, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.result)
		e.mu.Unlock()
	}
	return out
}

// Names returns the registered names in order.
func (r *Registry) Names() []string {
	entries := r.snapshotEntries()
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names
}

func (r *Registry) snapshotEntries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Start recomputes every Interval until Stop is called or ctx is done.
// Starting a started Registry is a no-op.
func (r *Registry) Start(ctx context.Context) {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	if r.stop != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.stop, r.done = cancel, make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		t := time.NewTicker(r.opts.Interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				r.Recompute()
			case <-ctx.Done():
				return
			}
		}
	}(r.done)
}

// Stop stops the recompute timer started by Start and performs a final
// Recompute.
func (r *Registry) Stop() {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	if r.stop == nil {
		return
	}
	r.stop()
	<-r.done
	r.stop, r.done = nil, nil
	r.Recompute()
}

// Wait blocks until every metric has consumed everything its subscriptions
// will deliver, i.e. until the buses the metrics consume from are closed and
// drained, or the metrics are unregistered.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// Close stops the timer and unregisters every metric.
func (r *Registry) Close() {
	r.Stop()
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
	for _, e := range entries {
		r.release(e)
	}
}
