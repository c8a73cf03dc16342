// Package qlaib assembles an acquisition pipeline: a Source feeding a batch
// bus, a coincidence Engine turning batches into coincidences on a second
// bus, and a metrics Registry fed from both.
package qlaib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/alan-christopher/qlaib/qlaib/bus"
	"github.com/alan-christopher/qlaib/qlaib/coincidence"
	"github.com/alan-christopher/qlaib/qlaib/data"
	"github.com/alan-christopher/qlaib/qlaib/metrics"
	"github.com/alan-christopher/qlaib/qlaib/source"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

var (
	DefaultPollTimeout = 100 * time.Millisecond
	// DefaultEngineQueue is used for the engine's batch subscription when
	// PipelineOpts.EngineQueue is unset. The engine is the one consumer that
	// should not lose batches, so it makes the producer wait.
	DefaultEngineQueue = bus.SubscribeOpts{Capacity: 4096, Policy: bus.Block, BlockTimeout: time.Second}
)

// ErrAlreadyRun is returned by Run on a Pipeline that has been run before.
var ErrAlreadyRun = errors.New("qlaib: pipeline already run")

// A PipelineOpts packages together the arguments necessary to construct a
// Pipeline. Source, Backend and Pairs have no defaults.
type PipelineOpts struct {
	// Source produces the batches. It is configured with Backend by
	// NewPipeline and must not be used by anything else afterwards.
	Source  source.Source
	Backend data.BackendConfig
	Pairs   []data.PairSpec

	// Metrics are registered under their names on construction. More may be
	// added through Registry before Run.
	Metrics []metrics.Spec

	// EngineQueue configures the engine's subscription to the batch bus.
	// Defaults to DefaultEngineQueue.
	EngineQueue bus.SubscribeOpts
	// MetricQueue configures every metric's subscriptions.
	MetricQueue bus.SubscribeOpts

	// MaxBuffered bounds the engine's per-channel buffers. Defaults to
	// coincidence.DefaultMaxBuffered.
	MaxBuffered int

	// RecomputeInterval is the period of the registry's recompute timer
	// while running. Defaults to metrics.DefaultInterval.
	RecomputeInterval time.Duration

	// PollTimeout bounds each NextBatch call, and so how long the producer
	// takes to notice cancellation. Defaults to DefaultPollTimeout.
	PollTimeout time.Duration

	Logger *log.Logger
}

// A Pipeline runs one Source to completion through an Engine and a Registry.
type Pipeline struct {
	opts   PipelineOpts
	logger *log.Logger

	src          source.Source
	batches      *bus.Bus[data.SampleBatch]
	coincidences *bus.Bus[data.Coincidence]
	engine       *coincidence.Engine
	registry     *metrics.Registry

	ran      atomic.Bool
	produced atomic.Uint64
	timeouts atomic.Uint64
}

// Stats packages together the counters of a Pipeline.
type Stats struct {
	Produced        uint64                `json:"produced"`
	Timeouts        uint64                `json:"timeouts"`
	Coincidences    uint64                `json:"coincidences"`
	BatchSubs       []bus.SubscriberStats `json:"batch_subscribers"`
	CoincidenceSubs []bus.SubscriberStats `json:"coincidence_subscribers"`
	Engine          coincidence.Stats     `json:"engine"`
}

// NewPipeline returns a Pipeline configured in accordance with opts, or an
// error if the options are nonsensical. The source is configured here, so
// configuration errors surface before Run.
func NewPipeline(opts PipelineOpts) (*Pipeline, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("%w: must provide Source", data.ErrInvalidConfig)
	}
	if len(opts.Pairs) == 0 {
		return nil, fmt.Errorf("%w: must provide at least one pair", data.ErrInvalidConfig)
	}
	if opts.EngineQueue == (bus.SubscribeOpts{}) {
		opts.EngineQueue = DefaultEngineQueue
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	src := source.Checked(opts.Source, opts.Backend.Channels)
	if err := src.Configure(opts.Backend); err != nil {
		return nil, fmt.Errorf("configuring source: %w", err)
	}
	engine, err := coincidence.NewEngine(coincidence.Opts{
		Channels:    opts.Backend.Channels,
		Pairs:       opts.Pairs,
		MaxBuffered: opts.MaxBuffered,
		Logger:      logger.WithPrefix("engine"),
	})
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		opts:         opts,
		logger:       logger,
		src:          src,
		batches:      bus.New[data.SampleBatch](),
		coincidences: bus.New[data.Coincidence](),
		engine:       engine,
	}
	p.registry = metrics.NewRegistry(metrics.RegistryOpts{
		Batches:      p.batches,
		Coincidences: p.coincidences,
		Queue:        opts.MetricQueue,
		Interval:     opts.RecomputeInterval,
		Logger:       logger.WithPrefix("registry"),
	})
	for _, s := range opts.Metrics {
		m, err := metrics.FromSpec(s, opts.Backend.Resolution)
		if err == nil {
			err = p.registry.Register(s.Name, m)
		}
		if err != nil {
			p.registry.Close()
			return nil, fmt.Errorf("registering metric %q: %w", s.Name, err)
		}
	}
	return p, nil
}

// Batches returns the batch bus. Subscribe before Run to see every batch.
func (p *Pipeline) Batches() *bus.Bus[data.SampleBatch] {
	return p.batches
}

// Coincidences returns the coincidence bus. Subscribe before Run to see
// every coincidence.
func (p *Pipeline) Coincidences() *bus.Bus[data.Coincidence] {
	return p.coincidences
}

func (p *Pipeline) Registry() *metrics.Registry {
	return p.registry
}

func (p *Pipeline) Engine() *coincidence.Engine {
	return p.engine
}

// Run acquires batches until the source is exhausted, fails, or ctx is done.
// Both buses are closed on return, after the engine has flushed and every
// metric has consumed what it was sent, and the registry holds results
// recomputed over everything.
//
// Run returns nil when the source reports end of stream, the source's error
// if it fails and ctx.Err() if ctx is done. A Pipeline can be run once.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}
	q := p.opts.EngineQueue
	q.Name = "engine"
	engineSub := p.batches.Subscribe(q)

	if err := p.src.Start(); err != nil {
		p.batches.Close()
		p.coincidences.Close()
		p.registry.Wait()
		p.registry.Recompute()
		return fmt.Errorf("starting source: %w", err)
	}
	p.registry.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer p.batches.Close()
		return p.produce(gctx)
	})
	// The engine drains the batch bus even when the producer fails, so it
	// only stops early on ctx.
	g.Go(func() error {
		defer p.coincidences.Close()
		return p.engine.Run(ctx, engineSub, p.coincidences)
	})
	err := g.Wait()
	p.registry.Wait()
	p.registry.Stop()

	p.logger.Info("pipeline finished",
		"batches", p.produced.Load(),
		"coincidences", p.coincidences.Published(),
		"batch_drops", engineSub.Dropped(),
		"faults", len(p.engine.Faults()))
	return err
}

func (p *Pipeline) produce(ctx context.Context) error {
	defer p.src.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		sb, err := p.src.NextBatch(p.opts.PollTimeout)
		switch {
		case err == nil:
		case errors.Is(err, source.ErrTimeout):
			p.timeouts.Add(1)
			continue
		case errors.Is(err, source.ErrEndOfStream):
			p.logger.Info("source exhausted", "batches", p.produced.Load())
			return nil
		default:
			p.logger.Error("source failed", "kind", source.KindOf(err), "batches", p.produced.Load(), "err", err)
			return fmt.Errorf("acquiring: %w", err)
		}
		if err := p.batches.Publish(sb); err != nil {
			return err
		}
		p.produced.Add(1)
	}
}

// Stats returns a snapshot of the pipeline's counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Produced:        p.produced.Load(),
		Timeouts:        p.timeouts.Load(),
		Coincidences:    p.coincidences.Published(),
		BatchSubs:       p.batches.Stats(),
		CoincidenceSubs: p.coincidences.Stats(),
		Engine:          p.engine.Stats(),
	}
}
