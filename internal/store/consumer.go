package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/alan-christopher/qlaib/qlaib/bus"
	"github.com/alan-christopher/qlaib/qlaib/data"
	"github.com/alan-christopher/qlaib/qlaib/metrics"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

var (
	DefaultBinTicks      = int64(1e12)
	DefaultFlushInterval = time.Second
)

// ConsumerOpts configures a Consumer.
type ConsumerOpts struct {
	Store *Store
	Run   uuid.UUID
	// BinTicks is the width of the time bins coincidences are counted in,
	// by TimeA. Defaults to DefaultBinTicks.
	BinTicks int64
	// FlushInterval is how often counts are written. Defaults to
	// DefaultFlushInterval.
	FlushInterval time.Duration
	// Registry, if set, has its snapshot saved on every flush.
	Registry *metrics.Registry
	Logger   *log.Logger
}

// A Consumer counts the coincidences delivered to a bus subscription and
// periodically writes the counts, and the registry's results, to a Store.
type Consumer struct {
	opts   ConsumerOpts
	logger *log.Logger
	counts map[countKey]uint64
}

type countKey struct {
	label string
	bin   int64
}

// NewConsumer returns a Consumer configured in accordance with opts.
func NewConsumer(opts ConsumerOpts) (*Consumer, error) {
	if opts.Store == nil {
		return nil, errors.New("store: consumer needs a Store")
	}
	if opts.Run == uuid.Nil {
		return nil, errors.New("store: consumer needs a Run")
	}
	if opts.BinTicks <= 0 {
		opts.BinTicks = DefaultBinTicks
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Consumer{opts: opts, logger: logger, counts: make(map[countKey]uint64)}, nil
}

// Run consumes sub until the subscription ends or ctx is done, flushing
// every FlushInterval and once more on return.
func (c *Consumer) Run(ctx context.Context, sub *bus.Subscriber[data.Coincidence]) error {
	t := time.NewTicker(c.opts.FlushInterval)
	defer t.Stop()
	for {
		rctx, cancel := context.WithTimeout(ctx, c.opts.FlushInterval)
		co, err := sub.Recv(rctx)
		cancel()
		switch {
		case err == nil:
			c.add(co)
		case errors.Is(err, bus.ErrClosed):
			if d := sub.Dropped(); d > 0 {
				c.logger.Warn("coincidence counts incomplete", "dropped", d)
			}
			return c.Flush()
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		default:
			if ferr := c.Flush(); ferr != nil {
				c.logger.Error("final flush failed", "err", ferr)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		select {
		case <-t.C:
			if err := c.Flush(); err != nil {
				return err
			}
		default:
		}
	}
}

func (c *Consumer) add(co data.Coincidence) {
	bin := co.TimeA / c.opts.BinTicks
	if co.TimeA < 0 && co.TimeA%c.opts.BinTicks != 0 {
		bin--
	}
	c.counts[countKey{co.Pair.Label, bin}]++
}

// Flush writes the counts accumulated since the last flush, and a registry
// snapshot if there is a registry.
func (c *Consumer) Flush() error {
	if len(c.counts) > 0 {
		counts := make([]Count, 0, len(c.counts))
		for k, n := range c.counts {
			counts = append(counts, Count{Label: k.label, Bin: k.bin, BinTicks: c.opts.BinTicks, N: n})
		}
		if err := c.opts.Store.AddCounts(c.opts.Run, counts); err != nil {
			return fmt.Errorf("flushing counts: %w", err)
		}
		c.counts = make(map[countKey]uint64)
	}
	if c.opts.Registry != nil {
		n, err := c.opts.Store.SaveResults(c.opts.Run, c.opts.Registry.Snapshot())
		if err != nil {
			return fmt.Errorf("flushing results: %w", err)
		}
		if n > 0 {
			c.logger.Debug("saved metric results", "n", n)
		}
	}
	return nil
}
