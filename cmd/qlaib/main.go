// qlaib runs one acquisition: it reads timestamps from a synthetic or
// replayed source, correlates them into coincidences, computes the configured
// metrics and prints a summary when the source is exhausted or the process is
// interrupted. Optionally it records the raw batches to a capture file,
// persists counts and metric history to SQLite and serves a status API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alan-christopher/qlaib/internal/config"
	"github.com/alan-christopher/qlaib/internal/logging"
	"github.com/alan-christopher/qlaib/internal/statusapi"
	"github.com/alan-christopher/qlaib/internal/store"
	"github.com/alan-christopher/qlaib/qlaib"
	"github.com/alan-christopher/qlaib/qlaib/capture"
	"github.com/alan-christopher/qlaib/qlaib/source"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var (
	configPath = flag.StringP("config", "c", "", "Path to a YAML configuration file. Defaults apply when unset.")
	frames     = flag.Int("frames", 0, "Stop a synthetic run after this many frames. Zero runs until interrupted.")
	seed       = flag.Uint64("seed", 0, "Seed of the synthetic source.")
	sourceKind = flag.String("source", "", "Source kind: synthetic or replay.")
	replayFile = flag.String("replay", "", "Capture file to replay. Implies --source=replay.")
	recordPath = flag.String("record", "", "Record every batch to this capture file.")
	compress   = flag.Bool("compress", false, "Compress the capture written by --record.")
	storePath  = flag.String("store", "", "Persist counts and metric history to this SQLite database.")
	httpAddr   = flag.String("http", "", "Serve the status API on this address, e.g. :8080.")
	logLevel   = flag.String("log-level", "", "One of debug, info, warn, error.")
	quiet      = flag.BoolP("quiet", "q", false, "Do not print the summary tables.")
)

func main() {
	flag.Parse()
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("Loading configuration", "err", err)
	}
	logger, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatal("Creating logger", "err", err)
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	p, err := run(ctx, cfg, logger)
	if p != nil && !*quiet {
		report(os.Stdout, p)
	}
	if err != nil {
		logger.Error("Run failed", "kind", source.KindOf(err), "err", err)
		closeLog()
		os.Exit(1)
	}
}

// loadConfig reads --config, if given, and applies any flags that were set
// on top of it.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if flag.CommandLine.Changed("frames") {
		cfg.Source.Frames = *frames
	}
	if flag.CommandLine.Changed("seed") {
		cfg.Backend.Seed = *seed
	}
	if *sourceKind != "" {
		cfg.Source.Kind = *sourceKind
	}
	if *replayFile != "" {
		cfg.Source.Kind = config.Replay
		cfg.Backend.ReplayFile = *replayFile
	}
	if *recordPath != "" {
		cfg.Record.Path = *recordPath
	}
	if flag.CommandLine.Changed("compress") {
		cfg.Record.Compress = *compress
	}
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Finish(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig) (*log.Logger, func(), error) {
	opts := logging.Options{Level: cfg.Level, JSON: cfg.JSON}
	if cfg.File == "" {
		l, err := logging.New(os.Stderr, opts)
		return l, func() {}, err
	}
	l, f, err := logging.OpenFile(cfg.File, opts)
	if err != nil {
		return nil, nil, err
	}
	return l, func() { f.Close() }, nil
}

func newSource(cfg *config.Config, logger *log.Logger) source.Source {
	if cfg.Source.Kind == config.Replay {
		return source.NewReplay(source.ReplayOpts{Logger: logger})
	}
	return source.NewSynthetic(source.SyntheticOpts{
		Pairs:     cfg.Source.PairEmitters(),
		Frames:    cfg.Source.Frames,
		FrameRate: cfg.Source.FrameRate,
		Logger:    logger,
	})
}

// run builds the pipeline and its optional consumers and runs them until the
// source is exhausted, something fails or ctx is done. The pipeline is
// returned whenever it was built so that the caller can report on it.
func run(ctx context.Context, cfg *config.Config, logger *log.Logger) (*qlaib.Pipeline, error) {
	p, err := qlaib.NewPipeline(qlaib.PipelineOpts{
		Source:            newSource(cfg, logger.WithPrefix("source")),
		Backend:           cfg.Backend,
		Pairs:             cfg.Pairs,
		Metrics:           cfg.Metrics,
		EngineQueue:       cfg.Bus.Engine.Opts("engine"),
		MetricQueue:       cfg.Bus.Metrics.Opts("metrics"),
		MaxBuffered:       cfg.Engine.MaxBuffered,
		RecomputeInterval: cfg.Engine.RecomputeInterval,
		PollTimeout:       cfg.Engine.PollTimeout,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Record.Path != "" {
		w, err := capture.Create(cfg.Record.Path,
			capture.Header{Channels: cfg.Backend.Channels, Resolution: cfg.Backend.Resolution},
			capture.WriterOpts{Compress: cfg.Record.Compress})
		if err != nil {
			return p, fmt.Errorf("creating capture: %w", err)
		}
		rec, err := capture.NewRecorder(capture.RecorderOpts{Writer: w, Logger: logger.WithPrefix("recorder")})
		if err != nil {
			w.Close()
			return p, err
		}
		sub := p.Batches().Subscribe(cfg.Bus.Consumers.Opts("recorder"))
		g.Go(func() error { return rec.Run(gctx, sub) })
		logger.Info("Recording", "path", cfg.Record.Path, "compress", cfg.Record.Compress)
	}

	var (
		db    *store.Store
		runID uuid.UUID
	)
	if cfg.Store.Path != "" {
		if db, err = store.Open(cfg.Store.Path); err != nil {
			return p, fmt.Errorf("opening store: %w", err)
		}
		defer db.Close()
		if runID, err = db.BeginRun(cfg.Source.Kind, cfg.Backend, cfg.Pairs, time.Now()); err != nil {
			return p, err
		}
		consumer, err := store.NewConsumer(store.ConsumerOpts{
			Store:         db,
			Run:           runID,
			FlushInterval: cfg.Store.FlushInterval,
			Registry:      p.Registry(),
			Logger:        logger.WithPrefix("store"),
		})
		if err != nil {
			return p, err
		}
		sub := p.Coincidences().Subscribe(cfg.Bus.Consumers.Opts("store"))
		g.Go(func() error { return consumer.Run(gctx, sub) })
		logger.Info("Persisting", "path", cfg.Store.Path, "run", runID)
	}

	if cfg.HTTP.Addr != "" {
		srv := &http.Server{
			Addr: cfg.HTTP.Addr,
			Handler: statusapi.NewRouter(statusapi.Opts{
				Results: p.Registry(),
				Engine:  p.Engine(),
				Buses: map[string]statusapi.Bus{
					"batches":      p.Batches(),
					"coincidences": p.Coincidences(),
				},
				Logger: logger.WithPrefix("http"),
			}),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("HTTP server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP server forced to shut down", "err", err)
			}
		}()
	}

	g.Go(func() error { return p.Run(gctx) })
	err = g.Wait()
	// An interrupt is how an unbounded run is meant to end.
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}

	if db != nil {
		st := p.Stats()
		if ferr := db.FinishRun(runID, time.Now(), st.Produced, st.Coincidences, err); ferr != nil {
			logger.Error("Finishing run", "run", runID, "err", ferr)
		}
	}
	return p, err
}
