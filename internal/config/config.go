// Package config loads the YAML configuration of the qlaib command.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alan-christopher/qlaib/qlaib/bus"
	"github.com/alan-christopher/qlaib/qlaib/data"
	"github.com/alan-christopher/qlaib/qlaib/metrics"
	"github.com/alan-christopher/qlaib/qlaib/source"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Source kinds.
const (
	Synthetic = "synthetic"
	Replay    = "replay"
)

type Config struct {
	Source  SourceConfig       `yaml:"source"`
	Backend data.BackendConfig `yaml:"backend"`
	// Pairs lists the channel pairs to correlate. When empty, the sixteen
	// polarisation pairs of data.DefaultPairs are used with DefaultWindow.
	Pairs         []data.PairSpec `yaml:"pairs"`
	DefaultWindow int64           `yaml:"default_window" validate:"gte=0"`
	Metrics       []metrics.Spec  `yaml:"metrics"`
	Engine        EngineConfig    `yaml:"engine"`
	Bus           BusConfig       `yaml:"bus"`
	Record        RecordConfig    `yaml:"record"`
	Store         StoreConfig     `yaml:"store"`
	HTTP          HTTPConfig      `yaml:"http"`
	Logging       LoggingConfig   `yaml:"logging"`
}

type SourceConfig struct {
	Kind string `yaml:"kind" validate:"oneof=synthetic replay"`
	// Frames bounds a synthetic run; zero runs until interrupted.
	Frames    int             `yaml:"frames" validate:"gte=0"`
	FrameRate float64         `yaml:"frame_rate" validate:"gte=0"`
	Emitters  []EmitterConfig `yaml:"emitters"`
}

// EmitterConfig is the YAML form of a source.PairEmitter.
type EmitterConfig struct {
	A         int     `yaml:"a"`
	B         int     `yaml:"b"`
	Rate      float64 `yaml:"rate" validate:"gte=0"`
	Jitter    float64 `yaml:"jitter" validate:"gte=0"`
	Delay     int64   `yaml:"delay" validate:"gte=0"`
	ErrorProb float64 `yaml:"error_prob" validate:"gte=0,lte=1"`
	AltB      int     `yaml:"alt_b"`
}

type EngineConfig struct {
	MaxBuffered       int           `yaml:"max_buffered" validate:"gte=0"`
	RecomputeInterval time.Duration `yaml:"recompute_interval" validate:"gte=0"`
	PollTimeout       time.Duration `yaml:"poll_timeout" validate:"gte=0"`
}

// QueueConfig is the YAML form of a bus.SubscribeOpts.
type QueueConfig struct {
	Capacity     int           `yaml:"capacity" validate:"gte=0"`
	Policy       string        `yaml:"policy" validate:"omitempty,oneof=drop-oldest block"`
	BlockTimeout time.Duration `yaml:"block_timeout" validate:"gte=0"`
}

type BusConfig struct {
	Engine  QueueConfig `yaml:"engine"`
	Metrics QueueConfig `yaml:"metrics"`
	// Consumers configures the recorder's and the store's subscriptions.
	Consumers QueueConfig `yaml:"consumers"`
}

type RecordConfig struct {
	// Path enables recording every batch to a capture file.
	Path     string `yaml:"path"`
	Compress bool   `yaml:"compress"`
}

type StoreConfig struct {
	// Path enables persisting to an SQLite database.
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gte=0"`
}

type HTTPConfig struct {
	// Addr enables the status API, e.g. ":8080".
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
	File  string `yaml:"file"`
}

// Default returns the configuration used for anything a file leaves unset:
// an unbounded synthetic run of the 8-channel polarisation setup with
// picosecond ticks.
func Default() *Config {
	emitters := make([]EmitterConfig, 0, 4)
	for i, cross := range []int{data.BobV, data.BobH, data.BobA, data.BobD} {
		emitters = append(emitters, EmitterConfig{
			A:         data.AliceH + i,
			B:         data.BobH + i,
			Rate:      10000,
			Jitter:    50,
			ErrorProb: 0.02,
			AltB:      cross,
		})
	}
	return &Config{
		Source: SourceConfig{Kind: Synthetic, Emitters: emitters},
		Backend: data.BackendConfig{
			Channels:    8,
			Resolution:  1e-12,
			Exposure:    10 * time.Millisecond,
			EventRate:   1000,
			Seed:        1,
			ReplaySpeed: 1,
		},
		DefaultWindow: 1000,
		Metrics:       metrics.DefaultSpecs(),
		Engine: EngineConfig{
			RecomputeInterval: time.Second,
			PollTimeout:       100 * time.Millisecond,
		},
		Bus: BusConfig{
			Engine:    QueueConfig{Capacity: 4096, Policy: "block", BlockTimeout: time.Second},
			Metrics:   QueueConfig{Capacity: 1024, Policy: "drop-oldest"},
			Consumers: QueueConfig{Capacity: 4096, Policy: "block", BlockTimeout: time.Second},
		},
		Store:   StoreConfig{FlushInterval: time.Second},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the configuration file at path over the defaults, applies
// environment variable overrides and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(b)
}

// Parse is Load for configuration already in memory.
func Parse(b []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Finish(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides checks for environment variables with the QLAIB_ prefix.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QLAIB_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("QLAIB_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("QLAIB_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("QLAIB_REPLAY_FILE"); v != "" {
		cfg.Source.Kind = Replay
		cfg.Backend.ReplayFile = v
	}
	if v := os.Getenv("QLAIB_SEED"); v != "" {
		if seed, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Backend.Seed = seed
		}
	}
}

// Finish fills in the pairs if none were given and validates c. It must be
// called again after c is modified, e.g. by command line flags.
func (c *Config) Finish() error {
	if len(c.Pairs) == 0 && c.DefaultWindow > 0 {
		c.Pairs = data.DefaultPairs(c.DefaultWindow)
	}
	return c.Validate()
}

// Validate checks c, including that the pairs fit the backend and that
// every metric refers to a configured pair.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s must satisfy %s", data.ErrInvalidConfig, verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", data.ErrInvalidConfig, err)
	}
	if err := c.Backend.Validate(); err != nil {
		return err
	}
	if c.Source.Kind == Replay && c.Backend.ReplayFile == "" {
		return fmt.Errorf("%w: replay source needs backend.replay_file", data.ErrInvalidConfig)
	}
	if c.Source.Kind == Synthetic {
		if err := c.validateEmitters(); err != nil {
			return err
		}
	}
	if len(c.Pairs) == 0 {
		return fmt.Errorf("%w: no pairs and no default_window", data.ErrInvalidConfig)
	}
	if err := data.ValidatePairs(c.Pairs, c.Backend.Channels); err != nil {
		return err
	}
	labels := make(map[string]bool, len(c.Pairs))
	for _, p := range c.Pairs {
		labels[p.Label] = true
	}
	names := make(map[string]bool, len(c.Metrics))
	for _, m := range c.Metrics {
		if err := m.Validate(); err != nil {
			return err
		}
		if names[m.Name] {
			return fmt.Errorf("%w: duplicate metric %q", data.ErrInvalidConfig, m.Name)
		}
		names[m.Name] = true
		for _, set := range [][]string{m.Match, m.Mismatch, m.Like, m.Cross, m.Labels} {
			for _, l := range set {
				if !labels[l] {
					return fmt.Errorf("%w: metric %q refers to unknown pair %q", data.ErrInvalidConfig, m.Name, l)
				}
			}
		}
	}
	return nil
}

func (c *Config) validateEmitters() error {
	for i, e := range c.Source.Emitters {
		if err := validate.Struct(e); err != nil {
			return fmt.Errorf("%w: emitter %d: %v", data.ErrInvalidConfig, i, err)
		}
		for _, ch := range []int{e.A, e.B, e.AltB} {
			if ch < 0 || ch >= c.Backend.Channels {
				return fmt.Errorf("%w: emitter %d: channel %d outside [0, %d)", data.ErrInvalidConfig, i, ch, c.Backend.Channels)
			}
		}
	}
	return nil
}

// PairEmitters converts the configured emitters for the synthetic source.
func (s SourceConfig) PairEmitters() []source.PairEmitter {
	out := make([]source.PairEmitter, len(s.Emitters))
	for i, e := range s.Emitters {
		out[i] = source.PairEmitter{
			ChannelA:  e.A,
			ChannelB:  e.B,
			Rate:      e.Rate,
			Jitter:    e.Jitter,
			Delay:     e.Delay,
			ErrorProb: e.ErrorProb,
			AltB:      e.AltB,
		}
	}
	return out
}

// Opts converts q, named name.
func (q QueueConfig) Opts(name string) bus.SubscribeOpts {
	opts := bus.SubscribeOpts{Name: name, Capacity: q.Capacity, BlockTimeout: q.BlockTimeout}
	if q.Policy == "block" {
		opts.Policy = bus.Block
	}
	return opts
}
