package metrics

import (
	"errors"
	"fmt"

	"github.com/alan-christopher/qlaib/qlaib/data"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Metric kinds understood by FromSpec.
const (
	KindErrorRate      = "error_rate"
	KindVisibility     = "visibility"
	KindDeltaStats     = "delta_stats"
	KindSinglesRate    = "singles_rate"
	// KindMeanVisibility and KindMeanErrorRate combine several bases.
	KindMeanVisibility = "mean_visibility"
	KindMeanErrorRate  = "mean_error_rate"
)

// A Spec describes a metric declaratively, as it appears in configuration.
type Spec struct {
	Name string `yaml:"name" json:"name" validate:"required"`
	Kind string `yaml:"kind" json:"kind" validate:"oneof=error_rate visibility delta_stats singles_rate mean_visibility mean_error_rate"`

	// Match and Mismatch are the pair labels of an error_rate.
	Match    []string `yaml:"match,omitempty" json:"match,omitempty" validate:"required_if=Kind error_rate"`
	Mismatch []string `yaml:"mismatch,omitempty" json:"mismatch,omitempty" validate:"required_if=Kind error_rate"`
	// Like and Cross are the pair labels of a visibility.
	Like  []string `yaml:"like,omitempty" json:"like,omitempty" validate:"required_if=Kind visibility"`
	Cross []string `yaml:"cross,omitempty" json:"cross,omitempty" validate:"required_if=Kind visibility"`
	// Labels are the pair labels of a delta_stats.
	Labels []string `yaml:"labels,omitempty" json:"labels,omitempty" validate:"required_if=Kind delta_stats"`
	// Bases are the measurement bases of a mean_visibility or
	// mean_error_rate.
	Bases []Basis `yaml:"bases,omitempty" json:"bases,omitempty" validate:"required_if=Kind mean_visibility,required_if=Kind mean_error_rate,dive"`
	// Channel is the input channel of a singles_rate.
	Channel int `yaml:"channel,omitempty" json:"channel,omitempty" validate:"gte=0"`

	// Window is the rolling window in ticks. Zero accumulates forever.
	Window int64 `yaml:"window,omitempty" json:"window,omitempty" validate:"gte=0"`
}

// Validate checks that s is complete for its kind.
func (s Spec) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: metric %q: %s must satisfy %s", data.ErrInvalidConfig, s.Name, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: metric %q: %v", data.ErrInvalidConfig, s.Name, err)
	}
	return nil
}

// FromSpec builds the metric s describes. resolution is the tick length in
// seconds, needed by rate metrics.
func FromSpec(s Spec, resolution float64) (Metric, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch s.Kind {
	case KindErrorRate:
		return NewErrorRate(s.Match, s.Mismatch, s.Window), nil
	case KindVisibility:
		return NewVisibility(s.Like, s.Cross, s.Window), nil
	case KindDeltaStats:
		return NewDeltaStats(s.Labels, s.Window), nil
	case KindMeanVisibility:
		return NewMeanVisibility(s.Bases, s.Window), nil
	case KindMeanErrorRate:
		return NewMeanErrorRate(s.Bases, s.Window), nil
	case KindSinglesRate:
		if resolution <= 0 {
			return nil, fmt.Errorf("%w: metric %q: resolution must be positive", data.ErrInvalidConfig, s.Name)
		}
		return NewSinglesRate(s.Channel, resolution, s.Window), nil
	}
	return nil, fmt.Errorf("%w: metric %q: unknown kind %q", data.ErrInvalidConfig, s.Name, s.Kind)
}

// DefaultSpecs returns the standard metrics of the 8-channel polarisation
// setup whose pairs are given by data.DefaultPairs: the error rate and
// visibility in each of the two bases, and both combined over the bases.
func DefaultSpecs() []Spec {
	bases := []Basis{
		{Name: "HV", Like: []string{"HH", "VV"}, Cross: []string{"HV", "VH"}},
		{Name: "DA", Like: []string{"DD", "AA"}, Cross: []string{"DA", "AD"}},
	}
	return []Spec{
		{Name: "qber_hv", Kind: KindErrorRate, Match: []string{"HH", "VV"}, Mismatch: []string{"HV", "VH"}},
		{Name: "qber_da", Kind: KindErrorRate, Match: []string{"DD", "AA"}, Mismatch: []string{"DA", "AD"}},
		{Name: "visibility_hv", Kind: KindVisibility, Like: []string{"HH", "VV"}, Cross: []string{"HV", "VH"}},
		{Name: "visibility_da", Kind: KindVisibility, Like: []string{"DD", "AA"}, Cross: []string{"DA", "AD"}},
		{Name: "qber_total", Kind: KindMeanErrorRate, Bases: bases},
		{Name: "visibility", Kind: KindMeanVisibility, Bases: bases},
	}
}
