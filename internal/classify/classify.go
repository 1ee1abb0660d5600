// Package classify turns a Reading into a Safe/Unsafe Verdict. Two strategies
// are available, a per-sensor threshold table and a frozen statistical model,
// and one of them is selected once at startup.
package classify

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/water.report/internal/reading"
	"github.com/banshee-data/water.report/internal/security"
)

// ErrUnavailable is returned when the configured strategy cannot be built,
// for example because the model artifact is missing or corrupt. Callers must
// treat it as fatal.
var ErrUnavailable = errors.New("classifier unavailable")

// Classifier labels readings. Implementations are deterministic and safe for
// use from a single goroutine.
type Classifier interface {
	Classify(r reading.Reading) reading.Verdict
	Name() string
}

// Strategy names accepted in configuration.
const (
	StrategyThreshold = "threshold"
	StrategyModel     = "model"
)

// Band is an inclusive [Min, Max] safe range.
type Band struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether v lies inside the band, edges included.
func (b Band) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

func (b Band) halfWidth() float64 { return (b.Max - b.Min) / 2 }

// Bands is the per-sensor safe range table. It is the single table used for
// classification, per-sensor flags and alert bodies.
type Bands [reading.NumSensors]Band

// DefaultBands returns the safe ranges the device was calibrated against.
func DefaultBands() Bands {
	var b Bands
	b[reading.PH] = Band{6.5, 8.5}
	b[reading.Sulphate] = Band{100, 400}
	b[reading.Hardness] = Band{80, 250}
	b[reading.Conductivity] = Band{200, 800}
	b[reading.TDS] = Band{200, 1000}
	b[reading.Turbidity] = Band{1.5, 5.0}
	return b
}

// Validate checks that every band is finite and non-empty.
func (b Bands) Validate() error {
	for _, s := range reading.Sensors {
		band := b[s]
		if math.IsNaN(band.Min) || math.IsNaN(band.Max) || math.IsInf(band.Min, 0) || math.IsInf(band.Max, 0) {
			return fmt.Errorf("%s: band must be finite", s)
		}
		if band.Min >= band.Max {
			return fmt.Errorf("%s: min %g must be below max %g", s, band.Min, band.Max)
		}
	}
	return nil
}

// Flags evaluates every sensor against its band.
func (b Bands) Flags(v reading.Values) reading.Flags {
	var f reading.Flags
	for _, s := range reading.Sensors {
		f[s] = b[s].Contains(v[s])
	}
	return f
}

// Config selects and parameterizes the classifier.
type Config struct {
	Strategy  string
	ModelPath string
	// ModelDir, when set, confines ModelPath to that directory.
	ModelDir string
	// Softness is the normalized distance from a band edge at which the
	// threshold strategy reaches full confidence.
	Softness float64
}

// New builds the configured classifier. Any failure wraps ErrUnavailable.
func New(cfg Config, bands Bands) (Classifier, error) {
	if err := bands.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch cfg.Strategy {
	case "", StrategyThreshold:
		return NewThreshold(bands, cfg.Softness), nil
	case StrategyModel:
		if cfg.ModelDir != "" {
			if err := security.ValidatePathWithinDirectory(cfg.ModelPath, cfg.ModelDir); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}
		return LoadModel(cfg.ModelPath, bands)
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrUnavailable, cfg.Strategy)
	}
}
