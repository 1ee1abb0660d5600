package classify

import (
	"math"

	"github.com/banshee-data/water.report/internal/reading"
)

const (
	// MaxConfidence is reported for readings that are clearly inside or
	// clearly outside every band.
	MaxConfidence = 0.99
	// DefaultSoftness is the fraction of a band's half width over which
	// confidence ramps from 0.5 to MaxConfidence.
	DefaultSoftness = 0.2
)

// Threshold flags each sensor against its band and labels the reading Unsafe
// if any sensor is out of range.
type Threshold struct {
	bands    Bands
	softness float64
}

func NewThreshold(bands Bands, softness float64) *Threshold {
	if softness <= 0 {
		softness = DefaultSoftness
	}
	return &Threshold{bands: bands, softness: softness}
}

func (t *Threshold) Name() string { return StrategyThreshold }

func (t *Threshold) Bands() Bands { return t.bands }

// Classify labels r. Confidence is 0.5 on a band edge and rises linearly with
// the normalized distance from the nearest edge until it reaches
// MaxConfidence at the configured softness. For Safe readings the distance is
// that of the sensor closest to violating its band; for Unsafe readings it is
// that of the sensor furthest outside.
func (t *Threshold) Classify(r reading.Reading) reading.Verdict {
	flags := t.bands.Flags(r.Values)

	if flags.AllSafe() {
		margin := math.Inf(1)
		for _, s := range reading.Sensors {
			b := t.bands[s]
			d := math.Min(r.Values[s]-b.Min, b.Max-r.Values[s]) / b.halfWidth()
			margin = math.Min(margin, d)
		}
		return reading.Verdict{Label: reading.Safe, Confidence: t.ramp(margin), Flags: flags}
	}

	margin := 0.0
	for _, s := range flags.Failing() {
		b := t.bands[s]
		v := r.Values[s]
		d := b.Min - v
		if v > b.Max {
			d = v - b.Max
		}
		margin = math.Max(margin, d/b.halfWidth())
	}
	return reading.Verdict{Label: reading.Unsafe, Confidence: t.ramp(margin), Flags: flags}
}

func (t *Threshold) ramp(margin float64) float64 {
	frac := math.Min(math.Max(margin/t.softness, 0), 1)
	return 0.5 + (MaxConfidence-0.5)*frac
}
