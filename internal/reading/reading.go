// Package reading defines the sensor sample types shared by every stage of the
// water quality pipeline.
package reading

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Sensor identifies one of the six water quality measurements.
//
// The numeric order of the constants is the feature order the classifier model
// was trained with and must never be changed.
type Sensor int

const (
	PH Sensor = iota
	Sulphate
	Hardness
	Conductivity
	TDS
	Turbidity

	NumSensors = 6
)

// Sensors lists every sensor in training feature order.
var Sensors = [NumSensors]Sensor{PH, Sulphate, Hardness, Conductivity, TDS, Turbidity}

var sensorNames = [NumSensors]string{"pH", "Sulphate", "Hardness", "Conductivity", "TDS", "Turbidity"}

// String returns the wire name of the sensor ("pH", "Sulphate", ...).
func (s Sensor) String() string {
	if s < 0 || int(s) >= NumSensors {
		return fmt.Sprintf("Sensor(%d)", int(s))
	}
	return sensorNames[s]
}

// ParseSensor maps a wire name back to a Sensor.
func ParseSensor(name string) (Sensor, bool) {
	for i, n := range sensorNames {
		if n == name {
			return Sensor(i), true
		}
	}
	return 0, false
}

// Values holds one measurement per sensor, indexed by Sensor.
type Values [NumSensors]float64

// Get returns the value for a sensor.
func (v Values) Get(s Sensor) float64 { return v[s] }

// Vector returns the values as a slice in training feature order.
func (v Values) Vector() []float64 {
	out := make([]float64, NumSensors)
	copy(out, v[:])
	return out
}

// Finite reports whether every value is a finite number.
func (v Values) Finite() bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the values as a flat object keyed by sensor name.
func (v Values) MarshalJSON() ([]byte, error) {
	m := make(map[string]float64, NumSensors)
	for _, s := range Sensors {
		m[s.String()] = v[s]
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes a flat object keyed by sensor name. All six keys are
// required.
func (v *Values) UnmarshalJSON(data []byte) error {
	var m map[string]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	for _, s := range Sensors {
		x, ok := m[s.String()]
		if !ok {
			return fmt.Errorf("missing sensor %q", s)
		}
		v[s] = x
	}
	return nil
}

// Flags records whether each sensor value lies inside its safe band.
type Flags [NumSensors]bool

// AllSafe reports whether every sensor is in range.
func (f Flags) AllSafe() bool {
	for _, ok := range f {
		if !ok {
			return false
		}
	}
	return true
}

// Failing returns the sensors that are out of range.
func (f Flags) Failing() []Sensor {
	var out []Sensor
	for _, s := range Sensors {
		if !f[s] {
			out = append(out, s)
		}
	}
	return out
}

func (f Flags) MarshalJSON() ([]byte, error) {
	m := make(map[string]bool, NumSensors)
	for _, s := range Sensors {
		m[s.String()] = f[s]
	}
	return json.Marshal(m)
}

func (f *Flags) UnmarshalJSON(data []byte) error {
	var m map[string]bool
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	for _, s := range Sensors {
		f[s] = m[s.String()]
	}
	return nil
}

// Source tags which ingestion path produced a reading. It is informational
// only and never affects classification.
type Source string

const (
	SourceSerial  Source = "serial"
	SourceAPI     Source = "api"
	SourceBrowser Source = "browser"
	SourceManual  Source = "manual"
	SourceMQTT    Source = "mqtt"
)

// Reading is one normalized sample. Readings are only constructed by the
// normalizer, which guarantees that all six values are present and finite and
// that SequenceID is unique and strictly increasing.
type Reading struct {
	SequenceID uint64    `json:"sequenceId"`
	Source     Source    `json:"source"`
	Values     Values    `json:"sensorValues"`
	ObservedAt time.Time `json:"observedAt"`
}

// Label is the binary safety classification.
type Label int

const (
	Unsafe Label = iota
	Safe
)

func (l Label) String() string {
	if l == Safe {
		return "Safe"
	}
	return "Unsafe"
}

func (l Label) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Label) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "Safe":
		*l = Safe
	case "Unsafe":
		*l = Unsafe
	default:
		return fmt.Errorf("unknown label %q", s)
	}
	return nil
}

// Verdict is the classification of exactly one Reading.
type Verdict struct {
	Label Label `json:"label"`
	// Confidence is in [0, 1].
	Confidence float64 `json:"confidence"`
	Flags      Flags   `json:"perSensorFlags"`
}
