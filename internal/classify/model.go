package classify

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/water.report/internal/reading"
)

// Model artifact kinds.
const (
	KindRandomForest = "random_forest"
	KindLogistic     = "logistic"
)

// maxArtifactSize bounds the model file read at startup.
const maxArtifactSize = 64 * 1024 * 1024

// Artifact is the on-disk form of a trained model. Class 0 is Unsafe and
// class 1 is Safe, matching the training labels.
type Artifact struct {
	Kind     string   `json:"kind"`
	Features []string `json:"features"`
	Classes  []int    `json:"classes"`

	// random_forest
	Trees []Tree `json:"trees,omitempty"`

	// logistic; Mean and Scale are optional standardization terms.
	Weights []float64 `json:"weights,omitempty"`
	Bias    float64   `json:"bias,omitempty"`
	Mean    []float64 `json:"mean,omitempty"`
	Scale   []float64 `json:"scale,omitempty"`
}

// Tree is a flattened binary decision tree. Node 0 is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Node is either a split (Value empty) or a leaf holding per-class counts or
// probabilities. Splits send x[Feature] <= Threshold to Left.
type Node struct {
	Feature   int       `json:"feature"`
	Threshold float64   `json:"threshold"`
	Left      int       `json:"left"`
	Right     int       `json:"right"`
	Value     []float64 `json:"value,omitempty"`
}

// Model classifies with a frozen artifact and derives per-sensor flags from
// the configured bands.
type Model struct {
	art   Artifact
	bands Bands
}

// LoadModel reads and validates the artifact at path. Every failure wraps
// ErrUnavailable.
func LoadModel(path string, bands Bands) (*Model, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no model path configured", ErrUnavailable)
	}
	cleanPath := filepath.Clean(path)
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if info.Size() > maxArtifactSize {
		return nil, fmt.Errorf("%w: model file too large: %d bytes", ErrUnavailable, info.Size())
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("%w: parse model: %v", ErrUnavailable, err)
	}
	return NewModel(art, bands)
}

// NewModel validates art and wraps it as a Classifier.
func NewModel(art Artifact, bands Bands) (*Model, error) {
	if err := art.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Model{art: art, bands: bands}, nil
}

func (a Artifact) validate() error {
	if len(a.Features) != reading.NumSensors {
		return fmt.Errorf("model expects %d features, want %d", len(a.Features), reading.NumSensors)
	}
	for i, s := range reading.Sensors {
		if a.Features[i] != s.String() {
			return fmt.Errorf("feature %d is %q, want %q", i, a.Features[i], s)
		}
	}
	if len(a.Classes) != 2 || a.Classes[0] != 0 || a.Classes[1] != 1 {
		return fmt.Errorf("classes must be [0 1], got %v", a.Classes)
	}

	switch a.Kind {
	case KindRandomForest:
		if len(a.Trees) == 0 {
			return fmt.Errorf("random forest has no trees")
		}
		for ti, t := range a.Trees {
			if err := t.validate(); err != nil {
				return fmt.Errorf("tree %d: %w", ti, err)
			}
		}
	case KindLogistic:
		if len(a.Weights) != reading.NumSensors {
			return fmt.Errorf("logistic model has %d weights", len(a.Weights))
		}
		if a.Mean != nil && len(a.Mean) != reading.NumSensors {
			return fmt.Errorf("logistic model has %d means", len(a.Mean))
		}
		if a.Scale != nil {
			if len(a.Scale) != reading.NumSensors {
				return fmt.Errorf("logistic model has %d scales", len(a.Scale))
			}
			for _, s := range a.Scale {
				if s == 0 {
					return fmt.Errorf("logistic model has a zero scale")
				}
			}
		}
	default:
		return fmt.Errorf("unknown model kind %q", a.Kind)
	}
	return nil
}

func (t Tree) validate() error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("empty tree")
	}
	for i, n := range t.Nodes {
		if len(n.Value) > 0 {
			if len(n.Value) != 2 {
				return fmt.Errorf("leaf %d has %d classes", i, len(n.Value))
			}
			continue
		}
		if n.Feature < 0 || n.Feature >= reading.NumSensors {
			return fmt.Errorf("node %d splits on feature %d", i, n.Feature)
		}
		// children must point forward so evaluation always terminates
		if n.Left <= i || n.Right <= i || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d has invalid children %d/%d", i, n.Left, n.Right)
		}
	}
	return nil
}

func (m *Model) Name() string { return m.art.Kind }

// IsModelName reports whether name is the Name of a trained model rather
// than the threshold fallback.
func IsModelName(name string) bool {
	return name == KindRandomForest || name == KindLogistic
}

// Classify runs the model on the values in training feature order. The label
// is the most probable class with ties going to Unsafe, and the confidence is
// that class's probability.
func (m *Model) Classify(r reading.Reading) reading.Verdict {
	proba := m.PredictProba(r.Values)
	idx := floats.MaxIdx(proba)
	label := reading.Unsafe
	if idx == 1 {
		label = reading.Safe
	}
	return reading.Verdict{
		Label:      label,
		Confidence: proba[idx],
		Flags:      m.bands.Flags(r.Values),
	}
}

// PredictProba returns [p(Unsafe), p(Safe)].
func (m *Model) PredictProba(v reading.Values) []float64 {
	x := v.Vector()
	switch m.art.Kind {
	case KindLogistic:
		if m.art.Mean != nil {
			floats.Sub(x, m.art.Mean)
		}
		if m.art.Scale != nil {
			floats.Div(x, m.art.Scale)
		}
		p := 1 / (1 + math.Exp(-(floats.Dot(m.art.Weights, x) + m.art.Bias)))
		return []float64{1 - p, p}
	default:
		sum := make([]float64, 2)
		for _, t := range m.art.Trees {
			floats.Add(sum, t.leaf(x))
		}
		floats.Scale(1/float64(len(m.art.Trees)), sum)
		return sum
	}
}

// leaf walks the tree and returns the normalized class distribution.
func (t Tree) leaf(x []float64) []float64 {
	i := 0
	for len(t.Nodes[i].Value) == 0 {
		n := t.Nodes[i]
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	dist := make([]float64, 2)
	copy(dist, t.Nodes[i].Value)
	if total := floats.Sum(dist); total > 0 {
		floats.Scale(1/total, dist)
	}
	return dist
}
