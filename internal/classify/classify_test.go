package classify

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/water.report/internal/reading"
)

func sample(v reading.Values) reading.Reading {
	return reading.Reading{SequenceID: 1, Source: reading.SourceSerial, Values: v}
}

// TestThresholdWorkedExamples tests the reference readings against the default bands.
func TestThresholdWorkedExamples(t *testing.T) {
	t.Parallel()
	c := NewThreshold(DefaultBands(), 0)

	safe := c.Classify(sample(reading.Values{7.2, 250, 165, 500, 600, 3.0}))
	assert.Equal(t, reading.Safe, safe.Label)
	assert.True(t, safe.Flags.AllSafe())
	assert.InDelta(t, MaxConfidence, safe.Confidence, 1e-9)

	unsafe := c.Classify(sample(reading.Values{7.2, 250, 165, 500, 600, 7.0}))
	assert.Equal(t, reading.Unsafe, unsafe.Label)
	assert.False(t, unsafe.Flags[reading.Turbidity])
	for _, s := range []reading.Sensor{reading.PH, reading.Sulphate, reading.Hardness, reading.Conductivity, reading.TDS} {
		assert.True(t, unsafe.Flags[s], s.String())
	}
	assert.InDelta(t, MaxConfidence, unsafe.Confidence, 1e-9)
}

func TestThresholdBandEdgesInclusive(t *testing.T) {
	t.Parallel()
	c := NewThreshold(DefaultBands(), 0)

	v := c.Classify(sample(reading.Values{6.5, 100, 80, 200, 200, 1.5}))
	assert.Equal(t, reading.Safe, v.Label)
	assert.InDelta(t, 0.5, v.Confidence, 1e-9)

	v = c.Classify(sample(reading.Values{8.5, 400, 250, 800, 1000, 5.0}))
	assert.Equal(t, reading.Safe, v.Label)
}

// TestThresholdConfidenceMonotonic tests that Safe confidence falls as a value nears its band edge.
func TestThresholdConfidenceMonotonic(t *testing.T) {
	t.Parallel()
	c := NewThreshold(DefaultBands(), 0)

	prev := 1.0
	for _, ph := range []float64{7.5, 8.0, 8.3, 8.4, 8.45, 8.5} {
		v := c.Classify(sample(reading.Values{ph, 250, 165, 500, 600, 3.0}))
		require.Equal(t, reading.Safe, v.Label)
		assert.LessOrEqual(t, v.Confidence, prev, "pH %.2f", ph)
		prev = v.Confidence
	}

	prev = 0
	for _, ph := range []float64{8.51, 8.6, 8.7, 9.5} {
		v := c.Classify(sample(reading.Values{ph, 250, 165, 500, 600, 3.0}))
		require.Equal(t, reading.Unsafe, v.Label)
		assert.GreaterOrEqual(t, v.Confidence, prev, "pH %.2f", ph)
		prev = v.Confidence
	}
}

func TestThresholdDeterministic(t *testing.T) {
	t.Parallel()
	c := NewThreshold(DefaultBands(), 0.3)
	r := sample(reading.Values{8.3, 390, 90, 210, 990, 4.9})

	first := c.Classify(r)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, c.Classify(r))
	}
}

func TestBandsValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultBands().Validate())

	b := DefaultBands()
	b[reading.TDS] = Band{Min: 10, Max: 10}
	assert.ErrorContains(t, b.Validate(), "TDS")
}

func TestModelFromFile(t *testing.T) {
	t.Parallel()
	m, err := LoadModel(filepath.Join("testdata", "forest.json"), DefaultBands())
	require.NoError(t, err)
	assert.Equal(t, KindRandomForest, m.Name())

	// tree 1: turbidity <= 5 -> 0.9 safe; tree 2: pH in range -> 0.9 safe
	v := m.Classify(sample(reading.Values{7.2, 250, 165, 500, 600, 3.0}))
	assert.Equal(t, reading.Safe, v.Label)
	assert.InDelta(t, 0.9, v.Confidence, 1e-9)
	assert.True(t, v.Flags.AllSafe())

	// tree 1: 0.95 unsafe; tree 2: 0.9 safe -> mean unsafe 0.525
	v = m.Classify(sample(reading.Values{7.2, 250, 165, 500, 600, 7.0}))
	assert.Equal(t, reading.Unsafe, v.Label)
	assert.InDelta(t, 0.525, v.Confidence, 1e-9)
	assert.False(t, v.Flags[reading.Turbidity])

	again := m.Classify(sample(reading.Values{7.2, 250, 165, 500, 600, 7.0}))
	assert.Equal(t, v, again)
}

func TestLogisticModel(t *testing.T) {
	t.Parallel()
	art := Artifact{
		Kind:     KindLogistic,
		Features: []string{"pH", "Sulphate", "Hardness", "Conductivity", "TDS", "Turbidity"},
		Classes:  []int{0, 1},
		Weights:  []float64{0, 0, 0, 0, 0, -2},
		Bias:     6,
	}
	m, err := NewModel(art, DefaultBands())
	require.NoError(t, err)

	// w.x + b = 0 -> tie goes to Unsafe
	v := m.Classify(sample(reading.Values{7, 250, 165, 500, 600, 3}))
	assert.Equal(t, reading.Unsafe, v.Label)
	assert.InDelta(t, 0.5, v.Confidence, 1e-9)

	v = m.Classify(sample(reading.Values{7, 250, 165, 500, 600, 1}))
	assert.Equal(t, reading.Safe, v.Label)
	assert.Greater(t, v.Confidence, 0.98)
}

// TestModelFeatureOrderEnforced tests that an artifact trained with a different feature order is refused.
func TestModelFeatureOrderEnforced(t *testing.T) {
	t.Parallel()
	art := Artifact{
		Kind:     KindLogistic,
		Features: []string{"Sulphate", "pH", "Hardness", "Conductivity", "TDS", "Turbidity"},
		Classes:  []int{0, 1},
		Weights:  make([]float64, 6),
	}
	_, err := NewModel(art, DefaultBands())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Contains(t, err.Error(), "feature 0")
}

func TestNewFailsFast(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, err := New(Config{Strategy: StrategyModel, ModelPath: filepath.Join(dir, "missing.json")}, DefaultBands())
	assert.ErrorIs(t, err, ErrUnavailable)

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o644))
	_, err = New(Config{Strategy: StrategyModel, ModelPath: corrupt}, DefaultBands())
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = New(Config{Strategy: "oracle"}, DefaultBands())
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = New(Config{Strategy: StrategyModel, ModelPath: "testdata/forest.json", ModelDir: dir}, DefaultBands())
	assert.ErrorIs(t, err, ErrUnavailable, "model outside the model directory")

	c, err := New(Config{}, DefaultBands())
	require.NoError(t, err)
	assert.Equal(t, StrategyThreshold, c.Name())
}

func TestTreeValidateRejectsCycles(t *testing.T) {
	t.Parallel()
	tree := Tree{Nodes: []Node{{Feature: 0, Threshold: 1, Left: 0, Right: 1}, {Value: []float64{1, 0}}}}
	assert.Error(t, tree.validate())
}
