package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/water.report/internal/reading"
)

func TestAggregator(t *testing.T) {
	var a Aggregator
	assert.Zero(t, a.Snapshot().SafeRatioPercent())

	a.Add(reading.Safe)
	a.Add(reading.Safe)
	a.Add(reading.Safe)
	snap := a.Add(reading.Unsafe)

	assert.Equal(t, Snapshot{Total: 4, Safe: 3, Unsafe: 1}, snap)
	assert.InDelta(t, 75.0, snap.SafeRatioPercent(), 1e-9)
	assert.Equal(t, snap, a.Snapshot())
}
