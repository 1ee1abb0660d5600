package streak

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/water.report/internal/reading"
)

const (
	S = reading.Safe
	U = reading.Unsafe
)

// feed runs labels through a fresh sequence and returns the ids that triggered.
func feed(t *testing.T, tr *Tracker, start uint64, labels ...reading.Label) (triggers []uint64, next uint64) {
	t.Helper()
	seq := start
	for _, l := range labels {
		tr2, err := tr.Observe(seq, l)
		require.NoError(t, err)
		if tr2.Triggered {
			triggers = append(triggers, seq)
		}
		seq++
	}
	return triggers, seq
}

// TestTriggersOnThresholdOnly tests that Safe, Unsafe x4, Unsafe, Unsafe alerts once on the fifth Unsafe.
func TestTriggersOnThresholdOnly(t *testing.T) {
	t.Parallel()
	tr := New(5)

	triggers, _ := feed(t, tr, 1, S, U, U, U, U, U, U)
	assert.Equal(t, []uint64{6}, triggers)

	snap := tr.Snapshot()
	assert.Equal(t, Armed, snap.State)
	assert.Equal(t, 6, snap.ConsecutiveUnsafe)
	assert.True(t, snap.AlertArmed)
	assert.Equal(t, uint64(1), snap.Episodes)
}

// TestSafeStartsNewEpisode tests that a Safe verdict re-enables alerting.
func TestSafeStartsNewEpisode(t *testing.T) {
	t.Parallel()
	tr := New(5)

	first, next := feed(t, tr, 1, U, U, U, U, U)
	assert.Equal(t, []uint64{5}, first)

	second, _ := feed(t, tr, next, S, U, U, U, U, U)
	assert.Equal(t, []uint64{11}, second)
	assert.Equal(t, uint64(2), tr.Snapshot().Episodes)
}

// TestLongEpisodeAlertsOnce tests that an episode without an intervening Safe yields at most one alert.
func TestLongEpisodeAlertsOnce(t *testing.T) {
	t.Parallel()
	tr := New(5)

	labels := make([]reading.Label, 100)
	for i := range labels {
		labels[i] = U
	}
	triggers, _ := feed(t, tr, 1, labels...)
	assert.Len(t, triggers, 1)
	assert.Equal(t, 100, tr.Snapshot().ConsecutiveUnsafe)
}

func TestInterruptedStreakNeverArms(t *testing.T) {
	t.Parallel()
	tr := New(3)
	triggers, _ := feed(t, tr, 1, U, U, S, U, U, S, U)
	assert.Empty(t, triggers)
	assert.Equal(t, Streaking, tr.Snapshot().State)
	assert.Equal(t, 1, tr.Snapshot().ConsecutiveUnsafe)
}

func TestThresholdOne(t *testing.T) {
	t.Parallel()
	tr := New(1)

	res, err := tr.Observe(1, U)
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Equal(t, Idle, res.From)
	assert.Equal(t, Armed, res.To)

	res, err = tr.Observe(2, U)
	require.NoError(t, err)
	assert.False(t, res.Triggered)
}

func TestOutOfOrderRejected(t *testing.T) {
	t.Parallel()
	tr := New(2)

	_, err := tr.Observe(5, U)
	require.NoError(t, err)

	res, err := tr.Observe(5, U)
	require.ErrorIs(t, err, ErrOutOfOrder)
	assert.False(t, res.Triggered)

	_, err = tr.Observe(3, U)
	require.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, 1, tr.Snapshot().ConsecutiveUnsafe, "rejected verdicts do not count")

	// gaps are fine
	res, err = tr.Observe(9, U)
	require.NoError(t, err)
	assert.True(t, res.Triggered)
}

func TestReset(t *testing.T) {
	t.Parallel()
	tr := New(2)
	feed(t, tr, 1, U, U)
	require.Equal(t, Armed, tr.Snapshot().State)

	snap := tr.Reset()
	assert.Equal(t, Idle, snap.State)
	assert.Zero(t, snap.ConsecutiveUnsafe)
	assert.Equal(t, uint64(2), snap.LastSequenceID)

	triggers, _ := feed(t, tr, 3, U, U)
	assert.Equal(t, []uint64{4}, triggers)
}

func TestDefaultThreshold(t *testing.T) {
	t.Parallel()
	assert.Equal(t, DefaultThreshold, New(0).Threshold())
	assert.Equal(t, "armed", Armed.String())
}

func TestSnapshotJSON(t *testing.T) {
	snap := Snapshot{State: Armed, ConsecutiveUnsafe: 6, AlertArmed: true, Threshold: 5, Episodes: 1, LastSequenceID: 40}
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"armed"`)

	var got Snapshot
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, snap, got)

	assert.Error(t, json.Unmarshal([]byte(`{"state":"panicking"}`), &got))
}
