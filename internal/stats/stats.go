// Package stats keeps the running totals shown on the dashboard.
package stats

import "github.com/banshee-data/water.report/internal/reading"

// Snapshot is a copy of the aggregate counters.
type Snapshot struct {
	Total  uint64 `json:"totalSamples"`
	Safe   uint64 `json:"safeCount"`
	Unsafe uint64 `json:"unsafeCount"`
}

// SafeRatioPercent returns the share of Safe readings, 0 when nothing has
// been seen yet.
func (s Snapshot) SafeRatioPercent() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Safe) * 100 / float64(s.Total)
}

// Aggregator counts verdicts. Counters only ever increase. It is owned by the
// pipeline consumer and is not safe for concurrent use.
type Aggregator struct {
	snap Snapshot
}

func (a *Aggregator) Add(label reading.Label) Snapshot {
	a.snap.Total++
	if label == reading.Safe {
		a.snap.Safe++
	} else {
		a.snap.Unsafe++
	}
	return a.snap
}

func (a *Aggregator) Snapshot() Snapshot { return a.snap }
