package hub

import (
	"time"

	"github.com/banshee-data/water.report/internal/reading"
	"github.com/banshee-data/water.report/internal/stats"
	"github.com/banshee-data/water.report/internal/streak"
)

// EventType names the kind of message sent to viewers.
type EventType string

const (
	// EventReading carries one classified reading.
	EventReading EventType = "reading"
	// EventSnapshot is the first event every subscriber receives.
	EventSnapshot EventType = "snapshot"
	// EventAlertSent reports the outcome of a contamination alert.
	EventAlertSent EventType = "alert_sent"
	// EventSourceStatus reports an ingestion source going active or inactive.
	EventSourceStatus EventType = "source_status"
	// EventStreakReset reports an operator reset of the streak.
	EventStreakReset EventType = "streak_reset"
)

// SourceStatus is the liveness of one ingestion source.
type SourceStatus struct {
	Source   reading.Source `json:"source"`
	Active   bool           `json:"active"`
	LastSeen time.Time      `json:"lastSeen,omitzero"`
}

// AlertInfo describes a dispatched alert.
type AlertInfo struct {
	ID         string `json:"id"`
	SequenceID uint64 `json:"sequenceId"`
	Sent       bool   `json:"sent"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
}

// Event is the wire message delivered to viewers. Reading events fill every
// reading field; the counters are always the values current at publication.
type Event struct {
	Type       EventType       `json:"type"`
	SequenceID uint64          `json:"sequenceId,omitempty"`
	Label      string          `json:"label,omitempty"`
	Confidence float64         `json:"confidence,omitempty"` // percent, 0..100
	Values     *reading.Values `json:"sensorValues,omitempty"`
	Flags      *reading.Flags  `json:"perSensorFlags,omitempty"`
	Source     reading.Source  `json:"source,omitempty"`
	ObservedAt time.Time       `json:"observedAt,omitzero"`

	ConsecutiveUnsafe int     `json:"consecutiveUnsafe"`
	AlertArmed        bool    `json:"alertArmed"`
	Threshold         int     `json:"threshold,omitempty"`
	TotalSamples      uint64  `json:"totalSamples"`
	SafeCount         uint64  `json:"safeCount"`
	UnsafeCount       uint64  `json:"unsafeCount"`
	SafeRatioPercent  float64 `json:"safeRatioPercent"`

	Sources []SourceStatus `json:"sources,omitempty"`
	Alert   *AlertInfo     `json:"alert,omitempty"`
}

// WithState copies the streak and aggregate counters into the event.
func (e Event) WithState(s streak.Snapshot, agg stats.Snapshot) Event {
	e.ConsecutiveUnsafe = s.ConsecutiveUnsafe
	e.AlertArmed = s.AlertArmed
	e.Threshold = s.Threshold
	e.TotalSamples = agg.Total
	e.SafeCount = agg.Safe
	e.UnsafeCount = agg.Unsafe
	e.SafeRatioPercent = agg.SafeRatioPercent()
	return e
}

// ReadingEvent builds the event for a classified reading.
func ReadingEvent(r reading.Reading, v reading.Verdict, s streak.Snapshot, agg stats.Snapshot) Event {
	return Event{
		Type:       EventReading,
		SequenceID: r.SequenceID,
		Label:      v.Label.String(),
		Confidence: v.Confidence * 100,
		Values:     &r.Values,
		Flags:      &v.Flags,
		Source:     r.Source,
		ObservedAt: r.ObservedAt,
	}.WithState(s, agg)
}
