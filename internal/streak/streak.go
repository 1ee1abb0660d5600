// Package streak tracks runs of consecutive Unsafe verdicts and decides when a
// contamination episode has lasted long enough to alert.
//
// A Tracker is owned by the single pipeline consumer and is not safe for
// concurrent use.
package streak

import (
	"errors"
	"fmt"

	"github.com/banshee-data/water.report/internal/reading"
)

// DefaultThreshold is the number of consecutive Unsafe readings that arms an
// alert.
const DefaultThreshold = 5

var ErrOutOfOrder = errors.New("verdict out of sequence order")

// State is the tracker's position in the episode state machine.
type State int

const (
	Idle State = iota
	Streaking
	Armed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Streaking:
		return "streaking"
	case Armed:
		return "armed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = Idle
	case "streaking":
		*s = Streaking
	case "armed":
		*s = Armed
	default:
		return fmt.Errorf("unknown streak state %q", text)
	}
	return nil
}

// Snapshot is a copy of the tracker state for publication.
type Snapshot struct {
	State             State  `json:"state"`
	ConsecutiveUnsafe int    `json:"consecutiveUnsafe"`
	AlertArmed        bool   `json:"alertArmed"`
	Threshold         int    `json:"threshold"`
	Episodes          uint64 `json:"episodes"`
	LastSequenceID    uint64 `json:"lastSequenceId"`
}

// Transition describes the effect of one verdict.
type Transition struct {
	From, To State
	// Triggered is true only on the step that moves the tracker into Armed.
	// It is the single point at which an alert is dispatched.
	Triggered bool
	Snapshot  Snapshot
}

type Tracker struct {
	threshold   int
	state       State
	consecutive int
	episodes    uint64
	lastSeq     uint64
}

// New returns an idle tracker. Thresholds below 1 use DefaultThreshold.
func New(threshold int) *Tracker {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	return &Tracker{threshold: threshold}
}

// Observe applies the verdict label for reading seq. Sequence ids must be
// strictly increasing; an out of order id is rejected and leaves the state
// unchanged.
func (t *Tracker) Observe(seq uint64, label reading.Label) (Transition, error) {
	if seq <= t.lastSeq {
		return Transition{From: t.state, To: t.state, Snapshot: t.Snapshot()},
			fmt.Errorf("%w: got %d after %d", ErrOutOfOrder, seq, t.lastSeq)
	}
	t.lastSeq = seq

	from := t.state
	triggered := false

	if label == reading.Safe {
		t.state = Idle
		t.consecutive = 0
	} else {
		t.consecutive++
		switch {
		case t.state == Armed:
			// counts for display only
		case t.consecutive >= t.threshold:
			t.state = Armed
			t.episodes++
			triggered = true
		default:
			t.state = Streaking
		}
	}

	return Transition{From: from, To: t.state, Triggered: triggered, Snapshot: t.Snapshot()}, nil
}

// Reset returns the tracker to Idle without touching the sequence position.
func (t *Tracker) Reset() Snapshot {
	t.state = Idle
	t.consecutive = 0
	return t.Snapshot()
}

func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		State:             t.state,
		ConsecutiveUnsafe: t.consecutive,
		AlertArmed:        t.state == Armed,
		Threshold:         t.threshold,
		Episodes:          t.episodes,
		LastSequenceID:    t.lastSeq,
	}
}

func (t *Tracker) Threshold() int { return t.threshold }
