// Package normalize turns raw adapter payloads into Readings. The Normalizer is
// the single serialization point of the pipeline: it owns the sequence counter
// and hands accepted readings downstream in strictly increasing id order.
package normalize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/banshee-data/water.report/internal/metrics"
	"github.com/banshee-data/water.report/internal/reading"
	"github.com/banshee-data/water.report/internal/timeutil"
)

var (
	ErrMalformed = errors.New("malformed payload")
	ErrDuplicate = errors.New("duplicate payload")
	ErrClosed    = errors.New("normalizer closed")
)

// RejectError describes why a payload was malformed. It matches ErrMalformed
// with errors.Is.
type RejectError struct {
	Field  string
	Reason string
}

func (e *RejectError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed payload: %s", e.Reason)
	}
	return fmt.Sprintf("malformed payload: %s: %s", e.Field, e.Reason)
}

func (e *RejectError) Unwrap() error { return ErrMalformed }

// Sink receives every accepted Reading. It is called with the sequence lock
// held, so readings reach the sink in id order. Returning an error rejects the
// reading and its id is not consumed.
type Sink func(ctx context.Context, r reading.Reading) error

// Counters is a point-in-time copy of the normalizer's totals.
type Counters struct {
	Accepted  uint64 `json:"accepted"`
	Malformed uint64 `json:"malformed"`
	Duplicate uint64 `json:"duplicate"`
}

type Normalizer struct {
	mu     sync.Mutex
	lastID uint64
	closed bool
	sink   Sink

	clock   timeutil.Clock
	log     *zap.Logger
	metrics *metrics.Pipeline

	accepted  atomic.Uint64
	malformed atomic.Uint64
	duplicate atomic.Uint64
}

type Option func(*Normalizer)

func WithClock(c timeutil.Clock) Option { return func(n *Normalizer) { n.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(n *Normalizer) { n.log = l } }

func WithMetrics(m *metrics.Pipeline) Option { return func(n *Normalizer) { n.metrics = m } }

// New creates a Normalizer forwarding accepted readings to sink. A nil sink
// accepts everything.
func New(sink Sink, opts ...Option) *Normalizer {
	n := &Normalizer{
		sink:  sink,
		clock: timeutil.RealClock{},
		log:   zap.NewNop(),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Normalize validates raw and, if it is new and well formed, assigns it the
// next sequence id and forwards it to the sink.
//
// The dedup window, when non-nil, is consulted before any parsing. Duplicates
// return ErrDuplicate and malformed payloads return a *RejectError; neither
// consumes a sequence id. Only accepted payloads stay in the window, so a
// resent malformed payload is reported as malformed again.
func (n *Normalizer) Normalize(ctx context.Context, raw []byte, src reading.Source, window *DedupWindow) (reading.Reading, error) {
	now := n.clock.Now()

	var fp uint64
	if window != nil {
		fp = window.Fingerprint(raw, now)
		if window.Seen(fp) {
			n.duplicate.Add(1)
			n.metrics.IncRejected(string(src), "duplicate")
			return reading.Reading{}, ErrDuplicate
		}
	}

	values, err := Parse(raw)
	if err != nil {
		if window != nil {
			window.Forget(fp)
		}
		n.malformed.Add(1)
		n.metrics.IncRejected(string(src), "malformed")
		n.log.Debug("rejected payload", zap.String("source", string(src)), zap.Error(err))
		return reading.Reading{}, err
	}

	r, err := n.commit(ctx, reading.Reading{Source: src, Values: values, ObservedAt: now})
	if err != nil {
		if window != nil {
			window.Forget(fp)
		}
		return reading.Reading{}, err
	}
	if window != nil {
		window.Commit(fp)
	}
	n.accepted.Add(1)
	n.metrics.IncReading(string(src))
	return r, nil
}

// commit assigns the next id and hands the reading to the sink under the
// sequence lock. The id is only consumed if the sink accepts the reading.
func (n *Normalizer) commit(ctx context.Context, r reading.Reading) (reading.Reading, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return reading.Reading{}, ErrClosed
	}
	r.SequenceID = n.lastID + 1
	if n.sink != nil {
		if err := n.sink(ctx, r); err != nil {
			return reading.Reading{}, fmt.Errorf("forward reading %d: %w", r.SequenceID, err)
		}
	}
	n.lastID = r.SequenceID
	return r, nil
}

// Close stops the normalizer. It waits for an in-flight hand-off to finish;
// later calls to Normalize return ErrClosed.
func (n *Normalizer) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	n.sink = nil
}

// LastID returns the most recently assigned sequence id.
func (n *Normalizer) LastID() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastID
}

func (n *Normalizer) Counters() Counters {
	return Counters{
		Accepted:  n.accepted.Load(),
		Malformed: n.malformed.Load(),
		Duplicate: n.duplicate.Load(),
	}
}

// Parse decodes a flat JSON object into sensor values. Unknown keys are
// ignored. Each sensor key must hold a finite number, either as a JSON number
// or a numeric string.
func Parse(raw []byte) (reading.Values, error) {
	var values reading.Values

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return values, &RejectError{Reason: "empty payload"}
	}
	if trimmed[0] != '{' {
		return values, &RejectError{Reason: "not a JSON object"}
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return values, &RejectError{Reason: err.Error()}
	}

	for _, s := range reading.Sensors {
		name := s.String()
		v, ok := obj[name]
		if !ok {
			return values, &RejectError{Field: name, Reason: "missing"}
		}
		x, err := toFloat(v)
		if err != nil {
			return values, &RejectError{Field: name, Reason: err.Error()}
		}
		values[s] = x
	}
	return values, nil
}

func toFloat(v any) (float64, error) {
	var x float64
	var err error
	switch t := v.(type) {
	case json.Number:
		x, err = strconv.ParseFloat(t.String(), 64)
	case string:
		x, err = strconv.ParseFloat(strings.TrimSpace(t), 64)
	case nil:
		return 0, errors.New("null")
	default:
		return 0, fmt.Errorf("non-numeric %T", v)
	}
	if err != nil {
		return 0, errors.New("non-numeric")
	}
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, errors.New("not finite")
	}
	return x, nil
}
