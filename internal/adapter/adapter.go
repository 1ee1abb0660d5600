// Package adapter contains the ingestion sources. Each adapter owns one
// transport, turns whatever arrives on it into raw payloads and hands them to
// the pipeline. Adapters run in their own goroutines and stop when their
// context is cancelled; a failing transport never affects the others.
package adapter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/water.report/internal/metrics"
	"github.com/banshee-data/water.report/internal/normalize"
	"github.com/banshee-data/water.report/internal/reading"
	"github.com/banshee-data/water.report/internal/timeutil"
)

// ErrTransport wraps failures of an adapter's underlying connection.
var ErrTransport = errors.New("transport failure")

// DefaultReconnectDelay is how long an adapter waits before reconnecting
// after a transport failure.
const DefaultReconnectDelay = 2 * time.Second

// Ingester accepts raw payloads. The pipeline implements it.
type Ingester interface {
	Ingest(ctx context.Context, raw []byte, src reading.Source, window *normalize.DedupWindow) (reading.Reading, error)
}

// Adapter is one ingestion source.
type Adapter interface {
	Name() string
	Source() reading.Source
	// Run feeds payloads to in until ctx is done. Transport failures are
	// retried internally; Run only returns early on misconfiguration.
	Run(ctx context.Context, in Ingester) error
}

// Health is the externally visible state of one adapter.
type Health struct {
	Name      string         `json:"name"`
	Source    reading.Source `json:"source"`
	Connected bool           `json:"connected"`
	LastError string         `json:"lastError,omitempty"`
	Accepted  uint64         `json:"accepted"`
	Rejected  uint64         `json:"rejected"`
}

// Reporter is implemented by adapters that expose Health.
type Reporter interface {
	Health() Health
}

// Option configures the ambient dependencies shared by every adapter.
type Option func(*base)

func WithClock(c timeutil.Clock) Option { return func(b *base) { b.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(b *base) { b.log = l } }

func WithMetrics(m *metrics.Pipeline) Option { return func(b *base) { b.metrics = m } }

// WithReconnectDelay sets the wait between reconnection attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(b *base) {
		if d > 0 {
			b.reconnectDelay = d
		}
	}
}

// WithDedup gives the adapter its own duplicate suppression window.
func WithDedup(w *normalize.DedupWindow) Option { return func(b *base) { b.window = w } }

// base carries the plumbing every adapter needs.
type base struct {
	name   string
	source reading.Source

	clock          timeutil.Clock
	log            *zap.Logger
	metrics        *metrics.Pipeline
	reconnectDelay time.Duration
	window         *normalize.DedupWindow

	connected atomic.Bool
	accepted  atomic.Uint64
	rejected  atomic.Uint64
	errMu     sync.Mutex
	lastErr   string
}

func (b *base) init(name string, src reading.Source, opts []Option) {
	b.name = name
	b.source = src
	b.clock = timeutil.RealClock{}
	b.log = zap.NewNop()
	b.reconnectDelay = DefaultReconnectDelay
	for _, o := range opts {
		o(b)
	}
	b.log = b.log.With(zap.String("adapter", name))
}

func (b *base) Name() string { return b.name }

func (b *base) Source() reading.Source { return b.source }

func (b *base) Health() Health {
	b.errMu.Lock()
	lastErr := b.lastErr
	b.errMu.Unlock()
	return Health{
		Name:      b.name,
		Source:    b.source,
		Connected: b.connected.Load(),
		LastError: lastErr,
		Accepted:  b.accepted.Load(),
		Rejected:  b.rejected.Load(),
	}
}

func (b *base) up() {
	if !b.connected.Swap(true) {
		b.log.Info("adapter connected")
	}
	b.metrics.SetAdapterUp(b.name, true)
}

func (b *base) down(err error) {
	if err != nil {
		b.errMu.Lock()
		b.lastErr = err.Error()
		b.errMu.Unlock()
	}
	if b.connected.Swap(false) {
		b.log.Warn("adapter disconnected", zap.Error(err))
	}
	b.metrics.SetAdapterUp(b.name, false)
}

// submit hands raw to the pipeline. Rejections are counted and logged but are
// never fatal to the adapter.
func (b *base) submit(ctx context.Context, in Ingester, raw []byte) (reading.Reading, error) {
	r, err := in.Ingest(ctx, raw, b.source, b.window)
	if err != nil {
		b.rejected.Add(1)
		switch {
		case errors.Is(err, normalize.ErrDuplicate):
			b.log.Debug("duplicate payload dropped")
		case errors.Is(err, normalize.ErrMalformed):
			b.log.Warn("malformed payload rejected", zap.Error(err), zap.ByteString("payload", truncate(raw)))
		default:
			b.log.Warn("payload not accepted", zap.Error(err))
		}
		return r, err
	}
	b.accepted.Add(1)
	return r, nil
}

// wait sleeps for the reconnect delay or until ctx is done.
func (b *base) wait(ctx context.Context) error {
	select {
	case <-b.clock.After(b.reconnectDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(raw []byte) []byte {
	const max = 256
	if len(raw) > max {
		return raw[:max]
	}
	return raw
}

// Group runs a set of adapters against one Ingester.
type Group struct {
	log      *zap.Logger
	adapters []Adapter
	wg       sync.WaitGroup
}

func NewGroup(log *zap.Logger) *Group {
	if log == nil {
		log = zap.NewNop()
	}
	return &Group{log: log}
}

func (g *Group) Add(a Adapter) { g.adapters = append(g.adapters, a) }

// Start launches every adapter in its own goroutine, feeding in. An adapter
// that returns an error is logged and left stopped; the others keep running.
func (g *Group) Start(ctx context.Context, in Ingester) {
	for _, a := range g.adapters {
		g.wg.Add(1)
		go func(a Adapter) {
			defer g.wg.Done()
			g.log.Info("starting adapter", zap.String("adapter", a.Name()), zap.String("source", string(a.Source())))
			err := a.Run(ctx, in)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
				g.log.Info("adapter stopped", zap.String("adapter", a.Name()))
			default:
				g.log.Error("adapter failed", zap.String("adapter", a.Name()), zap.Error(err))
			}
		}(a)
	}
}

// Wait blocks until every adapter has returned.
func (g *Group) Wait() { g.wg.Wait() }

// Health reports every adapter that exposes it, sorted by name.
func (g *Group) Health() []Health {
	out := make([]Health, 0, len(g.adapters))
	for _, a := range g.adapters {
		if r, ok := a.(Reporter); ok {
			out = append(out, r.Health())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Sources lists the distinct sources of the group's adapters.
func (g *Group) Sources() []reading.Source {
	seen := make(map[reading.Source]bool)
	var out []reading.Source
	for _, a := range g.adapters {
		if !seen[a.Source()] {
			seen[a.Source()] = true
			out = append(out, a.Source())
		}
	}
	return out
}

// Ack is the per-payload response of the push adapters.
type Ack struct {
	Accepted   bool   `json:"accepted"`
	Success    bool   `json:"success"`
	SequenceID uint64 `json:"sequenceId,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Field      string `json:"field,omitempty"`
	Error      string `json:"error,omitempty"`
}

func ackFor(r reading.Reading, err error) Ack {
	if err == nil {
		return Ack{Accepted: true, Success: true, SequenceID: r.SequenceID}
	}
	a := Ack{Error: err.Error(), Reason: "unavailable"}
	var rej *normalize.RejectError
	switch {
	case errors.As(err, &rej):
		a.Reason = "malformed"
		a.Field = rej.Field
	case errors.Is(err, normalize.ErrMalformed):
		a.Reason = "malformed"
	case errors.Is(err, normalize.ErrDuplicate):
		a.Reason = "duplicate"
	}
	return a
}
