// Package hub fans pipeline events out to viewer sessions.
//
// Every subscriber owns a bounded queue. Publish never blocks: a subscriber
// whose queue is full is either disconnected or loses its oldest queued
// event, depending on the configured policy. Because publication happens
// under a single lock, all subscribers observe events in the same order.
package hub

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/banshee-data/water.report/internal/metrics"
	"github.com/banshee-data/water.report/internal/reading"
)

var (
	ErrClosed       = errors.New("hub closed")
	ErrBackpressure = errors.New("subscriber queue overflow")
)

// DefaultQueueSize is the per-subscriber queue length.
const DefaultQueueSize = 64

// Policy decides what happens when a subscriber's queue is full.
type Policy int

const (
	// Disconnect closes the subscription.
	Disconnect Policy = iota
	// DropOldest discards the oldest queued event to make room.
	DropOldest
)

// ParsePolicy accepts "disconnect" and "drop_oldest".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "disconnect":
		return Disconnect, nil
	case "drop_oldest":
		return DropOldest, nil
	default:
		return Disconnect, fmt.Errorf("unknown overflow policy %q", s)
	}
}

func (p Policy) String() string {
	if p == DropOldest {
		return "drop_oldest"
	}
	return "disconnect"
}

// Subscription is one viewer session's view of the event stream.
type Subscription struct {
	ID string
	// C is closed when the subscription ends.
	C <-chan Event

	ch      chan Event
	evicted atomic.Bool
	dropped atomic.Uint64
}

// Err returns ErrBackpressure if the hub disconnected this subscriber because
// it fell behind.
func (s *Subscription) Err() error {
	if s.evicted.Load() {
		return ErrBackpressure
	}
	return nil
}

// Dropped returns the number of events discarded under DropOldest.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

type Hub struct {
	mu      sync.Mutex
	subs    map[string]*Subscription
	closed  bool
	last    Event
	sources map[reading.Source]SourceStatus

	queueSize int
	policy    Policy
	log       *zap.Logger
	metrics   *metrics.Pipeline
}

type Option func(*Hub)

func WithQueueSize(n int) Option { return func(h *Hub) { h.queueSize = n } }

func WithPolicy(p Policy) Option { return func(h *Hub) { h.policy = p } }

func WithLogger(l *zap.Logger) Option { return func(h *Hub) { h.log = l } }

func WithMetrics(m *metrics.Pipeline) Option { return func(h *Hub) { h.metrics = m } }

func New(opts ...Option) *Hub {
	h := &Hub{
		subs:      make(map[string]*Subscription),
		sources:   make(map[reading.Source]SourceStatus),
		queueSize: DefaultQueueSize,
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(h)
	}
	if h.queueSize < 1 {
		h.queueSize = DefaultQueueSize
	}
	return h
}

// Subscribe registers a new session. The first event on the returned
// channel is a snapshot of the current state; after that the session only
// sees events published after it subscribed.
func (h *Hub) Subscribe() (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	ch := make(chan Event, h.queueSize)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}
	ch <- h.snapshotLocked()
	h.subs[sub.ID] = sub
	h.metrics.SetSubscribers(len(h.subs))
	h.log.Debug("viewer subscribed", zap.String("session", sub.ID))
	return sub, nil
}

// Unsubscribe ends a session. It is safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscription) {
	if _, ok := h.subs[sub.ID]; !ok {
		return
	}
	delete(h.subs, sub.ID)
	close(sub.ch)
	h.metrics.SetSubscribers(len(h.subs))
}

// Publish delivers ev to every current subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.applyLocked(ev)

	for _, sub := range h.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		if h.policy == DropOldest {
			select {
			case <-sub.ch:
				sub.dropped.Add(1)
				h.metrics.IncHubDropped("drop_oldest")
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				sub.dropped.Add(1)
			}
			continue
		}

		sub.evicted.Store(true)
		h.removeLocked(sub)
		h.metrics.IncHubDropped("disconnect")
		h.log.Warn("disconnecting slow viewer", zap.String("session", sub.ID), zap.Int("queue", h.queueSize))
	}
}

// applyLocked folds ev into the state used for snapshots.
func (h *Hub) applyLocked(ev Event) {
	switch ev.Type {
	case EventReading:
		h.last = ev
	case EventStreakReset:
		h.last.ConsecutiveUnsafe = ev.ConsecutiveUnsafe
		h.last.AlertArmed = ev.AlertArmed
	case EventSourceStatus:
		for _, s := range ev.Sources {
			h.sources[s.Source] = s
		}
	}
}

func (h *Hub) snapshotLocked() Event {
	snap := h.last
	snap.Type = EventSnapshot
	snap.Alert = nil
	snap.Sources = make([]SourceStatus, 0, len(h.sources))
	for _, s := range h.sources {
		snap.Sources = append(snap.Sources, s)
	}
	sort.Slice(snap.Sources, func(i, j int) bool { return snap.Sources[i].Source < snap.Sources[j].Source })
	return snap
}

// Snapshot returns the state a new subscriber would receive.
func (h *Hub) Snapshot() Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

// SetInitial seeds the snapshot state before any reading has been published.
func (h *Hub) SetInitial(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = ev
}

// Subscribers returns the number of connected sessions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription. Later Subscribe calls return ErrClosed and
// Publish becomes a no-op.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, sub := range h.subs {
		h.removeLocked(sub)
	}
}
