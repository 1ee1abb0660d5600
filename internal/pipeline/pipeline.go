// Package pipeline connects the normalizer to the classifier, streak tracker,
// alert dispatcher, aggregate counters and broadcast hub.
//
// Adapters call Ingest from any goroutine. Accepted readings pass through a
// single funnel channel to the consumer started by Run, which is the only
// goroutine that touches the streak and aggregate state. Readings therefore
// reach the tracker and the hub in sequence id order.
package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/water.report/internal/alert"
	"github.com/banshee-data/water.report/internal/classify"
	"github.com/banshee-data/water.report/internal/hub"
	"github.com/banshee-data/water.report/internal/metrics"
	"github.com/banshee-data/water.report/internal/normalize"
	"github.com/banshee-data/water.report/internal/reading"
	"github.com/banshee-data/water.report/internal/stats"
	"github.com/banshee-data/water.report/internal/streak"
	"github.com/banshee-data/water.report/internal/timeutil"
)

// ErrStopped is returned by Ingest and ResetStreak once the consumer has
// exited.
var ErrStopped = errors.New("pipeline stopped")

// DefaultFunnelSize is the number of normalized readings that may wait for
// the consumer before producers block.
const DefaultFunnelSize = 256

// Alerter is notified when a streak first arms. It must not block.
type Alerter interface {
	OnStreakArmed(r reading.Reading, v reading.Verdict, s streak.Snapshot) bool
}

// Publisher receives every event the pipeline produces.
type Publisher interface {
	Publish(ev hub.Event)
}

// Status is a point-in-time view of the pipeline for the status endpoint.
type Status struct {
	Classifier  string             `json:"classifier"`
	Streak      streak.Snapshot    `json:"streak"`
	Stats       stats.Snapshot     `json:"stats"`
	Sources     []hub.SourceStatus `json:"sources"`
	Counters    normalize.Counters `json:"counters"`
	LastVerdict *reading.Verdict   `json:"lastVerdict,omitempty"`
	// AlertDelivered is true once the alert for the current episode has
	// been delivered. It clears when the episode ends or is reset.
	AlertDelivered bool `json:"alertDelivered"`
}

type Config struct {
	// Threshold is the number of consecutive Unsafe verdicts that arms an
	// alert.
	Threshold int
	// FunnelSize bounds the channel between the normalizer and the consumer.
	FunnelSize int
	// ExpectedInterval is how long a source may stay silent before it is
	// reported inactive. Zero disables liveness tracking.
	ExpectedInterval time.Duration
	// Sources are reported in status events from the start, inactive until
	// their first reading.
	Sources []reading.Source
}

type Pipeline struct {
	norm       *normalize.Normalizer
	classifier classify.Classifier
	tracker    *streak.Tracker
	agg        stats.Aggregator
	alerter    Alerter
	pub        Publisher

	funnel   chan reading.Reading
	control  chan controlRequest
	done     chan struct{}
	doneOnce sync.Once

	closeMu sync.Mutex
	closed  bool

	interval time.Duration
	liveness map[reading.Source]*hub.SourceStatus

	statusMu sync.RWMutex
	status   Status

	clock   timeutil.Clock
	log     *zap.Logger
	metrics *metrics.Pipeline
}

type controlRequest struct {
	reply chan streak.Snapshot
}

type Option func(*Pipeline)

func WithAlerter(a Alerter) Option { return func(p *Pipeline) { p.alerter = a } }

func WithPublisher(pub Publisher) Option { return func(p *Pipeline) { p.pub = pub } }

func WithClock(c timeutil.Clock) Option { return func(p *Pipeline) { p.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(p *Pipeline) { p.log = l } }

func WithMetrics(m *metrics.Pipeline) Option { return func(p *Pipeline) { p.metrics = m } }

// New builds a pipeline around classifier. Run must be called for readings
// to flow.
func New(cfg Config, classifier classify.Classifier, opts ...Option) *Pipeline {
	if cfg.FunnelSize < 1 {
		cfg.FunnelSize = DefaultFunnelSize
	}
	p := &Pipeline{
		classifier: classifier,
		tracker:    streak.New(cfg.Threshold),
		funnel:     make(chan reading.Reading, cfg.FunnelSize),
		control:    make(chan controlRequest),
		done:       make(chan struct{}),
		interval:   cfg.ExpectedInterval,
		liveness:   make(map[reading.Source]*hub.SourceStatus),
		clock:      timeutil.RealClock{},
		log:        zap.NewNop(),
	}
	for _, o := range opts {
		o(p)
	}
	for _, src := range cfg.Sources {
		p.liveness[src] = &hub.SourceStatus{Source: src}
	}
	p.norm = normalize.New(p.forward,
		normalize.WithClock(p.clock),
		normalize.WithLogger(p.log.Named("normalize")),
		normalize.WithMetrics(p.metrics),
	)
	p.status = Status{
		Classifier: classifier.Name(),
		Streak:     p.tracker.Snapshot(),
		Sources:    p.sourcesLocked(),
	}
	return p
}

// Ingest normalizes raw and queues it for classification. It is safe for
// concurrent use by any number of adapters. window may be nil to disable
// duplicate suppression.
func (p *Pipeline) Ingest(ctx context.Context, raw []byte, src reading.Source, window *normalize.DedupWindow) (reading.Reading, error) {
	return p.norm.Normalize(ctx, raw, src, window)
}

// forward is the normalizer sink. It runs under the sequence lock, so the
// funnel receives readings in id order.
func (p *Pipeline) forward(ctx context.Context, r reading.Reading) error {
	select {
	case <-p.done:
		return ErrStopped
	default:
	}
	select {
	case p.funnel <- r:
		return nil
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InitialEvent is the snapshot state a viewer sees before the first reading.
// It must be called before Run.
func (p *Pipeline) InitialEvent() hub.Event {
	return hub.Event{Type: hub.EventSnapshot}.WithState(p.tracker.Snapshot(), p.agg.Snapshot())
}

// Run consumes the funnel until Close has been called and every queued
// reading is processed, or until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.doneOnce.Do(func() { close(p.done) })

	var tick <-chan time.Time
	if p.interval > 0 {
		p.publishSources()
		ticker := p.clock.NewTicker(p.livenessPeriod())
		defer ticker.Stop()
		tick = ticker.C()
	}

	for {
		select {
		case r, ok := <-p.funnel:
			if !ok {
				p.log.Info("pipeline drained", zap.Uint64("last_sequence_id", p.tracker.Snapshot().LastSequenceID))
				return nil
			}
			p.process(r)
		case req := <-p.control:
			drained := p.drainPending()
			req.reply <- p.resetStreak()
			if drained {
				return nil
			}
		case now := <-tick:
			p.checkLiveness(now)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drainPending processes readings already in the funnel so that a control
// request is applied after every reading accepted before it. It reports
// whether the funnel was closed.
func (p *Pipeline) drainPending() bool {
	for {
		select {
		case r, ok := <-p.funnel:
			if !ok {
				return true
			}
			p.process(r)
		default:
			return false
		}
	}
}

// Close stops accepting readings. Readings already normalized are still
// processed by Run before it returns.
func (p *Pipeline) Close() {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	// the normalizer waits for an in-flight hand-off, after which nothing
	// else writes to the funnel
	p.norm.Close()
	close(p.funnel)
}

// Done is closed when Run returns.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// ResetStreak clears the current streak inside the consumer, so it is
// ordered with respect to readings.
func (p *Pipeline) ResetStreak(ctx context.Context) (streak.Snapshot, error) {
	req := controlRequest{reply: make(chan streak.Snapshot, 1)}
	select {
	case p.control <- req:
	case <-p.done:
		return streak.Snapshot{}, ErrStopped
	case <-ctx.Done():
		return streak.Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-req.reply:
		return snap, nil
	case <-ctx.Done():
		return streak.Snapshot{}, ctx.Err()
	}
}

// Status returns the state as of the last processed reading.
func (p *Pipeline) Status() Status {
	p.statusMu.RLock()
	st := p.status
	st.Sources = append([]hub.SourceStatus(nil), p.status.Sources...)
	p.statusMu.RUnlock()
	st.Counters = p.norm.Counters()
	return st
}

// PublishAlert reports a finished alert to viewers. It is used as the alert
// dispatcher's result handler and may be called from any goroutine. The
// event carries the counters as of the last processed reading.
func (p *Pipeline) PublishAlert(res alert.Result) {
	info := &hub.AlertInfo{
		ID:         res.Notification.ID,
		SequenceID: res.Notification.Reading.SequenceID,
		Sent:       res.Sent,
		Attempts:   res.Attempts,
	}
	if res.Err != nil {
		info.Error = res.Err.Error()
	}

	p.statusMu.Lock()
	cur := p.status.Streak
	if res.Sent && cur.AlertArmed && cur.Episodes == res.Notification.Streak.Episodes {
		p.status.AlertDelivered = true
	}
	agg := p.status.Stats
	p.statusMu.Unlock()

	p.publish(hub.Event{
		Type:       hub.EventAlertSent,
		SequenceID: info.SequenceID,
		Alert:      info,
	}.WithState(cur, agg))
}

func (p *Pipeline) process(r reading.Reading) {
	start := time.Now()
	v := p.classifier.Classify(r)
	p.metrics.ObserveClassify(time.Since(start).Seconds())

	tr, err := p.tracker.Observe(r.SequenceID, v.Label)
	if err != nil {
		// cannot happen while the normalizer is the only producer
		p.log.Error("dropping reading", zap.Uint64("sequence_id", r.SequenceID), zap.Error(err))
		return
	}
	if tr.Triggered {
		p.log.Warn("contamination streak armed",
			zap.Uint64("sequence_id", r.SequenceID),
			zap.Int("consecutive_unsafe", tr.Snapshot.ConsecutiveUnsafe),
			zap.Uint64("episode", tr.Snapshot.Episodes))
		// visible before the dispatcher can report on this episode
		p.statusMu.Lock()
		p.status.Streak = tr.Snapshot
		p.status.AlertDelivered = false
		p.statusMu.Unlock()
		if p.alerter != nil {
			p.alerter.OnStreakArmed(r, v, tr.Snapshot)
		}
	} else if tr.From == streak.Armed && tr.To == streak.Idle {
		p.log.Info("contamination episode ended", zap.Uint64("sequence_id", r.SequenceID))
	}

	agg := p.agg.Add(v.Label)
	p.metrics.IncVerdict(v.Label.String())
	p.metrics.SetConsecutive(tr.Snapshot.ConsecutiveUnsafe)

	p.seen(r.Source, r.ObservedAt)
	p.publish(hub.ReadingEvent(r, v, tr.Snapshot, agg))

	p.statusMu.Lock()
	p.status.Streak = tr.Snapshot
	p.status.Stats = agg
	p.status.LastVerdict = &v
	if !tr.Snapshot.AlertArmed {
		p.status.AlertDelivered = false
	}
	p.statusMu.Unlock()
}

func (p *Pipeline) resetStreak() streak.Snapshot {
	snap := p.tracker.Reset()
	p.metrics.SetConsecutive(0)
	p.log.Info("streak reset by operator", zap.Uint64("last_sequence_id", snap.LastSequenceID))
	p.publish(hub.Event{Type: hub.EventStreakReset}.WithState(snap, p.agg.Snapshot()))

	p.statusMu.Lock()
	p.status.Streak = snap
	p.status.AlertDelivered = false
	p.statusMu.Unlock()
	return snap
}

// seen marks src active, publishing a status change if it was inactive.
func (p *Pipeline) seen(src reading.Source, at time.Time) {
	if p.interval <= 0 {
		return
	}
	st, ok := p.liveness[src]
	if !ok {
		st = &hub.SourceStatus{Source: src}
		p.liveness[src] = st
	}
	st.LastSeen = at
	if st.Active {
		return
	}
	st.Active = true
	p.log.Info("source active", zap.String("source", string(src)))
	p.publishSources()
}

func (p *Pipeline) checkLiveness(now time.Time) {
	changed := false
	for _, st := range p.liveness {
		if st.Active && now.Sub(st.LastSeen) > p.interval {
			st.Active = false
			changed = true
			p.log.Warn("source inactive",
				zap.String("source", string(st.Source)),
				zap.Duration("silent_for", now.Sub(st.LastSeen)))
		}
	}
	if changed {
		p.publishSources()
	}
}

// livenessPeriod checks a few times per interval so a silent source is
// reported soon after it crosses the limit.
func (p *Pipeline) livenessPeriod() time.Duration {
	period := p.interval / 4
	if period < 10*time.Millisecond {
		period = 10 * time.Millisecond
	}
	return period
}

func (p *Pipeline) publishSources() {
	sources := p.sourcesLocked()
	p.statusMu.Lock()
	p.status.Sources = sources
	p.statusMu.Unlock()
	p.publish(hub.Event{Type: hub.EventSourceStatus, Sources: sources}.WithState(p.tracker.Snapshot(), p.agg.Snapshot()))
}

// sourcesLocked copies the liveness table. Only the consumer goroutine (or
// New, before it starts) may call it.
func (p *Pipeline) sourcesLocked() []hub.SourceStatus {
	out := make([]hub.SourceStatus, 0, len(p.liveness))
	for _, st := range p.liveness {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

func (p *Pipeline) publish(ev hub.Event) {
	if p.pub != nil {
		p.pub.Publish(ev)
	}
}
