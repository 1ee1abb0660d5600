package alert

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/banshee-data/water.report/internal/classify"
	"github.com/banshee-data/water.report/internal/metrics"
	"github.com/banshee-data/water.report/internal/reading"
	"github.com/banshee-data/water.report/internal/retry"
	"github.com/banshee-data/water.report/internal/streak"
	"github.com/banshee-data/water.report/internal/timeutil"
)

// DefaultQueueSize bounds the number of alerts waiting for the worker.
const DefaultQueueSize = 16

// Result is the final outcome of one notification.
type Result struct {
	Notification Notification
	Notifier     string
	Sent         bool
	Attempts     int
	Err          error
	FinishedAt   time.Time
}

// Journal records alert outcomes.
type Journal interface {
	RecordAlert(ctx context.Context, res Result) error
}

type Dispatcher struct {
	notifier Notifier
	bands    classify.Bands
	retry    retry.Config
	journal  Journal
	onResult func(Result)

	mu     sync.Mutex
	queue  chan Notification
	closed bool

	clock   timeutil.Clock
	log     *zap.Logger
	metrics *metrics.Pipeline
}

type Option func(*Dispatcher)

func WithRetry(cfg retry.Config) Option { return func(d *Dispatcher) { d.retry = cfg } }

func WithJournal(j Journal) Option { return func(d *Dispatcher) { d.journal = j } }

// WithResultHandler registers f to be called from the worker after every
// notification finishes, successfully or not.
func WithResultHandler(f func(Result)) Option { return func(d *Dispatcher) { d.onResult = f } }

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Notification, n)
		}
	}
}

func WithClock(c timeutil.Clock) Option { return func(d *Dispatcher) { d.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.log = l } }

func WithMetrics(m *metrics.Pipeline) Option { return func(d *Dispatcher) { d.metrics = m } }

func NewDispatcher(n Notifier, bands classify.Bands, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		notifier: n,
		bands:    bands,
		retry:    retry.DefaultConfig(),
		queue:    make(chan Notification, DefaultQueueSize),
		clock:    timeutil.RealClock{},
		log:      zap.NewNop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// OnStreakArmed queues an alert for the episode that r just armed. It never
// blocks; if the queue is full or the dispatcher is closed the alert is
// dropped and false is returned. The streak stays armed either way.
func (d *Dispatcher) OnStreakArmed(r reading.Reading, v reading.Verdict, snap streak.Snapshot) bool {
	n := Notification{
		ID:        uuid.NewString(),
		Reading:   r,
		Verdict:   v,
		Streak:    snap,
		Bands:     d.bands,
		CreatedAt: d.clock.Now(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.log.Error("alert dropped, dispatcher closed", zap.Uint64("sequence_id", r.SequenceID))
		d.metrics.IncAlert("dropped")
		return false
	}
	select {
	case d.queue <- n:
		d.log.Info("contamination alert queued",
			zap.String("alert_id", n.ID),
			zap.Uint64("sequence_id", r.SequenceID),
			zap.Int("consecutive_unsafe", snap.ConsecutiveUnsafe))
		return true
	default:
		d.log.Error("alert dropped, queue full", zap.Uint64("sequence_id", r.SequenceID))
		d.metrics.IncAlert("dropped")
		return false
	}
}

// Run delivers queued alerts until Close has been called and the queue is
// empty, or ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case n, ok := <-d.queue:
			if !ok {
				return nil
			}
			d.deliver(ctx, n)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting alerts. Alerts already queued are still delivered by
// Run.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.queue)
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	cfg := d.retry
	if cfg.Clock == nil {
		cfg.Clock = d.clock
	}
	cfg.OnRetry = func(attempt int, err error) {
		d.log.Warn("alert delivery failed, retrying",
			zap.String("alert_id", n.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	attempts := 0
	err := retry.Do(ctx, cfg, func(attempt int) error {
		attempts = attempt
		return d.notifier.Notify(ctx, n)
	})

	res := Result{
		Notification: n,
		Notifier:     d.notifier.Name(),
		Sent:         err == nil,
		Attempts:     attempts,
		Err:          err,
		FinishedAt:   d.clock.Now(),
	}
	if err != nil {
		d.metrics.IncAlert("failed")
		d.log.Error("alert delivery failed",
			zap.String("alert_id", n.ID),
			zap.String("notifier", res.Notifier),
			zap.Int("attempts", attempts),
			zap.Error(err))
	} else {
		d.metrics.IncAlert("sent")
		d.log.Info("alert delivered",
			zap.String("alert_id", n.ID),
			zap.String("notifier", res.Notifier),
			zap.Int("attempts", attempts))
	}

	if d.journal != nil {
		if jerr := d.journal.RecordAlert(context.WithoutCancel(ctx), res); jerr != nil {
			d.log.Error("failed to record alert", zap.String("alert_id", n.ID), zap.Error(jerr))
		}
	}
	if d.onResult != nil {
		d.onResult(res)
	}
}
