package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/water.report/internal/alert"
	"github.com/banshee-data/water.report/internal/classify"
	"github.com/banshee-data/water.report/internal/hub"
	"github.com/banshee-data/water.report/internal/normalize"
	"github.com/banshee-data/water.report/internal/reading"
	"github.com/banshee-data/water.report/internal/retry"
	"github.com/banshee-data/water.report/internal/streak"
	"github.com/banshee-data/water.report/internal/timeutil"
)

type recorder struct {
	mu     sync.Mutex
	events []hub.Event
	armed  []uint64
}

func (r *recorder) Publish(ev hub.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) OnStreakArmed(rd reading.Reading, _ reading.Verdict, _ streak.Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = append(r.armed, rd.SequenceID)
	return true
}

func (r *recorder) readings() []hub.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []hub.Event
	for _, ev := range r.events {
		if ev.Type == hub.EventReading {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) last() hub.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return hub.Event{}
	}
	return r.events[len(r.events)-1]
}

func (r *recorder) lastOfType(typ hub.EventType) (hub.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return hub.Event{}, false
}

func (r *recorder) alerts() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.armed...)
}

func payload(turbidity float64) []byte {
	return []byte(fmt.Sprintf(`{"pH":7.2,"Sulphate":250,"Hardness":165,"Conductivity":500,"TDS":600,"Turbidity":%g}`, turbidity))
}

const (
	safeTurbidity   = 3.0
	unsafeTurbidity = 7.0
)

func newPipeline(t *testing.T, cfg Config, opts ...Option) (*Pipeline, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts = append([]Option{WithAlerter(rec), WithPublisher(rec)}, opts...)
	return New(cfg, classify.NewThreshold(classify.DefaultBands(), 0), opts...), rec
}

// start runs the consumer and returns a function that closes the pipeline
// and waits for it to drain.
func start(t *testing.T, p *Pipeline) (stop func()) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- p.Run(context.Background()) }()
	return func() {
		p.Close()
		select {
		case err := <-errc:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("pipeline did not drain")
		}
	}
}

func ingest(t *testing.T, p *Pipeline, turbidity ...float64) {
	t.Helper()
	for _, v := range turbidity {
		_, err := p.Ingest(context.Background(), payload(v), reading.SourceSerial, nil)
		require.NoError(t, err)
	}
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestAlertFiresOnThresholdReading(t *testing.T) {
	t.Parallel()
	p, rec := newPipeline(t, Config{Threshold: 5})
	stop := start(t, p)

	ingest(t, p, repeat(unsafeTurbidity, 4)...)
	require.Eventually(t, func() bool { return len(rec.readings()) == 4 }, time.Second, time.Millisecond)
	assert.Empty(t, rec.alerts())

	ingest(t, p, unsafeTurbidity)
	stop()

	assert.Equal(t, []uint64{5}, rec.alerts())
	evs := rec.readings()
	require.Len(t, evs, 5)
	assert.Equal(t, 5, evs[4].ConsecutiveUnsafe)
	assert.True(t, evs[4].AlertArmed)
	assert.False(t, evs[3].AlertArmed)
}

// TestLongEpisodeAlertsOnce tests that a replayed contamination run without a Safe reading alerts only once.
func TestLongEpisodeAlertsOnce(t *testing.T) {
	t.Parallel()
	p, rec := newPipeline(t, Config{Threshold: 5})
	stop := start(t, p)
	ingest(t, p, repeat(unsafeTurbidity, 40)...)
	stop()

	assert.Equal(t, []uint64{5}, rec.alerts())
	evs := rec.readings()
	require.Len(t, evs, 40)
	assert.Equal(t, 40, evs[39].ConsecutiveUnsafe)
}

func TestSafeReadingRearms(t *testing.T) {
	t.Parallel()
	p, rec := newPipeline(t, Config{Threshold: 5})
	stop := start(t, p)

	ingest(t, p, repeat(unsafeTurbidity, 6)...)
	ingest(t, p, safeTurbidity)
	ingest(t, p, repeat(unsafeTurbidity, 5)...)
	stop()

	assert.Equal(t, []uint64{5, 12}, rec.alerts())
	st := p.Status()
	assert.Equal(t, uint64(12), st.Stats.Total)
	assert.Equal(t, uint64(1), st.Stats.Safe)
	assert.Equal(t, uint64(2), st.Streak.Episodes)
	assert.Equal(t, "threshold", st.Classifier)
}

func TestConcurrentIngestKeepsOrder(t *testing.T) {
	t.Parallel()
	const producers, perProducer = 6, 100
	p, rec := newPipeline(t, Config{Threshold: 5, FunnelSize: 8})
	stop := start(t, p)

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				v := safeTurbidity
				if (i+j)%3 == 0 {
					v = unsafeTurbidity
				}
				if _, err := p.Ingest(context.Background(), payload(v), reading.SourceAPI, nil); err != nil {
					t.Errorf("ingest: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()
	stop()

	evs := rec.readings()
	require.Len(t, evs, producers*perProducer)
	for i, ev := range evs {
		assert.Equal(t, uint64(i+1), ev.SequenceID)
	}
	assert.Equal(t, uint64(producers*perProducer), p.Status().Counters.Accepted)
}

func TestMalformedNeverReachesConsumer(t *testing.T) {
	t.Parallel()
	p, rec := newPipeline(t, Config{})
	stop := start(t, p)

	_, err := p.Ingest(context.Background(), []byte(`{"pH":"abc"}`), reading.SourceManual, nil)
	assert.ErrorIs(t, err, normalize.ErrMalformed)
	ingest(t, p, safeTurbidity)
	stop()

	evs := rec.readings()
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(1), evs[0].SequenceID)
	assert.Equal(t, uint64(1), p.Status().Counters.Malformed)
}

func TestCloseDrainsQueuedReadings(t *testing.T) {
	t.Parallel()
	p, rec := newPipeline(t, Config{FunnelSize: 32})

	// queued before the consumer starts
	ingest(t, p, repeat(safeTurbidity, 20)...)
	p.Close()
	require.NoError(t, p.Run(context.Background()))

	assert.Len(t, rec.readings(), 20)
	_, err := p.Ingest(context.Background(), payload(safeTurbidity), reading.SourceSerial, nil)
	assert.ErrorIs(t, err, normalize.ErrClosed)
	<-p.Done()
}

func TestIngestAfterConsumerExit(t *testing.T) {
	t.Parallel()
	p, _ := newPipeline(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Run(ctx), context.Canceled)

	_, err := p.Ingest(context.Background(), payload(safeTurbidity), reading.SourceSerial, nil)
	assert.ErrorIs(t, err, ErrStopped)

	_, err = p.ResetStreak(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestResetStreak(t *testing.T) {
	t.Parallel()
	p, rec := newPipeline(t, Config{Threshold: 3})
	stop := start(t, p)

	ingest(t, p, repeat(unsafeTurbidity, 4)...)
	snap, err := p.ResetStreak(context.Background())
	require.NoError(t, err)
	assert.Equal(t, streak.Idle, snap.State)
	assert.Equal(t, uint64(4), snap.LastSequenceID)
	assert.Equal(t, hub.EventStreakReset, rec.last().Type)

	ingest(t, p, repeat(unsafeTurbidity, 3)...)
	stop()
	assert.Equal(t, []uint64{3, 7}, rec.alerts())
}

func TestSourceLiveness(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	p, rec := newPipeline(t, Config{
		ExpectedInterval: 10 * time.Second,
		Sources:          []reading.Source{reading.SourceSerial, reading.SourceAPI},
	}, WithClock(clock))
	stop := start(t, p)
	require.Eventually(t, func() bool { return clock.TickerCount() == 1 }, time.Second, time.Millisecond)

	ev, ok := rec.lastOfType(hub.EventSourceStatus)
	require.True(t, ok)
	require.Len(t, ev.Sources, 2)
	assert.False(t, ev.Sources[0].Active)
	assert.False(t, ev.Sources[1].Active)

	ingest(t, p, safeTurbidity)
	require.Eventually(t, func() bool {
		ev, _ := rec.lastOfType(hub.EventSourceStatus)
		return ev.Sources[1].Active
	}, time.Second, time.Millisecond)
	ev, _ = rec.lastOfType(hub.EventSourceStatus)
	assert.Equal(t, reading.SourceSerial, ev.Sources[1].Source)
	assert.False(t, ev.Sources[0].Active)

	clock.Advance(11 * time.Second)
	require.Eventually(t, func() bool {
		ev, _ := rec.lastOfType(hub.EventSourceStatus)
		return !ev.Sources[1].Active
	}, time.Second, time.Millisecond)
	stop()

	for _, st := range p.Status().Sources {
		assert.False(t, st.Active, st.Source)
	}
}

func TestPublishAlert(t *testing.T) {
	t.Parallel()
	p, rec := newPipeline(t, Config{})
	p.PublishAlert(alert.Result{
		Notification: alert.Notification{ID: "a1", Reading: reading.Reading{SequenceID: 5}, Streak: streak.Snapshot{ConsecutiveUnsafe: 5, AlertArmed: true}},
		Attempts:     3,
		Err:          errors.New("smtp down"),
	})
	ev := rec.last()
	assert.Equal(t, hub.EventAlertSent, ev.Type)
	require.NotNil(t, ev.Alert)
	assert.Equal(t, "a1", ev.Alert.ID)
	assert.False(t, ev.Alert.Sent)
	assert.Equal(t, "smtp down", ev.Alert.Error)
}

// TestEndToEnd wires the pipeline to a real hub and dispatcher.
func TestEndToEnd(t *testing.T) {
	t.Parallel()
	h := hub.New(hub.WithQueueSize(64))
	notifier := &countingNotifier{}
	var p *Pipeline
	d := alert.NewDispatcher(notifier, classify.DefaultBands(),
		alert.WithResultHandler(func(res alert.Result) { p.PublishAlert(res) }))
	p = New(Config{Threshold: 5}, classify.NewThreshold(classify.DefaultBands(), 0),
		WithAlerter(d), WithPublisher(h))
	h.SetInitial(p.InitialEvent())

	sub, err := h.Subscribe()
	require.NoError(t, err)
	snap := <-sub.C
	assert.Equal(t, hub.EventSnapshot, snap.Type)
	assert.Equal(t, 5, snap.Threshold)

	dispatchDone := make(chan error, 1)
	go func() { dispatchDone <- d.Run(context.Background()) }()
	stop := start(t, p)
	ingest(t, p, repeat(unsafeTurbidity, 5)...)
	stop()
	d.Close()
	require.NoError(t, <-dispatchDone)

	// the alert may overtake the fifth reading event
	counts := make(map[hub.EventType]int)
	for i := 0; i < 6; i++ {
		select {
		case ev := <-sub.C:
			counts[ev.Type]++
		case <-time.After(time.Second):
			t.Fatalf("got %v", counts)
		}
	}
	assert.Equal(t, map[hub.EventType]int{hub.EventReading: 5, hub.EventAlertSent: 1}, counts)
	assert.Equal(t, 1, notifier.count())
}

type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (c *countingNotifier) Name() string { return "counting" }

func (c *countingNotifier) Notify(context.Context, alert.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestAlertEventCarriesCounters(t *testing.T) {
	t.Parallel()
	p, rec := newPipeline(t, Config{Threshold: 3})
	stop := start(t, p)
	defer stop()

	ingest(t, p, safeTurbidity, safeTurbidity, unsafeTurbidity, unsafeTurbidity, unsafeTurbidity)
	require.Eventually(t, func() bool { return p.Status().Streak.AlertArmed }, time.Second, time.Millisecond)
	armed := p.Status().Streak

	p.PublishAlert(alert.Result{
		Notification: alert.Notification{ID: "a1", Reading: reading.Reading{SequenceID: 5}, Streak: armed},
		Sent:         true,
		Attempts:     1,
	})
	ev, ok := rec.lastOfType(hub.EventAlertSent)
	require.True(t, ok)
	assert.Equal(t, uint64(5), ev.TotalSamples)
	assert.Equal(t, uint64(2), ev.SafeCount)
	assert.Equal(t, uint64(3), ev.UnsafeCount)
	assert.InDelta(t, 40.0, ev.SafeRatioPercent, 1e-9)
	assert.Equal(t, 3, ev.ConsecutiveUnsafe)
	assert.True(t, ev.AlertArmed)
	assert.True(t, p.Status().AlertDelivered)

	// the episode ends; a late report for it does not mark the next one
	ingest(t, p, safeTurbidity)
	require.Eventually(t, func() bool { return !p.Status().Streak.AlertArmed }, time.Second, time.Millisecond)
	assert.False(t, p.Status().AlertDelivered)
	p.PublishAlert(alert.Result{Notification: alert.Notification{ID: "a1", Streak: armed}, Sent: true})
	assert.False(t, p.Status().AlertDelivered)
}

type failingNotifier struct {
	mu    sync.Mutex
	calls int
}

func (f *failingNotifier) Name() string { return "failing" }

func (f *failingNotifier) Notify(context.Context, alert.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("dial tcp: connection refused")
}

func (f *failingNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// armCounter records every arming before handing it to the dispatcher.
type armCounter struct {
	next *alert.Dispatcher
	mu   sync.Mutex
	seqs []uint64
}

func (a *armCounter) OnStreakArmed(r reading.Reading, v reading.Verdict, s streak.Snapshot) bool {
	a.mu.Lock()
	a.seqs = append(a.seqs, r.SequenceID)
	a.mu.Unlock()
	return a.next.OnStreakArmed(r, v, s)
}

func (a *armCounter) armed() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.seqs...)
}

func TestFailedNotificationDoesNotRearm(t *testing.T) {
	t.Parallel()
	notifier := &failingNotifier{}
	var p *Pipeline
	var results sync.WaitGroup
	d := alert.NewDispatcher(notifier, classify.DefaultBands(),
		alert.WithRetry(retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}),
		alert.WithResultHandler(func(res alert.Result) {
			p.PublishAlert(res)
			results.Done()
		}))
	counter := &armCounter{next: d}
	p, rec := newPipeline(t, Config{Threshold: 3}, WithAlerter(counter))

	dispatchDone := make(chan error, 1)
	go func() { dispatchDone <- d.Run(context.Background()) }()
	stop := start(t, p)

	results.Add(1)
	ingest(t, p, repeat(unsafeTurbidity, 3)...)
	results.Wait()
	assert.Equal(t, []uint64{3}, counter.armed())
	assert.Equal(t, 3, notifier.count(), "one bounded attempt sequence")
	ev, ok := rec.lastOfType(hub.EventAlertSent)
	require.True(t, ok)
	assert.False(t, ev.Alert.Sent)

	// the episode continues after the failure
	ingest(t, p, repeat(unsafeTurbidity, 5)...)
	require.Eventually(t, func() bool { return p.Status().Streak.LastSequenceID == 8 }, time.Second, time.Millisecond)
	assert.Equal(t, []uint64{3}, counter.armed())
	assert.True(t, p.Status().Streak.AlertArmed)
	assert.False(t, p.Status().AlertDelivered)

	// a Safe reading ends the episode; the next streak alerts again
	results.Add(1)
	ingest(t, p, safeTurbidity)
	ingest(t, p, repeat(unsafeTurbidity, 3)...)
	results.Wait()
	assert.Equal(t, []uint64{3, 12}, counter.armed())
	assert.Equal(t, 6, notifier.count())

	stop()
	d.Close()
	require.NoError(t, <-dispatchDone)
}
