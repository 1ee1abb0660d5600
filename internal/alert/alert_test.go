package alert

import (
	"context"
	"errors"
	"net/smtp"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/water.report/internal/classify"
	"github.com/banshee-data/water.report/internal/reading"
	"github.com/banshee-data/water.report/internal/retry"
	"github.com/banshee-data/water.report/internal/streak"
	"github.com/banshee-data/water.report/internal/timeutil"
)

// fakeNotifier fails the first failures calls.
type fakeNotifier struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	sent     []Notification
}

func (f *fakeNotifier) Name() string { return "fake" }

func (f *fakeNotifier) Notify(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	f.sent = append(f.sent, n)
	return nil
}

type memJournal struct {
	mu      sync.Mutex
	results []Result
}

func (m *memJournal) RecordAlert(_ context.Context, res Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, res)
	return nil
}

func fastRetry(attempts int) retry.Config {
	return retry.Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func unsafeReading(seq uint64) (reading.Reading, reading.Verdict, streak.Snapshot) {
	r := reading.Reading{SequenceID: seq, Source: reading.SourceSerial, Values: reading.Values{7.2, 250, 165, 500, 600, 7.0}}
	v := classify.NewThreshold(classify.DefaultBands(), 0).Classify(r)
	return r, v, streak.Snapshot{State: streak.Armed, ConsecutiveUnsafe: 5, AlertArmed: true, Threshold: 5}
}

func runDispatcher(t *testing.T, d *Dispatcher) (wait func()) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	return func() {
		d.Close()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("dispatcher did not stop")
		}
	}
}

func TestDispatcherDelivers(t *testing.T) {
	t.Parallel()
	n := &fakeNotifier{}
	j := &memJournal{}
	var results []Result
	d := NewDispatcher(n, classify.DefaultBands(),
		WithRetry(fastRetry(3)),
		WithJournal(j),
		WithResultHandler(func(r Result) { results = append(results, r) }),
	)
	wait := runDispatcher(t, d)

	r, v, snap := unsafeReading(42)
	require.True(t, d.OnStreakArmed(r, v, snap))
	wait()

	require.Len(t, n.sent, 1)
	assert.Equal(t, uint64(42), n.sent[0].Reading.SequenceID)
	assert.NotEmpty(t, n.sent[0].ID)
	require.Len(t, j.results, 1)
	assert.True(t, j.results[0].Sent)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Attempts)
}

// TestDispatcherBoundedRetry tests that a failing notifier is retried a bounded number of times and then dropped.
func TestDispatcherBoundedRetry(t *testing.T) {
	t.Parallel()
	n := &fakeNotifier{failures: 100, err: errors.New("dial tcp: connection refused")}
	j := &memJournal{}
	d := NewDispatcher(n, classify.DefaultBands(), WithRetry(fastRetry(3)), WithJournal(j))
	wait := runDispatcher(t, d)

	r, v, snap := unsafeReading(1)
	d.OnStreakArmed(r, v, snap)
	wait()

	assert.Equal(t, 3, n.calls)
	require.Len(t, j.results, 1)
	assert.False(t, j.results[0].Sent)
	assert.Equal(t, 3, j.results[0].Attempts)
	assert.Error(t, j.results[0].Err)
}

func TestDispatcherRecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()
	n := &fakeNotifier{failures: 1, err: errors.New("timeout")}
	d := NewDispatcher(n, classify.DefaultBands(), WithRetry(fastRetry(3)))
	wait := runDispatcher(t, d)

	r, v, snap := unsafeReading(1)
	d.OnStreakArmed(r, v, snap)
	wait()

	assert.Equal(t, 2, n.calls)
	assert.Len(t, n.sent, 1)
}

func TestDispatcherBacksOffOnItsClock(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	n := &fakeNotifier{failures: 1, err: errors.New("421 service not available")}
	cfg := retry.Config{MaxAttempts: 2, InitialDelay: time.Minute, MaxDelay: time.Minute}
	d := NewDispatcher(n, classify.DefaultBands(), WithRetry(cfg), WithClock(clock))
	wait := runDispatcher(t, d)

	r, v, snap := unsafeReading(1)
	d.OnStreakArmed(r, v, snap)

	require.Eventually(t, func() bool { return clock.TimerCount() == 1 }, 2*time.Second, time.Millisecond)
	clock.Advance(time.Minute)
	wait()

	assert.Equal(t, 2, n.calls)
	assert.Len(t, n.sent, 1)
}

func TestOnStreakArmedNeverBlocks(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(&fakeNotifier{}, classify.DefaultBands(), WithQueueSize(2))
	r, v, snap := unsafeReading(1)

	// no worker running
	assert.True(t, d.OnStreakArmed(r, v, snap))
	assert.True(t, d.OnStreakArmed(r, v, snap))
	assert.False(t, d.OnStreakArmed(r, v, snap))

	d.Close()
	d.Close()
	assert.False(t, d.OnStreakArmed(r, v, snap))
}

func TestRunStopsOnContext(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(&fakeNotifier{}, classify.DefaultBands())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Run(ctx), context.Canceled)
}

func TestSMTPNotifierMessage(t *testing.T) {
	t.Parallel()
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	var gotAuth smtp.Auth
	s := NewSMTPNotifier(SMTPConfig{
		Host:     "smtp.example.com",
		Username: "alerts@example.com",
		Password: "secret",
		From:     "alerts@example.com",
		To:       []string{"ops@example.com"},
	}).WithSendFunc(func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotAuth, gotFrom, gotTo, gotMsg = addr, a, from, to, msg
		return nil
	})

	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC))
	d := NewDispatcher(s, classify.DefaultBands(), WithClock(clock), WithRetry(fastRetry(1)))
	wait := runDispatcher(t, d)
	r, v, snap := unsafeReading(9)
	d.OnStreakArmed(r, v, snap)
	wait()

	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.NotNil(t, gotAuth)
	assert.Equal(t, "alerts@example.com", gotFrom)
	assert.Equal(t, []string{"ops@example.com"}, gotTo)

	msg := string(gotMsg)
	assert.Contains(t, msg, "Subject: "+Subject+"\r\n")
	assert.Contains(t, msg, "Content-Type: text/html")
	assert.Contains(t, msg, "5 consecutive readings")
	assert.Contains(t, msg, "2025-03-01 09:30:00 UTC")
	assert.Contains(t, msg, "7.00 NTU")
	assert.Contains(t, msg, "1.5-5 NTU")
	assert.Equal(t, 1, strings.Count(msg, `class="unsafe"`))
	assert.Equal(t, 5, strings.Count(msg, `class="safe"`))
}

func TestSMTPNotifierPermanentFailure(t *testing.T) {
	t.Parallel()
	s := NewSMTPNotifier(SMTPConfig{Host: "h", From: "f@x", To: []string{"t@x"}}).
		WithSendFunc(func(string, smtp.Auth, string, []string, []byte) error {
			return &textproto.Error{Code: 535, Msg: "authentication failed"}
		})
	r, v, snap := unsafeReading(1)
	err := s.Notify(context.Background(), Notification{Reading: r, Verdict: v, Streak: snap, Bands: classify.DefaultBands()})
	require.ErrorIs(t, err, ErrNotificationFailed)
	assert.True(t, retry.IsNonRetryable(err))

	s.WithSendFunc(func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("i/o timeout")
	})
	err = s.Notify(context.Background(), Notification{Reading: r, Verdict: v, Streak: snap, Bands: classify.DefaultBands()})
	require.ErrorIs(t, err, ErrNotificationFailed)
	assert.False(t, retry.IsNonRetryable(err))
}

func TestSMTPConfigured(t *testing.T) {
	t.Parallel()
	assert.False(t, SMTPConfig{}.Configured())
	assert.True(t, SMTPConfig{Host: "h", From: "f", To: []string{"t"}}.Configured())
}

func TestLogNotifier(t *testing.T) {
	t.Parallel()
	r, v, snap := unsafeReading(1)
	assert.NoError(t, LogNotifier{}.Notify(context.Background(), Notification{Reading: r, Verdict: v, Streak: snap}))
	assert.Equal(t, "log", LogNotifier{}.Name())
}
