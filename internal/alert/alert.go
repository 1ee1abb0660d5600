// Package alert delivers contamination alerts. The Dispatcher is invoked
// exactly once per contamination episode and hands the notification to a
// background worker so the pipeline never waits on the network.
package alert

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/water.report/internal/classify"
	"github.com/banshee-data/water.report/internal/reading"
	"github.com/banshee-data/water.report/internal/streak"
)

var ErrNotificationFailed = errors.New("notification failed")

// Notification is everything a Notifier needs to describe one episode.
type Notification struct {
	ID        string
	Reading   reading.Reading
	Verdict   reading.Verdict
	Streak    streak.Snapshot
	Bands     classify.Bands
	CreatedAt time.Time
}

// Notifier sends a notification to an external destination.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
	Name() string
}

// LogNotifier writes alerts to the log. It is used when no email destination
// is configured.
type LogNotifier struct {
	Log *zap.Logger
}

func (l LogNotifier) Name() string { return "log" }

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	log := l.Log
	if log == nil {
		log = zap.NewNop()
	}
	failing := make([]string, 0, reading.NumSensors)
	for _, s := range n.Verdict.Flags.Failing() {
		failing = append(failing, s.String())
	}
	log.Warn("water contamination alert",
		zap.String("alert_id", n.ID),
		zap.Uint64("sequence_id", n.Reading.SequenceID),
		zap.Int("consecutive_unsafe", n.Streak.ConsecutiveUnsafe),
		zap.Strings("failing_sensors", failing),
		zap.Any("values", n.Reading.Values),
	)
	return nil
}
