package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/water.report/internal/alert"
	"github.com/banshee-data/water.report/internal/reading"
)

// DefaultRecentAlerts is the page size used when no limit is given.
const DefaultRecentAlerts = 50

// AlertRecord is one journaled alert.
type AlertRecord struct {
	ID                string         `json:"id"`
	SequenceID        uint64         `json:"sequenceId"`
	Source            reading.Source `json:"source"`
	Label             string         `json:"label"`
	Confidence        float64        `json:"confidence"`
	ConsecutiveUnsafe int            `json:"consecutiveUnsafe"`
	Threshold         int            `json:"threshold"`
	Values            reading.Values `json:"sensorValues"`
	Flags             reading.Flags  `json:"perSensorFlags"`
	Notifier          string         `json:"notifier"`
	Sent              bool           `json:"sent"`
	Attempts          int            `json:"attempts"`
	Error             string         `json:"error,omitempty"`
	ObservedAt        time.Time      `json:"observedAt"`
	CreatedAt         time.Time      `json:"createdAt"`
	FinishedAt        time.Time      `json:"finishedAt"`
}

// RecordAlert stores the outcome of one alert delivery.
func (db *DB) RecordAlert(ctx context.Context, res alert.Result) error {
	n := res.Notification
	values, err := json.Marshal(n.Reading.Values)
	if err != nil {
		return fmt.Errorf("encode values: %w", err)
	}
	flags, err := json.Marshal(n.Verdict.Flags)
	if err != nil {
		return fmt.Errorf("encode flags: %w", err)
	}
	var errText any
	if res.Err != nil {
		errText = res.Err.Error()
	}

	_, err = db.ExecContext(ctx, `INSERT INTO alerts (
			alert_id, sequence_id, source, label, confidence, consecutive_unsafe, threshold,
			values_json, flags_json, notifier, sent, attempts, error,
			observed_unix_nanos, created_unix_nanos, finished_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, int64(n.Reading.SequenceID), string(n.Reading.Source), n.Verdict.Label.String(),
		n.Verdict.Confidence, n.Streak.ConsecutiveUnsafe, n.Streak.Threshold,
		string(values), string(flags), res.Notifier, res.Sent, res.Attempts, errText,
		n.Reading.ObservedAt.UnixNano(), n.CreatedAt.UnixNano(), res.FinishedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", n.ID, err)
	}
	return nil
}

// RecentAlerts returns up to limit alerts, newest first.
func (db *DB) RecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentAlerts
	}
	rows, err := db.QueryContext(ctx, `SELECT
			alert_id, sequence_id, source, label, confidence, consecutive_unsafe, threshold,
			values_json, flags_json, notifier, sent, attempts, COALESCE(error, ''),
			observed_unix_nanos, created_unix_nanos, finished_unix_nanos
		FROM alerts ORDER BY created_unix_nanos DESC, sequence_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := []AlertRecord{}
	for rows.Next() {
		var (
			rec                         AlertRecord
			seq                         int64
			source, values, flags       string
			observed, created, finished int64
		)
		if err := rows.Scan(
			&rec.ID, &seq, &source, &rec.Label, &rec.Confidence, &rec.ConsecutiveUnsafe, &rec.Threshold,
			&values, &flags, &rec.Notifier, &rec.Sent, &rec.Attempts, &rec.Error,
			&observed, &created, &finished,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(values), &rec.Values); err != nil {
			return nil, fmt.Errorf("decode values of alert %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(flags), &rec.Flags); err != nil {
			return nil, fmt.Errorf("decode flags of alert %s: %w", rec.ID, err)
		}
		rec.SequenceID = uint64(seq)
		rec.Source = reading.Source(source)
		rec.ObservedAt = time.Unix(0, observed).UTC()
		rec.CreatedAt = time.Unix(0, created).UTC()
		rec.FinishedAt = time.Unix(0, finished).UTC()
		alerts = append(alerts, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return alerts, nil
}

var _ alert.Journal = (*DB)(nil)
