// Package mirror copies every published hub event into a Redis stream so
// that other services can follow the pipeline without holding a viewer
// session. The mirror is an ordinary hub subscriber: a slow or unreachable
// Redis costs the mirror events, never the pipeline.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/banshee-data/water.report/internal/hub"
	"github.com/banshee-data/water.report/internal/timeutil"
)

const (
	DefaultStream = "water_quality:events"
	DefaultMaxLen = 10000
	writeTimeout  = 2 * time.Second
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen caps the stream length (approximately, as XADD MAXLEN ~).
	MaxLen int64
}

// Mirror writes hub events to Redis.
type Mirror struct {
	client *redis.Client
	cfg    Config
	clock  timeutil.Clock
	log    *zap.Logger
}

type Option func(*Mirror)

func WithClock(c timeutil.Clock) Option { return func(m *Mirror) { m.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(m *Mirror) { m.log = l } }

// New connects lazily; use Ping to check the server at startup.
func New(cfg Config, opts ...Option) *Mirror {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg, opts...)
}

func NewWithClient(client *redis.Client, cfg Config, opts ...Option) *Mirror {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = DefaultMaxLen
	}
	m := &Mirror{client: client, cfg: cfg, clock: timeutil.RealClock{}, log: zap.NewNop()}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With(zap.String("stream", cfg.Stream))
	return m
}

// LatestKey holds the most recent reading event as JSON.
func (m *Mirror) LatestKey() string { return m.cfg.Stream + ":latest" }

func (m *Mirror) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s: %w", m.cfg.Addr, err)
	}
	return nil
}

// Run mirrors events from h until ctx is done or h is closed. If the hub
// drops the mirror for falling behind, it resubscribes and carries on.
func (m *Mirror) Run(ctx context.Context, h *hub.Hub) error {
	for {
		sub, err := h.Subscribe()
		if err != nil {
			if errors.Is(err, hub.ErrClosed) {
				return nil
			}
			return err
		}
		err = m.consume(ctx, sub)
		h.Unsubscribe(sub)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		m.log.Warn("mirror fell behind, resubscribing", zap.Error(err))
	}
}

// consume returns nil when the hub closed and the subscription's error when
// it was evicted.
func (m *Mirror) consume(ctx context.Context, sub *hub.Subscription) error {
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return sub.Err()
			}
			if ev.Type == hub.EventSnapshot {
				continue
			}
			if err := m.Write(ctx, ev); err != nil && ctx.Err() == nil {
				m.log.Warn("failed to mirror event", zap.String("type", string(ev.Type)), zap.Error(err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Write appends ev to the stream and, for readings, refreshes the latest key.
func (m *Mirror) Write(ctx context.Context, ev hub.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: m.cfg.Stream,
			MaxLen: m.cfg.MaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"type":       string(ev.Type),
				"sequenceId": ev.SequenceID,
				"data":       string(data),
				"timestamp":  m.clock.Now().Unix(),
			},
		})
		if ev.Type == hub.EventReading {
			pipe.Set(ctx, m.LatestKey(), data, 0)
		}
		return nil
	})
	return err
}

func (m *Mirror) Close() error { return m.client.Close() }
