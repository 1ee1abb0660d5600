package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/banshee-data/water.report/internal/reading"
	"github.com/banshee-data/water.report/internal/serialmux"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultPollTimeout  = 10 * time.Second
)

// PollerConfig describes the REST endpoint the poller reads from.
type PollerConfig struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	// APIKey is sent as a bearer token when set.
	APIKey string
}

// Poller periodically fetches the latest device output over HTTP.
//
// A response holding a single reading object is the device's current sample
// and is ingested on every poll, even when the values have not changed. A
// response holding several payloads (an array or device log lines) is a
// window over recent output; only the payloads after its overlap with the
// previous window are ingested.
type Poller struct {
	base
	cfg    PollerConfig
	client *resty.Client

	// last is the previous window, touched only by the Run goroutine.
	last [][]byte
}

func NewPoller(name string, cfg PollerConfig, opts ...Option) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPollTimeout
	}
	p := &Poller{cfg: cfg}
	p.init(name, reading.SourceAPI, opts)

	p.client = resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		p.client.SetAuthToken(cfg.APIKey)
	}
	return p
}

func (p *Poller) Run(ctx context.Context, in Ingester) error {
	if p.cfg.URL == "" {
		return errors.New("poller: no url configured")
	}
	defer p.down(nil)

	ticker := p.clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := p.poll(ctx, in); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.down(err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

func (p *Poller) poll(ctx context.Context, in Ingester) error {
	resp, err := p.client.R().SetContext(ctx).Get(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: %s returned %s", ErrTransport, p.cfg.URL, resp.Status())
	}
	p.up()

	body := resp.Body()
	payloads := SplitPayloads(body)
	fresh := payloads
	if !singleObject(body) && len(payloads) > 0 {
		fresh = payloads[overlap(p.last, payloads):]
		p.last = payloads
	}
	p.log.Debug("polled", zap.Int("payloads", len(payloads)), zap.Int("new", len(fresh)))
	for _, raw := range fresh {
		if _, err := p.submit(ctx, in, raw); err != nil && ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

// overlap returns the length of the longest suffix of prev that is also a
// prefix of cur.
func overlap(prev, cur [][]byte) int {
	for k := min(len(prev), len(cur)); k > 0; k-- {
		if samePayloads(prev[len(prev)-k:], cur[:k]) {
			return k
		}
	}
	return 0
}

func samePayloads(a, b [][]byte) bool {
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func singleObject(body []byte) bool {
	body = bytes.TrimSpace(body)
	return len(body) > 0 && body[0] == '{' && json.Valid(body)
}

// SplitPayloads breaks a poll response into individual reading payloads. The
// body may be a JSON array whose elements are reading objects or raw device
// lines, a single reading object, or newline separated device output. Lines
// that are not readings are dropped.
func SplitPayloads(body []byte) [][]byte {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil
	}

	if body[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err == nil {
			var out [][]byte
			for _, item := range items {
				item = bytes.TrimSpace(item)
				if len(item) > 0 && item[0] == '"' {
					var line string
					if json.Unmarshal(item, &line) == nil {
						out = append(out, readingLines([]byte(line))...)
					}
					continue
				}
				out = append(out, []byte(item))
			}
			return out
		}
	}

	if singleObject(body) {
		return [][]byte{body}
	}
	return readingLines(body)
}

func readingLines(b []byte) [][]byte {
	var out [][]byte
	for _, line := range bytes.Split(b, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if serialmux.ClassifyLine(string(line)) == serialmux.LineTypeReading {
			out = append(out, line)
		}
	}
	return out
}
