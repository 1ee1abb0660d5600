package adapter

import (
	"context"
	"errors"
	"net/http"

	"github.com/banshee-data/water.report/internal/httputil"
	"github.com/banshee-data/water.report/internal/normalize"
	"github.com/banshee-data/water.report/internal/reading"
)

// Manual accepts single readings posted as JSON, either by an operator or by
// older clients of the predict endpoint.
type Manual struct {
	base
	endpoint
}

func NewManual(name string, opts ...Option) *Manual {
	m := &Manual{}
	m.init(name, reading.SourceManual, opts)
	return m
}

func (m *Manual) Run(ctx context.Context, in Ingester) error {
	m.attach(ctx, in)
	m.up()
	<-ctx.Done()
	m.detach()
	m.down(nil)
	return nil
}

// HandleReadings serves POST /api/readings. Accepted readings get 202 and
// their sequence id.
func (m *Manual) HandleReadings(w http.ResponseWriter, r *http.Request) {
	m.handle(w, r, http.StatusAccepted)
}

// HandlePredict serves POST /api/predict. It behaves like HandleReadings but
// answers 200, which is what existing callers expect.
func (m *Manual) HandlePredict(w http.ResponseWriter, r *http.Request) {
	m.handle(w, r, http.StatusOK)
}

func (m *Manual) handle(w http.ResponseWriter, r *http.Request, okStatus int) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	ctx, in, ok := m.target()
	if !ok {
		httputil.ServiceUnavailable(w, "ingestion not running")
		return
	}
	body, err := httputil.ReadBody(w, r)
	if err != nil {
		httputil.BadRequest(w, "failed to read body")
		return
	}

	rd, err := m.submit(ctx, in, body)
	ack := ackFor(rd, err)
	switch {
	case err == nil:
		httputil.WriteJSON(w, okStatus, ack)
	case errors.Is(err, normalize.ErrMalformed):
		httputil.WriteJSON(w, http.StatusBadRequest, ack)
	case errors.Is(err, normalize.ErrDuplicate):
		httputil.WriteJSON(w, http.StatusConflict, ack)
	default:
		httputil.WriteJSON(w, http.StatusServiceUnavailable, ack)
	}
}
