// Package api is the HTTP surface of water.report: status and alert history,
// manual readings, streak reset and the live event streams.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"tailscale.com/tsweb"

	"github.com/banshee-data/water.report/internal/adapter"
	"github.com/banshee-data/water.report/internal/classify"
	"github.com/banshee-data/water.report/internal/db"
	"github.com/banshee-data/water.report/internal/httputil"
	"github.com/banshee-data/water.report/internal/hub"
	"github.com/banshee-data/water.report/internal/pipeline"
	"github.com/banshee-data/water.report/internal/streak"
	"github.com/banshee-data/water.report/internal/version"
)

// MaxAlertLimit caps the limit query parameter of /api/alerts.
const MaxAlertLimit = 500

// Pipeline is the part of the pipeline the API reads and controls.
type Pipeline interface {
	Status() pipeline.Status
	ResetStreak(ctx context.Context) (streak.Snapshot, error)
}

// AlertLister returns journaled alerts, newest first.
type AlertLister interface {
	RecentAlerts(ctx context.Context, limit int) ([]db.AlertRecord, error)
}

// HealthReporter lists the health of every running adapter.
type HealthReporter interface {
	Health() []adapter.Health
}

type Server struct {
	pipeline Pipeline
	hub      *hub.Hub
	alerts   AlertLister
	adapters HealthReporter
	manual   *adapter.Manual
	relay    *adapter.Relay
	metrics  http.Handler

	emailConfigured bool
	log             *zap.Logger
}

type Option func(*Server)

func WithAlerts(a AlertLister) Option { return func(s *Server) { s.alerts = a } }

func WithAdapters(h HealthReporter) Option { return func(s *Server) { s.adapters = h } }

// WithManual serves /api/readings and /api/predict from m.
func WithManual(m *adapter.Manual) Option { return func(s *Server) { s.manual = m } }

// WithRelay serves the gateway WebSocket at /relay.
func WithRelay(r *adapter.Relay) Option { return func(s *Server) { s.relay = r } }

func WithMetrics(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

func WithEmailConfigured(ok bool) Option { return func(s *Server) { s.emailConfigured = ok } }

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.log = l } }

func NewServer(p Pipeline, h *hub.Hub, opts ...Option) *Server {
	s := &Server{
		pipeline: p,
		hub:      h,
		log:      zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter { return lrw.ResponseWriter }

// Hijack lets WebSocket upgrades pass through the middleware.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)

		fields := []zap.Field{
			zap.Int("status", lrw.statusCode),
			zap.String("method", r.Method),
			zap.String("uri", r.RequestURI),
			zap.Float64("duration_ms", float64(time.Since(start).Nanoseconds())/1e6),
		}
		switch {
		case lrw.statusCode >= 500:
			log.Warn("request", fields...)
		case lrw.statusCode >= 400:
			log.Info("request", fields...)
		default:
			log.Debug("request", fields...)
		}
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/alerts", s.listAlerts)
	mux.HandleFunc("/api/streak/reset", s.resetStreak)
	mux.HandleFunc("/events", s.hub.ServeSSE)
	mux.HandleFunc("/ws", s.hub.ServeWebSocket)
	if s.manual != nil {
		mux.HandleFunc("/api/readings", s.manual.HandleReadings)
		mux.HandleFunc("/api/predict", s.manual.HandlePredict)
	}
	if s.relay != nil {
		mux.Handle("/relay", s.relay)
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// AttachAdminRoutes exposes pipeline state and a streak reset on the debug
// page.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Viewers", func() any { return s.hub.Subscribers() })
	debug.KVFunc("Consecutive unsafe", func() any { return s.pipeline.Status().Streak.ConsecutiveUnsafe })
	debug.HandleFunc("pipeline", "Pipeline status as JSON", s.showStatus)
	debug.HandleFunc("streak-reset", "Reset the contamination streak (POST)", s.resetStreak)
}

// StatusResponse is the body of /api/status. EmailAlertSent is only true when
// an email for the current episode was actually delivered.
type StatusResponse struct {
	pipeline.Status
	ModelLoaded      bool             `json:"modelLoaded"`
	EmailConfigured  bool             `json:"emailConfigured"`
	ConsecutiveCount int              `json:"consecutiveCount"`
	EmailAlertSent   bool             `json:"emailAlertSent"`
	AlertThreshold   int              `json:"alertThreshold"`
	Adapters         []adapter.Health `json:"adapters"`
	Viewers          int              `json:"viewers"`
	Version          string           `json:"version"`
	GitSHA           string           `json:"gitSha"`
}

func (s *Server) status() StatusResponse {
	st := s.pipeline.Status()
	resp := StatusResponse{
		Status:           st,
		ModelLoaded:      classify.IsModelName(st.Classifier),
		EmailConfigured:  s.emailConfigured,
		ConsecutiveCount: st.Streak.ConsecutiveUnsafe,
		EmailAlertSent:   s.emailConfigured && st.AlertDelivered,
		AlertThreshold:   st.Streak.Threshold,
		Adapters:         []adapter.Health{},
		Viewers:          s.hub.Subscribers(),
		Version:          version.Version,
		GitSHA:           version.GitSHA,
	}
	if s.adapters != nil {
		resp.Adapters = append(resp.Adapters, s.adapters.Health()...)
	}
	if resp.Sources == nil {
		resp.Sources = []hub.SourceStatus{}
	}
	return resp
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.status())
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit := db.DefaultRecentAlerts
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.BadRequest(w, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = min(n, MaxAlertLimit)
	}
	if s.alerts == nil {
		httputil.WriteJSONOK(w, []db.AlertRecord{})
		return
	}
	alerts, err := s.alerts.RecentAlerts(r.Context(), limit)
	if err != nil {
		s.log.Error("list alerts", zap.Error(err))
		httputil.InternalServerError(w, "failed to list alerts")
		return
	}
	httputil.WriteJSONOK(w, alerts)
}

func (s *Server) resetStreak(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	snap, err := s.pipeline.ResetStreak(r.Context())
	if err != nil {
		if errors.Is(err, pipeline.ErrStopped) {
			httputil.ServiceUnavailable(w, "pipeline stopped")
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	s.log.Info("streak reset", zap.String("remote", r.RemoteAddr))
	httputil.WriteJSONOK(w, snap)
}
