package adapter

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/banshee-data/water.report/internal/httputil"
	"github.com/banshee-data/water.report/internal/reading"
	"github.com/banshee-data/water.report/internal/serialmux"
)

const (
	relayWriteWait = 10 * time.Second
	relayReadLimit = 64 * 1024
)

// endpoint tracks the Run lifetime of a push adapter. Its HTTP handlers only
// accept payloads while Run is active.
type endpoint struct {
	mu  sync.Mutex
	ctx context.Context
	in  Ingester
}

func (e *endpoint) attach(ctx context.Context, in Ingester) {
	e.mu.Lock()
	e.ctx, e.in = ctx, in
	e.mu.Unlock()
}

func (e *endpoint) detach() {
	e.mu.Lock()
	e.ctx, e.in = nil, nil
	e.mu.Unlock()
}

func (e *endpoint) target() (context.Context, Ingester, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.in == nil || e.ctx.Err() != nil {
		return nil, nil, false
	}
	return e.ctx, e.in, true
}

// Relay accepts device output forwarded by a browser over a WebSocket. Each
// text frame may hold several lines; every reading line is acknowledged with
// an Ack frame in arrival order.
type Relay struct {
	base
	endpoint
	upgrader websocket.Upgrader

	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}
}

func NewRelay(name string, opts ...Option) *Relay {
	r := &Relay{
		upgrader: websocket.Upgrader{
			// the simulator page is hosted elsewhere and relays to us
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
	r.init(name, reading.SourceBrowser, opts)
	return r
}

func (rl *Relay) Run(ctx context.Context, in Ingester) error {
	rl.attach(ctx, in)
	rl.up()
	<-ctx.Done()
	rl.detach()
	rl.closeAll()
	rl.down(nil)
	return nil
}

// Connections returns the number of open relay sockets.
func (rl *Relay) Connections() int {
	rl.connMu.Lock()
	defer rl.connMu.Unlock()
	return len(rl.conns)
}

func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := rl.target(); !ok {
		httputil.ServiceUnavailable(w, "relay not running")
		return
	}
	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.log.Debug("relay upgrade failed", zap.Error(err))
		return
	}
	rl.track(conn, true)
	defer rl.track(conn, false)
	defer conn.Close()

	rl.log.Info("relay connected", zap.String("remote", r.RemoteAddr))
	conn.SetReadLimit(relayReadLimit)
	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				rl.log.Debug("relay read ended", zap.Error(err))
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		ctx, in, ok := rl.target()
		if !ok {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay stopping"),
				time.Now().Add(relayWriteWait))
			return
		}
		for _, line := range strings.Split(string(msg), "\n") {
			line = strings.TrimSpace(line)
			if serialmux.ClassifyLine(line) != serialmux.LineTypeReading {
				continue
			}
			rd, err := rl.submit(ctx, in, []byte(line))
			conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := conn.WriteJSON(ackFor(rd, err)); err != nil {
				return
			}
		}
	}
}

func (rl *Relay) track(conn *websocket.Conn, open bool) {
	rl.connMu.Lock()
	defer rl.connMu.Unlock()
	if open {
		rl.conns[conn] = struct{}{}
	} else {
		delete(rl.conns, conn)
	}
}

func (rl *Relay) closeAll() {
	rl.connMu.Lock()
	defer rl.connMu.Unlock()
	for conn := range rl.conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay stopping"),
			time.Now().Add(relayWriteWait))
		conn.Close()
	}
}
