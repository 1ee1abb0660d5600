package adapter

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/banshee-data/water.report/internal/reading"
	"github.com/banshee-data/water.report/internal/serialmux"
)

// Serial reads the device's line-oriented output from a serial port or a
// serial-over-TCP bridge. Lines that are not JSON objects are boot chatter and
// are only logged at debug level.
type Serial struct {
	base
	open serialmux.Opener
	mux  *serialmux.SerialMux[serialmux.SerialPorter]
}

// NewSerial builds the adapter. open is called for the first connection and
// again after every transport failure.
func NewSerial(name string, open serialmux.Opener, opts ...Option) *Serial {
	s := &Serial{
		open: open,
		mux:  serialmux.NewDetachedSerialMux[serialmux.SerialPorter](),
	}
	s.init(name, reading.SourceSerial, opts)
	return s
}

// AttachAdminRoutes exposes the raw line tail and command endpoint under
// /debug/.
func (s *Serial) AttachAdminRoutes(mux *http.ServeMux) {
	s.mux.AttachAdminRoutes(mux)
}

func (s *Serial) Run(ctx context.Context, in Ingester) error {
	id, lines := s.mux.Subscribe()
	defer s.mux.Unsubscribe(id)
	defer s.mux.Close()
	defer s.down(nil)

	for {
		port, err := s.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.down(fmt.Errorf("%w: %v", ErrTransport, err))
			if s.wait(ctx) != nil {
				return nil
			}
			continue
		}
		if err := s.mux.Swap(port); err != nil {
			return nil
		}
		s.up()

		monitorErr := make(chan error, 1)
		go func() { monitorErr <- s.mux.Monitor(ctx) }()

		if stop := s.consume(ctx, in, lines, monitorErr); stop {
			return nil
		}
		if s.wait(ctx) != nil {
			return nil
		}
	}
}

// consume forwards lines until the port fails. It reports true when the
// adapter should stop.
func (s *Serial) consume(ctx context.Context, in Ingester, lines <-chan string, monitorErr <-chan error) bool {
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return true
			}
			s.handleLine(ctx, in, line)
		case err := <-monitorErr:
			if ctx.Err() != nil {
				return true
			}
			if err == nil {
				err = fmt.Errorf("%w: device closed the connection", ErrTransport)
			} else {
				err = fmt.Errorf("%w: %v", ErrTransport, err)
			}
			s.mux.Detach()
			s.down(err)
			s.drain(ctx, in, lines)
			return false
		case <-ctx.Done():
			return true
		}
	}
}

// drain forwards lines that were already buffered when the port failed.
func (s *Serial) drain(ctx context.Context, in Ingester, lines <-chan string) {
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			s.handleLine(ctx, in, line)
		default:
			return
		}
	}
}

func (s *Serial) handleLine(ctx context.Context, in Ingester, line string) {
	switch serialmux.ClassifyLine(line) {
	case serialmux.LineTypeReading:
		s.submit(ctx, in, []byte(line))
	case serialmux.LineTypeLog:
		s.log.Debug("device output", zap.String("line", line))
	}
}
