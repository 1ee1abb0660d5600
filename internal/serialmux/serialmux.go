// Serialmux provides an abstraction over the device's serial line with the
// ability for multiple clients to subscribe to the lines it prints and send
// commands back to it. The underlying port can be swapped after a transport
// failure without dropping subscribers.
package serialmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/banshee-data/water.report/internal/monitoring"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")
	ErrNoPort      = errors.New("no serial port attached")
	ErrClosed      = errors.New("serial mux closed")
)

// DefaultSubscriberBuffer is the number of lines buffered per subscriber.
const DefaultSubscriberBuffer = 64

// maxLineLength bounds a single device line. The firmware prints short JSON
// objects, so anything longer is noise on the line.
const maxLineLength = 64 * 1024

// SerialMux is a generic serial port multiplexer that allows multiple clients to
// subscribe to lines from a single serial port.
type SerialMux[T SerialPorter] struct {
	portMu  sync.Mutex
	port    T
	hasPort bool

	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	buffer       int

	commandMu sync.Mutex
	closing   bool
	closingMu sync.Mutex
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving lines from the serial
	// port. The channel ID is used to identify the unique channel when
	// unsubscribing.
	Subscribe() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes the provided command to the serial port.
	SendCommand(string) error
	// Monitor reads lines from the serial port and sends them to the
	// subscribers until the port fails or ctx is done.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux creates a SerialMux backed by port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		hasPort:     true,
		subscribers: make(map[string]chan string),
		buffer:      DefaultSubscriberBuffer,
	}
}

// NewDetachedSerialMux creates a SerialMux with no port. Monitor and
// SendCommand return ErrNoPort until Swap attaches one.
func NewDetachedSerialMux[T SerialPorter]() *SerialMux[T] {
	return &SerialMux[T]{
		subscribers: make(map[string]chan string),
		buffer:      DefaultSubscriberBuffer,
	}
}

// SetSubscriberBuffer changes the buffer used for subscriptions created
// afterwards.
func (s *SerialMux[T]) SetSubscriberBuffer(n int) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if n > 0 {
		s.buffer = n
	}
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := uuid.NewString()
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	ch := make(chan string, s.buffer)
	if s.isClosing() {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Swap attaches a new port, closing the previous one. Subscribers are kept.
func (s *SerialMux[T]) Swap(port T) error {
	if s.isClosing() {
		port.Close()
		return ErrClosed
	}
	s.portMu.Lock()
	old, had := s.port, s.hasPort
	s.port, s.hasPort = port, true
	s.portMu.Unlock()
	if had {
		return old.Close()
	}
	return nil
}

// Detach closes and forgets the current port.
func (s *SerialMux[T]) Detach() error {
	s.portMu.Lock()
	old, had := s.port, s.hasPort
	var zero T
	s.port, s.hasPort = zero, false
	s.portMu.Unlock()
	if had {
		return old.Close()
	}
	return nil
}

func (s *SerialMux[T]) current() (T, bool) {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	return s.port, s.hasPort
}

// SendCommand sends a command to the serial port.
func (s *SerialMux[T]) SendCommand(command string) error {
	port, ok := s.current()
	if !ok {
		return ErrNoPort
	}
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n" // ensure command ends with a newline
	}
	n, err := port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads lines from the current port and sends them to subscribers.
// It returns nil when the port reaches EOF or the mux is closed, ctx.Err()
// when ctx is done, and the read error otherwise.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	port, ok := s.current()
	if !ok {
		return ErrNoPort
	}
	scan := bufio.NewScanner(port)
	scan.Buffer(make([]byte, 0, 4096), maxLineLength)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// the blocking scan.Scan runs in its own goroutine so the loop below can
	// still observe ctx cancellation
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			if s.isClosing() {
				return nil
			}
			return fmt.Errorf("read serial port: %w", err)

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					if !s.isClosing() {
						return fmt.Errorf("read serial port: %w", err)
					}
				default:
				}
				return nil
			}
			if s.isClosing() {
				return nil
			}
			s.broadcast(strings.TrimRight(line, "\r"))
		}
	}
}

func (s *SerialMux[T]) broadcast(line string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			// skip a full subscriber rather than block the port
			monitoring.Logf("serialmux: subscriber %s is full, dropping line", id)
		}
	}
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	if s.closing {
		s.closingMu.Unlock()
		return nil
	}
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.Detach()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	// API endpoint to write a command to the device
	debug.HandleSilentFunc("serial-command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	// Server-Sent Events stream of raw lines from the device
	debug.HandleSilentFunc("serial-tail", func(w http.ResponseWriter, r *http.Request) {
		ServeTail(s, w, r)
	})
}

// ServeTail streams every line m receives as a Server-Sent Event until the
// client goes away or m is closed.
func ServeTail(m SerialMuxInterface, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, c := m.Subscribe()
	defer m.Unsubscribe(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case line, ok := <-c:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
