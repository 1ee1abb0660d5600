package serialmux

import (
	"bufio"
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/water.report/internal/timeutil"
)

//go:embed fixtures/*
var fixtureFS embed.FS

// DefaultFixtures returns the bundled device capture used in -dev mode. It
// walks through boot output, a clean period, a contamination episode and a
// recovery.
func DefaultFixtures() []string {
	f, err := fixtureFS.Open("fixtures/device.log")
	if err != nil {
		panic("serialmux: missing bundled fixtures: " + err.Error())
	}
	defer f.Close()
	lines, err := readLines(f)
	if err != nil {
		panic("serialmux: bad bundled fixtures: " + err.Error())
	}
	return lines
}

// LoadFixtures reads a device capture, one line per reading.
func LoadFixtures(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixtures: %w", err)
	}
	defer f.Close()
	lines, err := readLines(f)
	if err != nil {
		return nil, fmt.Errorf("read fixtures %s: %w", path, err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("fixtures %s are empty", path)
	}
	return lines, nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		if line := strings.TrimSpace(scan.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scan.Err()
}

// ReplayPort implements SerialPorter by printing fixture lines at a fixed
// interval, the way the device would. Commands written to it are recorded.
type ReplayPort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer

	stop chan struct{}
	once sync.Once
}

// NewReplayPort starts replaying lines. When loop is false the port reports
// EOF after the last line.
func NewReplayPort(lines []string, interval time.Duration, clock timeutil.Clock, loop bool) *ReplayPort {
	r, w := io.Pipe()
	p := &ReplayPort{r: r, w: w, stop: make(chan struct{})}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	// generate data periodically to simulate serial port input
	go func() {
		defer w.Close()
		if len(lines) == 0 {
			return
		}
		ticker := clock.NewTicker(interval)
		defer ticker.Stop()
		for i := 0; ; i++ {
			if i == len(lines) {
				if !loop {
					return
				}
				i = 0
			}
			select {
			case <-p.stop:
				return
			case <-ticker.C():
			}
			if _, err := io.WriteString(w, lines[i]+"\r\n"); err != nil {
				return
			}
		}
	}()
	return p
}

// ReplayOpener returns an Opener that starts a fresh looping replay on each
// call.
func ReplayOpener(lines []string, interval time.Duration, clock timeutil.Clock) Opener {
	return func(context.Context) (SerialPorter, error) {
		return NewReplayPort(lines, interval, clock, true), nil
	}
}

func (p *ReplayPort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *ReplayPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

// Written returns every command written to the port.
func (p *ReplayPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *ReplayPort) Close() error {
	p.once.Do(func() {
		close(p.stop)
		p.r.CloseWithError(io.EOF)
	})
	return nil
}

// TestableSerialPort implements SerialPorter with configurable behaviour for testing.
// It provides fine-grained control over reads, writes and errors.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call once the buffer is drained
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	readCond *sync.Cond
}

var errPortClosed = errors.New("serial port closed")

// NewTestableSerialPort creates a new TestableSerialPort for testing. Reads
// block until data is added, an error is injected or the port is closed.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for !t.Closed && t.ReadBuffer.Len() == 0 && t.ReadError == nil {
		t.readCond.Wait()
	}
	if t.ReadBuffer.Len() > 0 {
		return t.ReadBuffer.Read(p)
	}
	if t.Closed {
		return 0, errPortClosed
	}
	err = t.ReadError
	t.ReadError = nil
	return 0, err
}

func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast() // Wake up any blocked readers
	return nil
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// FailRead makes the next Read return err once buffered data is consumed.
func (t *TestableSerialPort) FailRead(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadError = err
	t.readCond.Broadcast()
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// IsClosed reports whether Close was called.
func (t *TestableSerialPort) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Closed
}
