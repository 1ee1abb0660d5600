package serialmux

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.bug.st/serial"
)

// OpenSerialPort opens the serial device at path with the provided options.
func OpenSerialPort(path string, opts PortOptions) (serial.Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return port, nil
}

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	port, err := OpenSerialPort(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}

// SerialOpener returns an Opener for a local serial device.
func SerialOpener(path string, opts PortOptions) Opener {
	return func(context.Context) (SerialPorter, error) {
		return OpenSerialPort(path, opts)
	}
}

// TCPOpener returns an Opener for a serial-over-TCP bridge, such as a
// simulator's forwarded UART.
func TCPOpener(addr string, timeout time.Duration) Opener {
	return func(ctx context.Context) (SerialPorter, error) {
		d := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial serial bridge %s: %w", addr, err)
		}
		return conn, nil
	}
}

// ListPorts returns the serial devices present on this machine.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
