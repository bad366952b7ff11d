package serialmux

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// readTimeout bounds each blocking read so Close is noticed promptly.
const readTimeout = 500 * time.Millisecond

// OpenSerialPort opens path with go.bug.st/serial using opts.
func OpenSerialPort(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return port, nil
}

// NewSerialMuxWithOpener opens path with open and wraps it in a SerialMux.
func NewSerialMuxWithOpener(path string, opts PortOptions, open SerialPortOpener) (*SerialMux[SerialPorter], error) {
	port, err := open(path, opts)
	if err != nil {
		return nil, err
	}
	if tp, ok := port.(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(readTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("set read timeout: %w", err)
		}
	}
	return NewSerialMux(port), nil
}

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	return NewSerialMuxWithOpener(path, opts, OpenSerialPort)
}
