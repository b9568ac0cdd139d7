package serialmux

import (
	"io"
	"time"
)

// SerialPorter is the minimal port surface the mux needs; tests substitute
// in-memory ports.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter is implemented by ports that support read deadlines.
type TimeoutSerialPorter interface {
	SerialPorter
	SetReadTimeout(timeout time.Duration) error
}
