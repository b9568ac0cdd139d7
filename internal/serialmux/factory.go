package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// NewRealSerialMux opens the serial device at path and wraps it in a mux.
func NewRealSerialMux(name, path string, opts PortOptions, initCommands ...string) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s at %s: %w", name, path, err)
	}

	return NewSerialMux[serial.Port](name, port, initCommands...), nil
}
