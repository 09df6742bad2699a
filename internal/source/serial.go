package source

import (
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"
)

// openPort is replaced in tests.
var openPort = func(name string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	return serial.Open(name, mode)
}

// SerialSource reads protocol lines from a serial device. The same port is
// exposed as a writer so event lines can be sent back down the link.
type SerialSource struct {
	*LineSource
	port io.ReadWriteCloser
	wmu  sync.Mutex
}

// OpenSerial opens name at baud (8N1) and starts reading commands from it.
func OpenSerial(name string, baud int, opts LineOptions) (*SerialSource, error) {
	port, err := openPort(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}
	return NewSerialSource(port, opts), nil
}

// NewSerialSource reads commands from an already open port. Stop closes it.
func NewSerialSource(port io.ReadWriteCloser, opts LineOptions) *SerialSource {
	return &SerialSource{
		LineSource: NewLineSource(port, opts),
		port:       port,
	}
}

// Write sends raw bytes to the device. Concurrent writes are serialized so
// lines never interleave.
func (s *SerialSource) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.port.Write(p)
}
