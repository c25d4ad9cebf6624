package transport

import (
	"fmt"
	"strings"
	"sync"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

type serialPort struct {
	port serial.Port
	addr Address
	buf  []byte

	mu     sync.Mutex
	closed bool
}

func openSerial(addr Address, o options) (*serialPort, error) {
	mode := &serial.Mode{
		BaudRate: o.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(addr.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", addr.Path, err)
	}
	if err := p.SetReadTimeout(o.readTimeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", addr.Path, err)
	}
	return &serialPort{port: p, addr: addr, buf: make([]byte, readBufferSize)}, nil
}

func (s *serialPort) Address() string {
	return s.addr.String()
}

func (s *serialPort) Write(p []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	for len(p) > 0 {
		n, err := s.port.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// Read returns no bytes and no error when the read timeout elapses.
func (s *serialPort) Read() ([]byte, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	n, err := s.port.Read(s.buf)
	if n <= 0 {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, s.buf[:n])
	return out, err
}

func (s *serialPort) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.port.Close()
}

func (s *serialPort) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func listSerial() ([]Descriptor, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}
	out := make([]Descriptor, 0, len(ports))
	for _, p := range ports {
		out = append(out, Descriptor{
			Name:    p.Name,
			Kind:    KindSerial,
			IsUSB:   p.IsUSB,
			VID:     strings.ToUpper(p.VID),
			PID:     strings.ToUpper(p.PID),
			Serial:  p.SerialNumber,
			Product: p.Product,
		})
	}
	return out, nil
}
