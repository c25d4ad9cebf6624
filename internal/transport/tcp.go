package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

type tcpPort struct {
	conn        net.Conn
	addr        Address
	readTimeout time.Duration
	buf         []byte

	mu     sync.Mutex
	closed bool
}

func dialTCP(addr Address, o options) (*tcpPort, error) {
	conn, err := net.DialTimeout("tcp", addr.Path, o.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &tcpPort{
		conn:        conn,
		addr:        addr,
		readTimeout: o.readTimeout,
		buf:         make([]byte, readBufferSize),
	}, nil
}

func (t *tcpPort) Address() string {
	return t.addr.String()
}

func (t *tcpPort) Write(p []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	_, err := t.conn.Write(p)
	return err
}

func (t *tcpPort) Read() ([]byte, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	_ = t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	n, err := t.conn.Read(t.buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			err = nil
		} else if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			err = nil
		}
	}
	if n == 0 {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, t.buf[:n])
	return out, err
}

func (t *tcpPort) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}

func (t *tcpPort) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
