// Package transport provides the byte pipes the protocol session talks over:
// serial ports, TCP sockets and an in-memory pair for tests.
package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultTCPPort  = 5761
	DefaultBaudRate = 115200

	defaultDialTimeout = 3 * time.Second
	defaultReadTimeout = time.Millisecond
	readBufferSize     = 4096
)

var ErrClosed = errors.New("transport closed")

// Port is a connected byte pipe. Read returns whatever bytes are available,
// possibly none; an empty read is not an error.
type Port interface {
	Write(p []byte) error
	Read() ([]byte, error)
	Close() error
	Address() string
}

// Kind distinguishes the supported transports.
type Kind string

const (
	KindSerial Kind = "serial"
	KindTCP    Kind = "tcp"
)

// Descriptor describes a device that can be opened.
type Descriptor struct {
	Name    string `json:"name"`
	Kind    Kind   `json:"kind"`
	IsUSB   bool   `json:"isUsb"`
	VID     string `json:"vid,omitempty"`
	PID     string `json:"pid,omitempty"`
	Serial  string `json:"serial,omitempty"`
	Product string `json:"product,omitempty"`
}

// Address is a parsed transport address.
type Address struct {
	Kind Kind
	// Path is the serial device for KindSerial and host:port for KindTCP.
	Path string
}

func (a Address) String() string {
	if a.Kind == KindTCP {
		return "tcp://" + a.Path
	}
	return a.Path
}

// ParseAddress accepts tcp://host[:port], serial://<device> or a bare device
// name.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, errors.New("empty transport address")
	}
	switch {
	case strings.HasPrefix(s, "tcp://"):
		hostport := strings.TrimSuffix(strings.TrimPrefix(s, "tcp://"), "/")
		if hostport == "" {
			return Address{}, fmt.Errorf("missing host in %q", s)
		}
		host, port, err := net.SplitHostPort(hostport)
		if err != nil {
			host = strings.Trim(hostport, "[]")
			port = strconv.Itoa(DefaultTCPPort)
		}
		if host == "" {
			return Address{}, fmt.Errorf("missing host in %q", s)
		}
		if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			return Address{}, fmt.Errorf("invalid port in %q", s)
		}
		return Address{Kind: KindTCP, Path: net.JoinHostPort(host, port)}, nil
	case strings.HasPrefix(s, "serial://"):
		path := strings.TrimPrefix(s, "serial://")
		if path == "" {
			return Address{}, fmt.Errorf("missing device in %q", s)
		}
		return Address{Kind: KindSerial, Path: path}, nil
	case strings.Contains(s, "://"):
		return Address{}, fmt.Errorf("unsupported transport scheme in %q", s)
	}
	return Address{Kind: KindSerial, Path: s}, nil
}

type options struct {
	baud        int
	dialTimeout time.Duration
	readTimeout time.Duration
}

type Option func(*options)

func WithBaudRate(baud int) Option {
	return func(o *options) {
		if baud > 0 {
			o.baud = baud
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dialTimeout = d
		}
	}
}

// WithReadTimeout bounds how long a single Read waits for bytes.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.readTimeout = d
		}
	}
}

// Open connects to address.
func Open(address string, opts ...Option) (Port, error) {
	o := options{
		baud:        DefaultBaudRate,
		dialTimeout: defaultDialTimeout,
		readTimeout: defaultReadTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	switch addr.Kind {
	case KindTCP:
		return dialTCP(addr, o)
	default:
		return openSerial(addr, o)
	}
}

// List enumerates the serial devices currently attached.
func List() ([]Descriptor, error) {
	return listSerial()
}
