package transport

import "sync"

// Pipe is one end of an in-memory connection created by NewPipe. Bytes
// written to one end become readable on the other.
type Pipe struct {
	name string
	in   *pipeBuffer
	out  *pipeBuffer

	mu       sync.Mutex
	closed   bool
	writeErr error
}

type pipeBuffer struct {
	mu     sync.Mutex
	data   []byte
	notify chan struct{}
}

func newPipeBuffer() *pipeBuffer {
	return &pipeBuffer{notify: make(chan struct{}, 1)}
}

func (b *pipeBuffer) push(p []byte) {
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *pipeBuffer) drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) == 0 {
		return nil
	}
	out := b.data
	b.data = nil
	return out
}

// NewPipe returns two connected ends.
func NewPipe() (*Pipe, *Pipe) {
	ab, ba := newPipeBuffer(), newPipeBuffer()
	return &Pipe{name: "pipe://a", in: ba, out: ab}, &Pipe{name: "pipe://b", in: ab, out: ba}
}

func (p *Pipe) Address() string {
	return p.name
}

func (p *Pipe) Write(b []byte) error {
	p.mu.Lock()
	closed, werr := p.closed, p.writeErr
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if werr != nil {
		return werr
	}
	p.out.push(append([]byte(nil), b...))
	return nil
}

func (p *Pipe) Read() ([]byte, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return p.in.drain(), nil
}

// Notify fires after bytes arrive for this end.
func (p *Pipe) Notify() <-chan struct{} {
	return p.in.notify
}

// FailWrites makes every subsequent Write return err; nil restores writes.
func (p *Pipe) FailWrites(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

func (p *Pipe) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
