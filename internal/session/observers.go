package session

import (
	"sync"

	"example.com/kolibri/internal/msp"
)

// Handler receives every validated inbound command.
type Handler func(msp.Command)

type observer struct {
	id uint64
	fn Handler
}

// registry is an ordered list of handlers. It outlives individual
// connections.
type registry struct {
	mu     sync.Mutex
	nextID uint64
	list   []observer
}

func (r *registry) add(fn Handler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.list = append(r.list, observer{id: id, fn: fn})
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, o := range r.list {
		if o.id == id {
			r.list = append(r.list[:i:i], r.list[i+1:]...)
			return
		}
	}
}

func (r *registry) snapshot() []observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]observer(nil), r.list...)
}

func (r *registry) notify(c msp.Command) {
	for _, o := range r.snapshot() {
		o.fn(c)
	}
}
