package server

import (
	"context"
	"encoding/hex"
	"time"

	"example.com/kolibri/internal/common"
	"example.com/kolibri/internal/msp"
	"example.com/kolibri/internal/session"
)

const (
	EventCommand = "command"
	EventStatus  = "status"
)

// Event is one message of the live feed.
type Event struct {
	Type    string               `json:"type"`
	Ts      time.Time            `json:"ts"`
	Command *common.TrafficEntry `json:"command,omitempty"`
	Status  *session.Status      `json:"status,omitempty"`
}

func commandEvent(c msp.Command) Event {
	now := time.Now().UTC()
	return Event{
		Type: EventCommand,
		Ts:   now,
		Command: &common.TrafficEntry{
			Ts:         now,
			Link:       "in",
			Fn:         c.Fn.String(),
			Code:       uint16(c.Fn),
			Direction:  c.Direction.String(),
			Version:    c.Version.String(),
			PayloadHex: hex.EncodeToString(c.Payload),
		},
	}
}

// Hub fans events out to subscribers. A subscriber that falls behind misses
// events instead of stalling the others.
type Hub struct {
	broadcast  chan Event
	register   chan chan Event
	unregister chan chan Event
	clients    map[chan Event]struct{}
	clientBuf  int
	done       chan struct{}
}

type HubOption func(*Hub)

func WithBroadcastBuffer(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.broadcast = make(chan Event, size)
		}
	}
}

func WithClientBuffer(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.clientBuf = size
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		broadcast:  make(chan Event, 256),
		register:   make(chan chan Event),
		unregister: make(chan chan Event),
		clients:    make(map[chan Event]struct{}),
		clientBuf:  defaultClientBuffer,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run serves subscriptions until ctx is done, then closes every subscriber
// channel.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for ch := range h.clients {
				close(ch)
			}
			h.clients = nil
			return
		case ch := <-h.register:
			h.clients[ch] = struct{}{}
		case ch := <-h.unregister:
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}
		case ev := <-h.broadcast:
			for ch := range h.clients {
				select {
				case ch <- ev:
				default:
				}
			}
		}
	}
}

// Subscribe returns a channel receiving every published event. It returns
// nil once the hub has stopped.
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, h.clientBuf)
	select {
	case h.register <- ch:
		return ch
	case <-h.done:
		return nil
	}
}

func (h *Hub) Unsubscribe(ch chan Event) {
	if ch == nil {
		return
	}
	select {
	case h.unregister <- ch:
	case <-h.done:
	}
}

// Publish never blocks; events are dropped while the broadcast buffer is
// full or after the hub stopped.
func (h *Hub) Publish(ev Event) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- ev:
	default:
	}
}
