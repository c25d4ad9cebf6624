package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 5 * time.Second

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSClient(conn *websocket.Conn, buffer int) *wsClient {
	return &wsClient{conn: conn, send: make(chan []byte, buffer), done: make(chan struct{})}
}

// handleWS streams the live feed as JSON text messages. Messages from the
// client are read and discarded so close frames are processed.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sub := s.hub.Subscribe()
	if sub == nil {
		conn.Close()
		return
	}
	c := newWSClient(conn, s.opts.ClientBuffer)
	if s.opts.Session != nil {
		st := s.opts.Session.Status()
		c.trySend(marshalEvent(Event{Type: EventStatus, Ts: time.Now().UTC(), Status: &st}))
	}

	go c.writeLoop()
	go func() {
		for ev := range sub {
			c.trySend(marshalEvent(ev))
		}
		c.close()
	}()
	c.readLoop()

	s.hub.Unsubscribe(sub)
	c.close()
}

func (c *wsClient) readLoop() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		}
	}
}

// trySend queues msg and reports whether it was accepted. Messages are
// dropped when the client is slow or already closed.
func (c *wsClient) trySend(msg []byte) bool {
	if msg == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close is safe to call more than once. The send channel stays open.
func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func marshalEvent(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		logRequestError("ws", err)
		return nil
	}
	return b
}
