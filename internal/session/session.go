// Package session owns one protocol connection: it writes encoded requests,
// decodes the inbound byte stream, correlates responses with pending
// requests and keeps the link alive with periodic ping and status requests.
package session

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"example.com/kolibri/internal/common"
	"example.com/kolibri/internal/msp"
	"example.com/kolibri/internal/transport"
)

type result struct {
	cmd msp.Command
	err error
}

type pending struct {
	req      msp.Command
	verify   VerifyFunc
	retries  int
	timeout  time.Duration
	data     any
	created  time.Time
	attempts int
	timer    *time.Timer
	done     chan result
	finished bool
}

// link is the state of one open connection.
type link struct {
	port   transport.Port
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// dispatching is set while observers run on the read loop.
	dispatching atomic.Bool
}

// Session is safe for concurrent use. Observers registered with Subscribe
// survive reconnects.
type Session struct {
	opts      Options
	observers registry

	mu      sync.Mutex
	link    *link
	enabled bool
	pending []*pending
	seq     uint8
	latency time.Duration
	pinged  time.Time
	flight  *FlightStatus
}

func New(opts Options) *Session {
	return &Session{opts: opts.withDefaults()}
}

// Metrics exposes the link counters.
func (s *Session) Metrics() *common.Metrics {
	return s.opts.Metrics
}

// Subscribe registers fn for every validated inbound command and returns a
// function that removes it. Handlers run on the read loop and must not block
// on a response.
func (s *Session) Subscribe(fn Handler) func() {
	return s.observers.add(fn)
}

// SetEnabled opens or closes the command gate. Connect enables it and
// Disconnect disables it.
func (s *Session) SetEnabled(on bool) {
	s.mu.Lock()
	s.enabled = on
	s.mu.Unlock()
}

// Connected reports whether a transport is attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link != nil
}

// Connect opens address with the configured opener and attaches it.
func (s *Session) Connect(ctx context.Context, address string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	port, err := s.opts.Open(address)
	if err != nil {
		return err
	}
	s.Attach(port)
	return nil
}

// Attach starts a session on an already open port, replacing any current
// connection.
func (s *Session) Attach(port transport.Port) {
	s.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	l := &link{port: port, cancel: cancel}

	s.mu.Lock()
	s.link = l
	s.enabled = true
	s.flight = nil
	s.latency = 0
	s.mu.Unlock()

	s.opts.Metrics.Start()
	common.Logf("connected to %s", port.Address())

	l.wg.Add(1)
	go s.readLoop(ctx, l)
	if s.opts.PingInterval > 0 {
		l.wg.Add(1)
		go s.every(ctx, l, s.opts.PingInterval, s.ping)
	}
	if s.opts.StatusInterval > 0 {
		l.wg.Add(1)
		go s.every(ctx, l, s.opts.StatusInterval, s.pollStatus)
	}
}

// Disconnect closes the transport. Every pending request has been rejected
// with ErrNotConnected and every background task has stopped by the time it
// returns. Called from a Subscribe handler it does not wait for the read
// loop, which exits once the handler returns.
func (s *Session) Disconnect() {
	s.mu.Lock()
	l := s.link
	s.link = nil
	s.enabled = false
	for len(s.pending) > 0 {
		s.finishLocked(s.pending[0], msp.Command{}, ErrNotConnected)
	}
	s.mu.Unlock()
	if l == nil {
		return
	}
	l.cancel()
	if err := l.port.Close(); err != nil {
		common.Logf("close %s: %v", l.port.Address(), err)
	}
	s.opts.Metrics.Stop()
	common.Logf("disconnected from %s", l.port.Address())
	if l.dispatching.Load() {
		return
	}
	l.wg.Wait()
}

// linkFailed tears down l if it is still the active connection.
func (s *Session) linkFailed(l *link, err error) {
	s.mu.Lock()
	active := s.link == l
	s.mu.Unlock()
	if !active {
		return
	}
	common.Logf("link %s failed: %v", l.port.Address(), err)
	s.Disconnect()
}

// Send is SendCommand with default options.
func (s *Session) Send(ctx context.Context, fn msp.Fn, payload []byte) (msp.Command, error) {
	return s.SendCommand(ctx, fn, payload, SendOptions{})
}

// SendCommand writes a request and waits for the first inbound command that
// opts.Verify accepts. Each attempt waits opts.Timeout; after the retry
// budget is spent the call fails with ErrTimeout.
func (s *Session) SendCommand(ctx context.Context, fn msp.Fn, payload []byte, opts SendOptions) (msp.Command, error) {
	opts = s.sendDefaults(opts)
	p := &pending{
		req:     msp.Command{Fn: fn, Direction: opts.Direction, Payload: payload, Version: opts.Version},
		verify:  opts.Verify,
		retries: opts.Retries,
		timeout: opts.Timeout,
		data:    opts.CallbackData,
		created: time.Now(),
		done:    make(chan result, 1),
	}

	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return msp.Command{}, ErrCmdDisabled
	}
	if s.link == nil {
		s.mu.Unlock()
		return msp.Command{}, ErrNotConnected
	}
	if err := s.transmitLocked(p); err != nil {
		s.mu.Unlock()
		return msp.Command{}, &BackendError{Err: err}
	}
	s.pending = append(s.pending, p)
	p.timer = time.AfterFunc(p.timeout, func() { s.expire(p) })
	s.mu.Unlock()

	select {
	case r := <-p.done:
		return r.cmd, r.err
	case <-ctx.Done():
		s.mu.Lock()
		if !p.finished {
			s.finishLocked(p, msp.Command{}, ctx.Err())
		}
		s.mu.Unlock()
		r := <-p.done
		return r.cmd, r.err
	}
}

func (s *Session) transmitLocked(p *pending) error {
	frame := msp.Encode(p.req)
	p.attempts++
	if err := s.link.port.Write(frame); err != nil {
		return err
	}
	s.opts.Metrics.AddBytesOut(int64(len(frame)))
	s.logTraffic("out", p.req, p.attempts)
	return nil
}

func (s *Session) expire(p *pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.finished {
		return
	}
	if p.retries > 0 && s.link != nil {
		p.retries--
		s.opts.Metrics.IncRetry()
		if err := s.transmitLocked(p); err != nil {
			s.finishLocked(p, msp.Command{}, &BackendError{Err: err})
			return
		}
		p.timer.Reset(p.timeout)
		return
	}
	s.finishLocked(p, msp.Command{}, ErrTimeout)
}

// finishLocked resolves p exactly once and drops it from the pending list.
func (s *Session) finishLocked(p *pending, cmd msp.Command, err error) {
	if p.finished {
		return
	}
	p.finished = true
	if p.timer != nil {
		p.timer.Stop()
	}
	for i, q := range s.pending {
		if q == p {
			s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
			break
		}
	}
	p.done <- result{cmd: cmd, err: err}
}

func (s *Session) readLoop(ctx context.Context, l *link) {
	defer l.wg.Done()
	var dec msp.Decoder
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			data, err := l.port.Read()
			if err != nil {
				if ctx.Err() == nil {
					go s.linkFailed(l, err)
				}
				return
			}
			if len(data) == 0 {
				break
			}
			s.opts.Metrics.AddBytes(int64(len(data)))
			for _, cmd := range dec.Feed(data) {
				if ctx.Err() != nil {
					return
				}
				s.dispatch(l, cmd)
			}
			s.opts.Metrics.SetDropped(int64(dec.Dropped()))
		}
	}
}

func (s *Session) dispatch(l *link, cmd msp.Command) {
	s.opts.Metrics.IncFrame()
	s.logTraffic("in", cmd, 0)
	if cmd.Direction == msp.Error {
		common.Logf("firmware returned error for %s", cmd.Fn)
	}
	l.dispatching.Store(true)
	s.observers.notify(cmd)
	l.dispatching.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != l {
		return
	}
	for _, p := range s.pending {
		if p.verify(p.req, cmd) {
			s.finishLocked(p, cmd, nil)
			return
		}
	}
}

func (s *Session) logTraffic(dir string, c msp.Command, attempt int) {
	if s.opts.Traffic == nil {
		return
	}
	err := s.opts.Traffic.Append(common.TrafficEntry{
		Link:       dir,
		Fn:         c.Fn.String(),
		Code:       uint16(c.Fn),
		Direction:  c.Direction.String(),
		Version:    c.Version.String(),
		PayloadHex: hex.EncodeToString(c.Payload),
		Attempt:    attempt,
	})
	if err != nil {
		common.Logf("traffic log: %v", err)
	}
}

func (s *Session) every(ctx context.Context, l *link, interval time.Duration, fn func(context.Context)) {
	defer l.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (s *Session) ping(ctx context.Context) {
	_, _ = s.Ping(ctx)
}

// Ping sends a configurator ping carrying a sequence byte, records the round
// trip as the session latency and returns it.
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	start := time.Now()
	_, err := s.SendCommand(ctx, msp.FnConfiguratorPing, []byte{seq}, SendOptions{
		Retries: NoRetry,
		Verify: func(req, resp msp.Command) bool {
			return resp.Fn == req.Fn && len(resp.Payload) == 1 && resp.Payload[0] == seq
		},
	})
	if err != nil {
		return 0, err
	}
	end := time.Now()
	rtt := end.Sub(start)
	s.mu.Lock()
	s.latency = rtt
	s.pinged = end
	s.mu.Unlock()
	return rtt, nil
}

func (s *Session) pollStatus(ctx context.Context) {
	resp, err := s.SendCommand(ctx, msp.FnStatus, nil, SendOptions{Retries: NoRetry})
	if err != nil {
		return
	}
	st, err := ParseFlightStatus(resp.Payload)
	if err != nil {
		return
	}
	st.Updated = time.Now()
	s.mu.Lock()
	s.flight = &st
	s.mu.Unlock()
}

// Latency is the round trip of the last answered ping.
func (s *Session) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency
}

// Status returns a snapshot of the connection.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Connected: s.link != nil,
		Enabled:   s.enabled,
		Latency:   s.latency,
		LastPing:  s.pinged,
		Pending:   make([]PendingInfo, 0, len(s.pending)),
	}
	if s.link != nil {
		st.Address = s.link.port.Address()
	}
	if s.flight != nil {
		f := *s.flight
		st.Flight = &f
	}
	now := time.Now()
	for _, p := range s.pending {
		st.Pending = append(st.Pending, PendingInfo{
			Fn:           p.req.Fn.String(),
			Attempts:     p.attempts,
			Age:          now.Sub(p.created),
			CallbackData: p.data,
		})
	}
	return st
}
