package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/kolibri/internal/common"
	"example.com/kolibri/internal/msp"
	"example.com/kolibri/internal/transport"
)

type device struct {
	mu   sync.Mutex
	seen []msp.Command
}

func (d *device) record(c msp.Command) {
	d.mu.Lock()
	d.seen = append(d.seen, c)
	d.mu.Unlock()
}

func (d *device) count(fn msp.Fn) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.seen {
		if c.Fn == fn {
			n++
		}
	}
	return n
}

// runDevice emulates a flight controller on the far end of a pipe. reply is
// only ever called from the device goroutine.
func runDevice(t *testing.T, port *transport.Pipe, reply func(msp.Command) []msp.Command) *device {
	t.Helper()
	d := &device{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		var dec msp.Decoder
		for {
			select {
			case <-ctx.Done():
				return
			case <-port.Notify():
			case <-time.After(time.Millisecond):
			}
			data, err := port.Read()
			if err != nil {
				return
			}
			for _, c := range dec.Feed(data) {
				d.record(c)
				for _, r := range reply(c) {
					_ = port.Write(msp.Encode(r))
				}
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d
}

func echo(c msp.Command) []msp.Command {
	return []msp.Command{{Fn: c.Fn, Direction: msp.Response, Payload: c.Payload, Version: c.Version}}
}

func silent(msp.Command) []msp.Command { return nil }

func quietOptions() Options {
	return Options{PingInterval: -1, StatusInterval: -1, PollInterval: time.Millisecond}
}

func newAttached(t *testing.T, opts Options, reply func(msp.Command) []msp.Command) (*Session, *device, *transport.Pipe) {
	t.Helper()
	host, fc := transport.NewPipe()
	d := runDevice(t, fc, reply)
	s := New(opts)
	s.Attach(host)
	t.Cleanup(s.Disconnect)
	return s, d, host
}

func TestSendCommandResolves(t *testing.T) {
	s, _, _ := newAttached(t, quietOptions(), echo)
	resp, err := s.Send(context.Background(), msp.FnGetName, []byte("kolibri"))
	require.NoError(t, err)
	require.Equal(t, msp.FnGetName, resp.Fn)
	require.Equal(t, msp.Response, resp.Direction)
	require.Equal(t, msp.V2, resp.Version)
	require.Equal(t, "kolibri", string(resp.Payload))
}

func TestSendCommandLegacyVersion(t *testing.T) {
	s, _, _ := newAttached(t, quietOptions(), echo)
	resp, err := s.SendCommand(context.Background(), msp.FnMspStatus, nil, SendOptions{Version: msp.V1})
	require.NoError(t, err)
	require.Equal(t, msp.V1, resp.Version)
}

func TestOutOfOrderResponsesCorrelate(t *testing.T) {
	var held []msp.Command
	reply := func(c msp.Command) []msp.Command {
		held = append(held, c)
		if len(held) < 2 {
			return nil
		}
		out := []msp.Command{
			{Fn: held[1].Fn, Direction: msp.Response, Payload: []byte(held[1].Fn.String())},
			{Fn: held[0].Fn, Direction: msp.Response, Payload: []byte(held[0].Fn.String())},
		}
		held = nil
		return out
	}
	s, _, _ := newAttached(t, quietOptions(), reply)

	type outcome struct {
		fn   msp.Fn
		resp msp.Command
		err  error
	}
	results := make(chan outcome, 2)
	for _, fn := range []msp.Fn{msp.FnBBFileList, msp.FnGetRates} {
		fn := fn
		go func() {
			resp, err := s.SendCommand(context.Background(), fn, nil, SendOptions{Retries: NoRetry, Timeout: 3 * time.Second})
			results <- outcome{fn: fn, resp: resp, err: err}
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case o := <-results:
			require.NoError(t, o.err)
			require.Equal(t, o.fn, o.resp.Fn)
			require.Equal(t, o.fn.String(), string(o.resp.Payload))
		case <-time.After(5 * time.Second):
			t.Fatal("request never resolved")
		}
	}
}

func TestRetriesThenTimeout(t *testing.T) {
	s, d, _ := newAttached(t, quietOptions(), silent)
	start := time.Now()
	_, err := s.SendCommand(context.Background(), msp.FnBBFileInfo, []byte{1, 0}, SendOptions{Retries: 2, Timeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	require.Eventually(t, func() bool { return d.count(msp.FnBBFileInfo) == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 3, d.count(msp.FnBBFileInfo))
	require.Empty(t, s.Status().Pending)
	require.EqualValues(t, 2, s.Metrics().Snapshot().Retries)
}

func TestCustomVerify(t *testing.T) {
	reply := func(c msp.Command) []msp.Command {
		return []msp.Command{
			{Fn: c.Fn, Direction: msp.Response, Payload: []byte{0}},
			{Fn: c.Fn, Direction: msp.Response, Payload: []byte{7}},
		}
	}
	s, _, _ := newAttached(t, quietOptions(), reply)
	resp, err := s.SendCommand(context.Background(), msp.FnGetTZOffset, nil, SendOptions{
		Verify: func(req, resp msp.Command) bool {
			return resp.Fn == req.Fn && len(resp.Payload) == 1 && resp.Payload[0] == 7
		},
	})
	require.NoError(t, err)
	require.Equal(t, []byte{7}, resp.Payload)
}

func TestGateAndConnection(t *testing.T) {
	s := New(quietOptions())
	_, err := s.Send(context.Background(), msp.FnStatus, nil)
	require.ErrorIs(t, err, ErrCmdDisabled)

	s.SetEnabled(true)
	_, err = s.Send(context.Background(), msp.FnStatus, nil)
	require.ErrorIs(t, err, ErrNotConnected)

	host, _ := transport.NewPipe()
	s.Attach(host)
	defer s.Disconnect()
	s.SetEnabled(false)
	_, err = s.Send(context.Background(), msp.FnStatus, nil)
	require.ErrorIs(t, err, ErrCmdDisabled)
}

func TestWriteFailureIsBackendError(t *testing.T) {
	s, _, host := newAttached(t, quietOptions(), echo)
	boom := errors.New("cable unplugged")
	host.FailWrites(boom)
	_, err := s.Send(context.Background(), msp.FnStatus, nil)
	var be *BackendError
	require.ErrorAs(t, err, &be)
	require.ErrorIs(t, err, boom)
	require.Empty(t, s.Status().Pending)
}

func TestDisconnectRejectsPending(t *testing.T) {
	s, _, _ := newAttached(t, quietOptions(), silent)
	errs := make(chan error, 1)
	go func() {
		_, err := s.SendCommand(context.Background(), msp.FnBBFileDownload, nil, SendOptions{Timeout: time.Minute})
		errs <- err
	}()
	require.Eventually(t, func() bool { return len(s.Status().Pending) == 1 }, time.Second, time.Millisecond)

	s.Disconnect()
	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(time.Second):
		t.Fatal("pending request survived disconnect")
	}
	require.False(t, s.Connected())
	require.Empty(t, s.Status().Pending)
}

func TestContextCancelRemovesPending(t *testing.T) {
	s, _, _ := newAttached(t, quietOptions(), silent)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.SendCommand(ctx, msp.FnGetPIDs, nil, SendOptions{Timeout: time.Minute, CallbackData: "pids"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, s.Status().Pending)
}

func TestObserversSurviveReconnect(t *testing.T) {
	s := New(quietOptions())
	got := make(chan msp.Command, 4)
	unsubscribe := s.Subscribe(func(c msp.Command) { got <- c })

	for round := 0; round < 2; round++ {
		host, fc := transport.NewPipe()
		s.Attach(host)
		require.NoError(t, fc.Write(msp.Encode(msp.Command{Fn: msp.FnIndMessage, Direction: msp.Response, Payload: []byte("hi")})))
		select {
		case c := <-got:
			require.Equal(t, msp.FnIndMessage, c.Fn)
		case <-time.After(time.Second):
			t.Fatalf("observer not called in round %d", round)
		}
		s.Disconnect()
	}

	unsubscribe()
	host, fc := transport.NewPipe()
	s.Attach(host)
	defer s.Disconnect()
	require.NoError(t, fc.Write(msp.Encode(msp.Command{Fn: msp.FnIndMessage, Direction: msp.Response})))
	select {
	case c := <-got:
		t.Fatalf("unsubscribed observer called with %v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectFromObserver(t *testing.T) {
	s, _, _ := newAttached(t, quietOptions(), echo)
	returned := make(chan struct{})
	s.Subscribe(func(c msp.Command) {
		if c.Fn == msp.FnReboot {
			s.Disconnect()
			close(returned)
		}
	})

	_, err := s.SendCommand(context.Background(), msp.FnReboot, nil, SendOptions{})
	require.ErrorIs(t, err, ErrNotConnected)
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatalf("Disconnect from an observer did not return")
	}
	require.False(t, s.Connected())

	host, fc := transport.NewPipe()
	runDevice(t, fc, echo)
	s.Attach(host)
	resp, err := s.Send(context.Background(), msp.FnGetName, []byte("again"))
	require.NoError(t, err)
	require.Equal(t, []byte("again"), resp.Payload)
}

func TestPingAndStatusPolling(t *testing.T) {
	reply := func(c msp.Command) []msp.Command {
		switch c.Fn {
		case msp.FnConfiguratorPing:
			return echo(c)
		case msp.FnStatus:
			return []msp.Command{{Fn: msp.FnStatus, Direction: msp.Response, Payload: []byte{0x90, 0x06, 1, 2, 0x04, 0, 0, 0, 1}}}
		}
		return nil
	}
	opts := Options{PingInterval: 10 * time.Millisecond, StatusInterval: 20 * time.Millisecond, PollInterval: time.Millisecond}
	s, d, _ := newAttached(t, opts, reply)

	require.Eventually(t, func() bool {
		st := s.Status()
		return !st.LastPing.IsZero() && st.Flight != nil
	}, 2*time.Second, 5*time.Millisecond)
	require.Greater(t, d.count(msp.FnConfiguratorPing), 0)

	st := s.Status()
	require.True(t, st.Connected)
	require.InDelta(t, 16.8, st.Flight.Voltage, 1e-9)
	require.True(t, st.Flight.Armed)
	require.EqualValues(t, 2, st.Flight.FlightMode)
	require.EqualValues(t, 4, st.Flight.ArmingDisableFlags)
	require.True(t, st.Flight.ConfiguratorConnected)
}

func TestPingReturnsRoundTrip(t *testing.T) {
	s, d, _ := newAttached(t, quietOptions(), echo)
	rtt, err := s.Ping(context.Background())
	require.NoError(t, err)
	require.Greater(t, rtt, time.Duration(0))
	require.Equal(t, rtt, s.Latency())
	require.Equal(t, 1, d.count(msp.FnConfiguratorPing))

	silentSession, _, _ := newAttached(t, Options{PingInterval: -1, StatusInterval: -1, PollInterval: time.Millisecond, Timeout: 20 * time.Millisecond}, silent)
	_, err = silentSession.Ping(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
}

func TestTrafficLogRecordsBothDirections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traffic.jsonl")
	traffic := common.NewTrafficLog(path)
	opts := quietOptions()
	opts.Traffic = traffic
	s, _, _ := newAttached(t, opts, echo)

	_, err := s.SendCommand(context.Background(), msp.FnAPIVersion, []byte{0xAB}, SendOptions{Version: msp.V1})
	require.NoError(t, err)
	require.NoError(t, traffic.Close())

	entries, err := common.ReadTrafficLog(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	byLink := map[string]common.TrafficEntry{}
	for _, e := range entries {
		byLink[e.Link] = e
	}
	out, in := byLink["out"], byLink["in"]
	require.Equal(t, "request", out.Direction)
	require.Equal(t, 1, out.Attempt)
	require.Equal(t, "ab", out.PayloadHex)
	require.Equal(t, "response", in.Direction)
	require.Equal(t, "v1", in.Version)
	payload, err := in.Payload()
	require.NoError(t, err)
	require.Equal(t, []byte{0xAB}, payload)
}

func TestReadFailureDisconnects(t *testing.T) {
	s, _, host := newAttached(t, quietOptions(), echo)
	require.NoError(t, host.Close())
	require.Eventually(t, func() bool { return !s.Connected() }, time.Second, time.Millisecond)
}
