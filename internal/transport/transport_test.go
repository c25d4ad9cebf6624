package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    Address
		wantErr bool
	}{
		{in: "tcp://127.0.0.1", want: Address{Kind: KindTCP, Path: "127.0.0.1:5761"}},
		{in: "tcp://quad.local:9000", want: Address{Kind: KindTCP, Path: "quad.local:9000"}},
		{in: "tcp://[::1]", want: Address{Kind: KindTCP, Path: "[::1]:5761"}},
		{in: "serial:///dev/ttyACM0", want: Address{Kind: KindSerial, Path: "/dev/ttyACM0"}},
		{in: "COM4", want: Address{Kind: KindSerial, Path: "COM4"}},
		{in: "tcp://", wantErr: true},
		{in: "tcp://host:notaport", wantErr: true},
		{in: "udp://host", wantErr: true},
		{in: "  ", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseAddress(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestTCPPortExchangesBytes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	echoed := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 16)
		n, _ := conn.Read(buf)
		echoed <- append([]byte(nil), buf[:n]...)
		_, _ = conn.Write([]byte("pong"))
	}()

	port, err := Open("tcp://"+ln.Addr().String(), WithReadTimeout(5*time.Millisecond))
	require.NoError(t, err)
	defer port.Close()

	// An idle read is empty, not an error.
	got, err := port.Read()
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, port.Write([]byte("ping")))
	select {
	case b := <-echoed:
		require.Equal(t, "ping", string(b))
	case <-time.After(2 * time.Second):
		t.Fatal("server never received bytes")
	}

	var all []byte
	deadline := time.Now().Add(2 * time.Second)
	for len(all) < 4 && time.Now().Before(deadline) {
		b, err := port.Read()
		require.NoError(t, err)
		all = append(all, b...)
	}
	require.Equal(t, "pong", string(all))

	require.NoError(t, port.Close())
	_, err = port.Read()
	require.ErrorIs(t, err, ErrClosed)
}

func TestPipe(t *testing.T) {
	a, b := NewPipe()
	require.NoError(t, a.Write([]byte{1, 2}))
	require.NoError(t, a.Write([]byte{3}))
	select {
	case <-b.Notify():
	default:
		t.Fatal("expected notification")
	}
	got, err := b.Read()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got)

	got, err = b.Read()
	require.NoError(t, err)
	require.Empty(t, got)

	boom := errors.New("boom")
	b.FailWrites(boom)
	require.ErrorIs(t, b.Write([]byte{9}), boom)

	require.NoError(t, a.Close())
	require.ErrorIs(t, a.Write([]byte{1}), ErrClosed)
}
