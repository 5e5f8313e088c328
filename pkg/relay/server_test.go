package relay_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	cws "github.com/coder/websocket"
	gws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/picatz/wsrelay/pkg/metrics"
	"github.com/picatz/wsrelay/pkg/relay"
	"github.com/picatz/wsrelay/pkg/websocket"
)

type testServer struct {
	addr     string
	registry *relay.Registry
	metrics  *metrics.Relay
	cancel   context.CancelFunc
	done     chan error
}

func startServer(t *testing.T, wrap func(net.Listener) net.Listener) *testServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if wrap != nil {
		ln = wrap(ln)
	}

	m := metrics.New(prometheus.NewRegistry())
	registry := newTestRegistry()
	registry.Metrics = m

	srv := &relay.Server{
		Hub:         registry,
		AcceptRetry: time.Millisecond,
		Logger:      discardLogger(),
		Metrics:     m,
	}

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{
		addr:     ln.Addr().String(),
		registry: registry,
		metrics:  m,
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	go func() { ts.done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-ts.done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return ts
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dial(t *testing.T, addr string) *websocket.ClientConn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := websocket.Dial(ctx, addr, "/chat")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readMessage(t *testing.T, conn *websocket.ClientConn) string {
	t.Helper()
	msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	return string(msg)
}

func TestServer(t *testing.T) {
	t.Run("broadcast", func(t *testing.T) {
		ts := startServer(t, nil)

		a := dial(t, ts.addr)
		b := dial(t, ts.addr)
		waitFor(t, "two clients", func() bool { return ts.registry.Len() == 2 })

		if err := a.WriteText([]byte("hi")); err != nil {
			t.Fatal(err)
		}

		want := relay.Identity(a.LocalAddr()) + ": hi"
		if got := readMessage(t, a); got != want {
			t.Fatalf("sender: expected %q, got %q", want, got)
		}
		if got := readMessage(t, b); got != want {
			t.Fatalf("peer: expected %q, got %q", want, got)
		}

		if got := testutil.ToFloat64(ts.metrics.Connections); got != 2 {
			t.Fatalf("expected 2 connections, got %v", got)
		}
	})

	t.Run("disconnect", func(t *testing.T) {
		ts := startServer(t, nil)

		a := dial(t, ts.addr)
		b := dial(t, ts.addr)
		waitFor(t, "two clients", func() bool { return ts.registry.Len() == 2 })

		a.Close()
		waitFor(t, "client to leave", func() bool { return ts.registry.Len() == 1 })

		if err := b.WriteText([]byte("anyone?")); err != nil {
			t.Fatal(err)
		}
		want := relay.Identity(b.LocalAddr()) + ": anyone?"
		if got := readMessage(t, b); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	})

	t.Run("accept token", func(t *testing.T) {
		ts := startServer(t, nil)

		conn, err := net.DialTimeout("tcp", ts.addr, 5*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))

		if _, err := conn.Write([]byte(upgradeRequest)); err != nil {
			t.Fatal(err)
		}
		resp, err := websocket.ReadRequest(conn, 4096)
		if err != nil {
			t.Fatal(err)
		}
		want := "HTTP/1.1 101 WebSocket Protocol Hybi-10\r\n" +
			"Upgrade: WebSocket\r\n" +
			"Connection: Upgrade\r\n" +
			"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n\r\n"
		if string(resp) != want {
			t.Fatalf("expected response %q, got %q", want, resp)
		}

		// A masked "Hello" from the RFC comes back prefixed and unmasked.
		if _, err := conn.Write([]byte{0x81, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58}); err != nil {
			t.Fatal(err)
		}
		frame, err := websocket.ReadFrame(conn)
		if err != nil {
			t.Fatal(err)
		}
		payload, err := frame.Payload()
		if err != nil {
			t.Fatal(err)
		}
		if want := relay.Identity(conn.LocalAddr()) + ": Hello"; string(payload) != want {
			t.Fatalf("expected %q, got %q", want, payload)
		}
	})

	t.Run("malformed handshake", func(t *testing.T) {
		ts := startServer(t, nil)

		conn, err := net.DialTimeout("tcp", ts.addr, 5*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))

		conn.Write([]byte("GET /chat HTTP/1.1\r\nHost: example\r\n\r\n"))
		if n, err := conn.Read(make([]byte, 64)); err == nil {
			t.Fatalf("expected connection to close, read %d bytes", n)
		}
		waitFor(t, "handshake failure", func() bool {
			return testutil.ToFloat64(ts.metrics.HandshakeFailure) == 1
		})
		if ts.registry.Len() != 0 {
			t.Fatalf("expected no clients, got %d", ts.registry.Len())
		}
	})

	t.Run("gorilla client", func(t *testing.T) {
		ts := startServer(t, nil)

		conn, _, err := gws.DefaultDialer.Dial("ws://"+ts.addr+"/chat", nil)
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		waitFor(t, "client", func() bool { return ts.registry.Len() == 1 })

		if err := conn.WriteMessage(gws.TextMessage, []byte("from gorilla")); err != nil {
			t.Fatal(err)
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if typ != gws.TextMessage {
			t.Fatalf("expected text message, got %d", typ)
		}
		if want := relay.Identity(conn.LocalAddr()) + ": from gorilla"; string(msg) != want {
			t.Fatalf("expected %q, got %q", want, msg)
		}
	})

	t.Run("coder client", func(t *testing.T) {
		ts := startServer(t, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conn, _, err := cws.Dial(ctx, "ws://"+ts.addr+"/chat", nil)
		if err != nil {
			t.Fatal(err)
		}
		defer conn.CloseNow()
		waitFor(t, "client", func() bool { return ts.registry.Len() == 1 })

		if err := conn.Write(ctx, cws.MessageText, []byte("from coder")); err != nil {
			t.Fatal(err)
		}
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if typ != cws.MessageText {
			t.Fatalf("expected text message, got %v", typ)
		}
		if !strings.HasPrefix(string(msg), "ID") || !strings.HasSuffix(string(msg), ": from coder") {
			t.Fatalf("unexpected message %q", msg)
		}
	})

	t.Run("long message dropped", func(t *testing.T) {
		ts := startServer(t, nil)

		a := dial(t, ts.addr)
		waitFor(t, "client", func() bool { return ts.registry.Len() == 1 })

		if err := a.WriteText(bytes.Repeat([]byte("a"), websocket.MaxEncodedPayload)); err != nil {
			t.Fatal(err)
		}
		if err := a.WriteText([]byte("short")); err != nil {
			t.Fatal(err)
		}

		want := relay.Identity(a.LocalAddr()) + ": short"
		if got := readMessage(t, a); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	})

	t.Run("accept errors", func(t *testing.T) {
		var failures atomic.Int32
		failures.Store(3)
		ts := startServer(t, func(ln net.Listener) net.Listener {
			return &flakyListener{Listener: ln, failures: &failures}
		})

		a := dial(t, ts.addr)
		waitFor(t, "client", func() bool { return ts.registry.Len() == 1 })
		a.WriteText([]byte("ok"))
		readMessage(t, a)

		if got := testutil.ToFloat64(ts.metrics.AcceptErrors); got != 3 {
			t.Fatalf("expected 3 accept errors, got %v", got)
		}
	})

	t.Run("shutdown", func(t *testing.T) {
		ts := startServer(t, nil)

		a := dial(t, ts.addr)
		waitFor(t, "client", func() bool { return ts.registry.Len() == 1 })

		ts.cancel()

		select {
		case err := <-ts.done:
			if err != nil {
				t.Fatalf("expected clean shutdown, got %v", err)
			}
			ts.done <- nil
		case <-time.After(5 * time.Second):
			t.Fatal("server did not shut down")
		}

		if _, err := a.ReadMessage(); err == nil {
			t.Fatal("expected connection to be closed")
		}
		if ts.registry.Len() != 0 {
			t.Fatalf("expected empty registry, got %d", ts.registry.Len())
		}
		if _, err := net.DialTimeout("tcp", ts.addr, time.Second); err == nil {
			t.Fatal("expected listener to be closed")
		}
	})

	t.Run("listener closed", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}

		registry := newTestRegistry()
		srv := &relay.Server{Hub: registry, Logger: discardLogger()}
		done := make(chan error, 1)
		go func() { done <- srv.Serve(context.Background(), ln) }()

		a := dial(t, ln.Addr().String())
		waitFor(t, "client", func() bool { return registry.Len() == 1 })

		ln.Close()
		if err := wait(t, done); !errors.Is(err, net.ErrClosed) {
			t.Fatalf("expected net.ErrClosed, got %v", err)
		}

		if registry.Len() != 0 {
			t.Fatalf("expected empty registry, got %d", registry.Len())
		}
		if _, err := a.ReadMessage(); err == nil {
			t.Fatal("expected connection to be closed")
		}
	})

	t.Run("bind error", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		defer ln.Close()

		srv := &relay.Server{
			Port:   ln.Addr().(*net.TCPAddr).Port,
			Logger: discardLogger(),
		}
		if err := srv.ListenAndServe(context.Background()); err == nil {
			t.Fatal("expected bind error")
		}
	})
}

func TestServerAddr(t *testing.T) {
	if got := (&relay.Server{}).Addr(); got != "127.0.0.1:12345" {
		t.Fatalf("expected default address, got %q", got)
	}
	if got := (&relay.Server{Port: 8080}).Addr(); got != "127.0.0.1:8080" {
		t.Fatalf("expected port 8080, got %q", got)
	}
}

func TestIdentity(t *testing.T) {
	for _, test := range []struct {
		addr net.Addr
		want string
	}{
		{&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}, "ID50000"},
		{&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7}, "ID7"},
		{pipeAddr{}, "IDpipe"},
		{nil, "ID"},
	} {
		if got := relay.Identity(test.addr); got != test.want {
			t.Fatalf("expected %q, got %q", test.want, got)
		}
	}
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

// flakyListener fails the first few accepts.
type flakyListener struct {
	net.Listener
	failures *atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, errors.New("too many open files")
	}
	return l.Listener.Accept()
}
