package websocket

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// ErrHandshakeFailed is returned by Dial when the server does not complete
// the upgrade.
var ErrHandshakeFailed = errors.New("websocket: handshake failed")

// maxResponseHead bounds the upgrade response read by Dial.
const maxResponseHead = 4096

// ClientConn is the client end of a WebSocket connection. Writes are
// masked as the protocol requires of clients.
//
// ReadMessage must not be called concurrently with itself; writes are safe
// for concurrent use.
type ClientConn struct {
	raw    net.Conn
	frames FrameReader

	mu sync.Mutex
}

// Dial connects to addr, performs the opening handshake for path and
// returns the connection once the server has accepted the upgrade.
func Dial(ctx context.Context, addr, path string) (*ClientConn, error) {
	if path == "" {
		path = "/"
	}

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	// Bound the handshake by the context deadline, if any.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := handshake(conn, addr, path)
	if err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetDeadline(time.Time{})
	return c, nil
}

func handshake(conn net.Conn, addr, path string) (*ClientConn, error) {
	key, err := generateKey()
	if err != nil {
		return nil, err
	}

	lines := []string{
		"GET " + path + " HTTP/1.1",
		"Host: " + addr,
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Version: 13",
		"Sec-WebSocket-Key: " + key,
		"",
		"",
	}
	if _, err := io.WriteString(conn, strings.Join(lines, "\r\n")); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	raw, err := ReadRequest(conn, maxResponseHead)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	headers, err := ParseHeaders(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	status, _, _ := strings.Cut(string(raw), "\r\n")
	if fields := strings.Fields(status); len(fields) < 2 || fields[1] != "101" {
		return nil, fmt.Errorf("%w: unexpected status %q", ErrHandshakeFailed, status)
	}

	if accept := headers.Get("Sec-WebSocket-Accept"); accept != AcceptToken(key) {
		return nil, fmt.Errorf("%w: invalid Sec-WebSocket-Accept %q", ErrHandshakeFailed, accept)
	}

	// Frames may have arrived in the same read as the response head.
	var r io.Reader = conn
	if data := headers[DataKey]; data != "" {
		r = io.MultiReader(strings.NewReader(data), conn)
	}

	return &ClientConn{
		raw:    conn,
		frames: FrameReader{Reader: r},
	}, nil
}

// WriteText sends p as a single masked text frame.
func (c *ClientConn) WriteText(p []byte) error {
	return c.WriteFrame(TextFrame, p)
}

// WriteFrame sends p as a single final frame with the given opcode, masked
// with a fresh random key.
func (c *ClientConn) WriteFrame(opcode Opcode, p []byte) error {
	var key [4]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return err
	}
	frame := EncodeMasked(opcode, p, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.raw.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return io.ErrShortWrite
	}
	return nil
}

// ReadMessage reads one frame and returns its payload.
func (c *ClientConn) ReadMessage() ([]byte, error) {
	frame, err := c.frames.ReadFrame()
	if err != nil {
		return nil, err
	}
	return frame.Payload()
}

// LocalAddr returns the local network address.
func (c *ClientConn) LocalAddr() net.Addr {
	return c.raw.LocalAddr()
}

// Close closes the underlying connection without a closing handshake.
func (c *ClientConn) Close() error {
	return c.raw.Close()
}

// SetDeadline sets the read and write deadlines on the underlying connection.
func (c *ClientConn) SetDeadline(t time.Time) error {
	return c.raw.SetDeadline(t)
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (c *ClientConn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}
