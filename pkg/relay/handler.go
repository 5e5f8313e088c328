package relay

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"github.com/picatz/wsrelay/pkg/metrics"
	"github.com/picatz/wsrelay/pkg/websocket"
)

// Default limits used when a Handler leaves them unset.
const (
	DefaultMaxHandshakeSize = 4096
	DefaultMaxPayloadSize   = 0xffff
)

// State is the lifecycle state of a connection handler.
type State int32

const (
	// Connecting is the state before the opening handshake completes.
	Connecting State = iota
	// Open means the client is registered and its frames are relayed.
	Open
	// Closed is terminal: the client is deregistered and the connection
	// released.
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Open:
		return "Open"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Handler relays the frames of one client connection to a Hub.
//
// A Handler owns Conn: it closes it when Serve returns.
type Handler struct {
	// ID is the client identity used for registration and as the prefix
	// of every relayed message.
	ID string

	// Conn is the client connection.
	Conn net.Conn

	// Hub receives the client's registration and messages.
	Hub Hub

	// MaxHandshakeSize bounds the opening request. Zero means
	// DefaultMaxHandshakeSize.
	MaxHandshakeSize int

	// MaxPayloadSize bounds inbound frame payloads. Zero means
	// DefaultMaxPayloadSize.
	MaxPayloadSize int

	// Logger is the logger used to log messages.
	Logger *slog.Logger

	// Metrics records connection activity. May be nil.
	Metrics *metrics.Relay

	state atomic.Int32
}

// State returns the handler's current state.
func (h *Handler) State() State {
	return State(h.state.Load())
}

// Serve performs the opening handshake, registers the client and relays
// each non-empty decoded frame as "<ID>: <payload>" until reading fails or
// ctx is cancelled. It always deregisters the client and closes Conn before
// returning.
//
// The returned error explains why the connection ended: a
// websocket.ErrMalformedRequest during the handshake, a
// websocket.ErrFrameTooLarge, or an ErrTransportRead. No closing handshake
// is performed.
func (h *Handler) Serve(ctx context.Context) error {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default().WithGroup("relay/handler")
	}
	logger = logger.With(
		"client", h.ID,
		"remote", h.Conn.RemoteAddr().String(),
		"conn", uuid.NewString(),
	)

	stop := context.AfterFunc(ctx, func() { h.Conn.Close() })
	defer stop()

	registered := false
	defer func() {
		if registered {
			h.Hub.Leave(h.ID, h.Conn)
		}
		h.Conn.Close()
		h.state.Store(int32(Closed))
	}()

	if err := h.handshake(); err != nil {
		h.Metrics.HandshakeFailed()
		logger.Warn("handshake failed", "error", err)
		return err
	}

	h.Hub.Join(h.ID, h.Conn)
	registered = true
	h.state.Store(int32(Open))
	logger.Info("connection open")

	maxPayload := h.MaxPayloadSize
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadSize
	}
	frames := websocket.FrameReader{
		Reader:         h.Conn,
		MaxPayloadSize: maxPayload,
	}
	prefix := h.ID + ": "

	for {
		frame, err := frames.ReadFrame()
		if err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				// The stream cannot be resynchronised after an unread payload.
				h.Metrics.DecodeFailed()
				logger.Warn("closing connection", "error", err)
				return err
			}
			err = &TransportError{Op: opRead, Client: h.ID, Err: err}
			logger.Info("connection closed", "error", err)
			return err
		}

		payload, err := websocket.Decode(frame)
		if err != nil {
			h.Metrics.DecodeFailed()
			logger.Warn("dropping frame", "error", err)
			continue
		}
		if len(payload) == 0 {
			continue
		}

		message := make([]byte, 0, len(prefix)+len(payload))
		message = append(message, prefix...)
		message = append(message, payload...)

		logger.Debug("relaying message", "size", len(payload))
		if err := h.Hub.Broadcast(message); err != nil {
			logger.Warn("message not relayed", "error", err)
		}
	}
}

func (h *Handler) handshake() error {
	limit := h.MaxHandshakeSize
	if limit <= 0 {
		limit = DefaultMaxHandshakeSize
	}

	raw, err := websocket.ReadRequest(h.Conn, limit)
	if err != nil {
		if errors.Is(err, websocket.ErrMalformedRequest) {
			return err
		}
		return &TransportError{Op: opRead, Client: h.ID, Err: err}
	}

	_, resp, err := websocket.Handshake(raw)
	if err != nil {
		return err
	}

	if _, err := h.Conn.Write(resp); err != nil {
		return &TransportError{Op: opWrite, Client: h.ID, Err: err}
	}
	return nil
}
