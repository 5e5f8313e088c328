package relay

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/picatz/wsrelay/pkg/metrics"
)

// Host is the loopback address the relay binds to.
const Host = "127.0.0.1"

// DefaultPort is the port used when Server.Port is zero.
const DefaultPort = 12345

// DefaultAcceptRetry is the minimum spacing between accept attempts after
// an accept error.
const DefaultAcceptRetry = 50 * time.Millisecond

// Server accepts client connections and runs a Handler for each.
type Server struct {
	// Port is the TCP port to listen on. Zero means DefaultPort.
	Port int

	// Hub is shared by every connection. If nil, ListenAndServe and Serve
	// use a new Registry.
	Hub Hub

	// MaxHandshakeSize and MaxPayloadSize are passed to each Handler.
	MaxHandshakeSize int
	MaxPayloadSize   int

	// AcceptRetry spaces out accept attempts after an accept error. Zero
	// means DefaultAcceptRetry.
	AcceptRetry time.Duration

	// Logger is the logger used to log messages.
	Logger *slog.Logger

	// Metrics records listener and connection activity. May be nil.
	Metrics *metrics.Relay
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	port := s.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(Host, strconv.Itoa(port))
}

// ListenAndServe binds the loopback listener and serves connections until
// ctx is cancelled. Only a failure to bind is returned as an error.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.Addr())
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln, deriving each client's identity from its
// remote port and serving it on its own goroutine. Accept errors are logged
// and retried. When ctx is cancelled, ln and every open connection are
// closed, and Serve returns nil once all handlers have finished. If ln is
// closed by someone else, every open connection is closed as well and Serve
// returns net.ErrClosed once all handlers have finished.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// Handlers are cancelled on every return path, before they are awaited.
	serveCtx, cancel := context.WithCancel(ctx)

	var handlers errgroup.Group
	defer handlers.Wait()
	defer cancel()

	logger := s.logger()
	hub := s.Hub
	if hub == nil {
		r := NewRegistry()
		r.Metrics = s.Metrics
		hub = r
	}

	retry := s.AcceptRetry
	if retry <= 0 {
		retry = DefaultAcceptRetry
	}
	backoff := rate.NewLimiter(rate.Every(retry), 1)

	stop := context.AfterFunc(serveCtx, func() { ln.Close() })
	defer stop()

	logger.Info("listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			s.Metrics.AcceptFailed()
			logger.Warn("accept failed", "error", &TransportError{Op: opAccept, Err: err})
			backoff.Wait(serveCtx)
			continue
		}

		s.Metrics.ConnectionAccepted()

		h := &Handler{
			ID:               Identity(conn.RemoteAddr()),
			Conn:             conn,
			Hub:              hub,
			MaxHandshakeSize: s.MaxHandshakeSize,
			MaxPayloadSize:   s.MaxPayloadSize,
			Logger:           logger,
			Metrics:          s.Metrics,
		}
		handlers.Go(func() error {
			// Per-connection errors never affect the listener.
			h.Serve(serveCtx)
			return nil
		})
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default().WithGroup("relay/server")
}
