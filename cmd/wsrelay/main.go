// Command wsrelay runs a WebSocket relay on the loopback interface. Every
// message a client sends is broadcast to all connected clients, prefixed
// with the sender's identity.
//
// Flags may also be set through the environment with a WSRELAY_ prefix,
// for example WSRELAY_PORT=9000.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"github.com/picatz/wsrelay/pkg/metrics"
	"github.com/picatz/wsrelay/pkg/relay"
)

type config struct {
	port         int
	maxHandshake int
	maxPayload   int
	acceptRetry  time.Duration
	metricsAddr  string
	metricsRate  int
	logLevel     string
	logFormat    string
}

func parseConfig(args []string) (*config, error) {
	fs := flag.NewFlagSet("wsrelay", flag.ContinueOnError)

	var cfg config
	fs.IntVar(&cfg.port, "port", relay.DefaultPort, "TCP port to listen on (127.0.0.1 only)")
	fs.IntVar(&cfg.maxHandshake, "max-handshake", relay.DefaultMaxHandshakeSize, "maximum size of an opening handshake in bytes")
	fs.IntVar(&cfg.maxPayload, "max-payload", relay.DefaultMaxPayloadSize, "maximum inbound frame payload in bytes")
	fs.DurationVar(&cfg.acceptRetry, "accept-retry", relay.DefaultAcceptRetry, "minimum delay between accept attempts after an accept error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, disabled if empty")
	fs.IntVar(&cfg.metricsRate, "metrics-rate", 10, "maximum metrics scrapes per second, unlimited if 0")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "log format: text or json")

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("WSRELAY")); err != nil {
		return nil, err
	}
	if cfg.port < 0 || cfg.port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.port)
	}
	return &cfg, nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func run(ctx context.Context, cfg *config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	registry := relay.NewRegistry()
	registry.Logger = logger.WithGroup("registry")
	registry.Metrics = m

	srv := &relay.Server{
		Port:             cfg.port,
		Hub:              registry,
		MaxHandshakeSize: cfg.maxHandshake,
		MaxPayloadSize:   cfg.maxPayload,
		AcceptRetry:      cfg.acceptRetry,
		Logger:           logger.WithGroup("server"),
		Metrics:          m,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})

	if cfg.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.NewHandler(reg, cfg.metricsRate))

		hs := &http.Server{
			Addr:              cfg.metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.metricsAddr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(os.Stderr, cfg.logLevel, cfg.logFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("relay stopped", "error", err)
		os.Exit(1)
	}
}
