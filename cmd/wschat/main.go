// Command wschat is an interactive client for wsrelay.
//
// It prints ":open" once connected, ":<message>" for every message received
// and ":closed" when the connection ends. Each line read from standard input
// is sent as a text message. Lines longer than 64 bytes are sent as several
// messages of at most 64 bytes each. The line "stop" is ignored.
package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"

	"github.com/picatz/wsrelay/pkg/websocket"
)

// maxLine is the longest message sent, in bytes.
const maxLine = 64

// scanMessages is a bufio.SplitFunc yielding input lines without their line
// ending, cut into pieces of at most maxLine bytes.
func scanMessages(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data[:min(len(data), maxLine+1)], '\n'); i >= 0 {
		return i + 1, bytes.TrimSuffix(data[:i], []byte("\r")), nil
	}
	if len(data) > maxLine {
		return maxLine, data[:maxLine], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// run connects to the relay and exchanges messages until the connection
// ends, stdin is exhausted or ctx is cancelled. Once connected, a stdin
// that is an io.Closer is closed before run returns.
func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("wschat", flag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1:12345", "relay address")
	path := fs.String("path", "/chat", "request path sent in the opening handshake")
	timeout := fs.Duration("timeout", 10*time.Second, "connect and handshake timeout")

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("WSCHAT")); err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, *timeout)
	conn, err := websocket.Dial(dialCtx, *addr, *path)
	cancel()
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, ":open")

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			msg, err := conn.ReadMessage()
			if err != nil {
				fmt.Fprintln(stdout, ":closed")
				return
			}
			fmt.Fprintf(stdout, ":%s\n", msg)
		}
	}()

	go func() {
		defer conn.Close()

		messages := bufio.NewScanner(stdin)
		messages.Split(scanMessages)
		for messages.Scan() {
			msg := messages.Bytes()
			if string(msg) == "stop" {
				continue
			}
			if err := conn.WriteText(msg); err != nil {
				return
			}
		}
	}()

	<-closed

	// A read from stdin may still be pending; release it so the sender
	// goroutine ends with run.
	if c, ok := stdin.(io.Closer); ok {
		c.Close()
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
