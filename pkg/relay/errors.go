package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportRead means reading from a client failed; the client is
	// deregistered and its connection closed.
	ErrTransportRead = errors.New("relay: transport read failed")

	// ErrTransportWrite means writing to a client failed. During a
	// broadcast it only affects that recipient.
	ErrTransportWrite = errors.New("relay: transport write failed")

	// ErrAccept means the listener failed to accept a connection.
	ErrAccept = errors.New("relay: accept failed")
)

const (
	opRead   = "read"
	opWrite  = "write"
	opAccept = "accept"
)

// TransportError describes a network failure on one connection or on the
// listener. It matches ErrTransportRead, ErrTransportWrite or ErrAccept
// under errors.Is, depending on Op.
type TransportError struct {
	// Op is "read", "write" or "accept".
	Op string

	// Client is the identity involved, empty for accept errors.
	Client string

	// Err is the underlying error.
	Err error
}

func (e *TransportError) Error() string {
	if e.Client == "" {
		return fmt.Sprintf("relay: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("relay: %s %s: %v", e.Op, e.Client, e.Err)
}

func (e *TransportError) Unwrap() []error {
	var kind error
	switch e.Op {
	case opRead:
		kind = ErrTransportRead
	case opWrite:
		kind = ErrTransportWrite
	case opAccept:
		kind = ErrAccept
	}
	if kind == nil {
		return []error{e.Err}
	}
	return []error{kind, e.Err}
}
