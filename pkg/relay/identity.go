package relay

import (
	"net"
	"strconv"
)

// Identity returns the client identity for a peer address: "ID" followed by
// the peer's port number. Ports are unique among concurrent connections but
// are reused over time, so an identity may name different clients at
// different moments.
func Identity(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return "ID" + strconv.Itoa(tcp.Port)
	}
	if addr == nil {
		return "ID"
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "ID" + addr.String()
	}
	return "ID" + port
}
