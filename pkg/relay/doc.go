// Package relay broadcasts every message a WebSocket client sends to all
// connected clients, including the sender.
//
// A Server accepts connections on the loopback interface and gives each one
// a Handler. After the opening handshake the handler joins its connection
// to a shared Registry under an identity derived from the peer's port, such
// as "ID50000". Each decoded text frame is then relayed to every registered
// client as "<identity>: <payload>".
//
//	client A ──frame "hi"──▶ Handler(ID50000) ──Broadcast──▶ Registry
//	                                                         ├──▶ client A  "ID50000: hi"
//	                                                         └──▶ client B  "ID50000: hi"
//
// There are no rooms, no authentication and no message history. Relayed
// messages longer than 125 bytes are dropped because the registry only
// emits single-byte length frames.
package relay
