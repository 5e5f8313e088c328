// Package websocket implements the parts of the WebSocket protocol a small
// relay needs: the opening handshake, decoding of masked client frames,
// encoding of short server text frames, and a minimal client.
//
// Diagram
//
//	+----------------+                          +----------------+
//	|     Client     |                          |     Server     |
//	+----------------+                          +----------------+
//	         |                                           |
//	         |------------ GET /chat HTTP/1.1 ---------->|
//	         |        Sec-WebSocket-Key: <nonce>         |
//	         |                                           |
//	         |<-- HTTP/1.1 101 WebSocket Protocol ... ---|
//	         |     Sec-WebSocket-Accept: <token>         |
//	         |                                           |
//	         |---- Frame: masked text, "Hello" --------->|  Decode
//	         |                                           |
//	         |<--- Frame: 0x81, len, "ID5000: Hello" ----|  Encode
//	         |                                           |
//	         .                                           .
//
// Limitations: fragmented messages and control frames are not interpreted,
// server frames are limited to MaxEncodedPayload bytes, and connections end
// without a closing handshake.
package websocket
