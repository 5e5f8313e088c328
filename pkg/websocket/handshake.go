package websocket

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrMalformedRequest is returned when handshake text cannot be parsed.
	ErrMalformedRequest = errors.New("websocket: malformed handshake request")

	// ErrMissingKey is returned when a request has no Sec-WebSocket-Key.
	ErrMissingKey = fmt.Errorf("%w: missing Sec-WebSocket-Key", ErrMalformedRequest)
)

// DataKey is the reserved Headers key holding the bytes that followed the
// blank line ending the handshake head.
const DataKey = "data"

// guid is appended to the client key before hashing.
//
// https://www.rfc-editor.org/rfc/rfc6455#section-1.3
const guid = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var separator = []byte("\r\n\r\n")

// Headers maps header names, as sent, to their values. The bytes after the
// head are stored under DataKey.
type Headers map[string]string

// Get returns the value of the named header, matching the name exactly
// first and then case-insensitively.
func (h Headers) Get(name string) string {
	if v, ok := h[name]; ok {
		return v
	}
	for k, v := range h {
		if k != DataKey && strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// ParseHeaders parses the head of an HTTP message. The first line (request
// or status line) is skipped, every other line must have the form
// "Name: Value". Everything after the first blank line is kept verbatim
// under DataKey.
func ParseHeaders(raw []byte) (Headers, error) {
	i := bytes.Index(raw, separator)
	if i < 0 {
		return nil, fmt.Errorf("%w: no end of headers", ErrMalformedRequest)
	}

	headers := make(Headers)
	lines := strings.Split(string(raw[:i]), "\r\n")
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("%w: bad header line %q", ErrMalformedRequest, line)
		}
		headers[name] = value
	}
	headers[DataKey] = string(raw[i+len(separator):])

	return headers, nil
}

// AcceptToken computes the Sec-WebSocket-Accept value for a client key: the
// base64 encoded SHA-1 digest of the key followed by the protocol GUID.
func AcceptToken(key string) string {
	h := sha1.New()
	io.WriteString(h, key)
	io.WriteString(h, guid)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// BuildResponse returns the 101 response completing the handshake.
func BuildResponse(token string) []byte {
	lines := []string{
		"HTTP/1.1 101 WebSocket Protocol Hybi-10",
		"Upgrade: WebSocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Accept: " + token,
		"",
		"",
	}
	return []byte(strings.Join(lines, "\r\n"))
}

// ReadRequest reads from r until the blank line ending an HTTP head has
// been seen, and returns everything read so far. It fails with
// ErrMalformedRequest once more than limit bytes arrive without one.
func ReadRequest(r io.Reader, limit int) ([]byte, error) {
	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 1024)
	for {
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)

		// Only the tail can complete a separator split across reads.
		from := len(buf) - n - len(separator) + 1
		if from < 0 {
			from = 0
		}
		if bytes.Contains(buf[from:], separator) {
			return buf, nil
		}
		if len(buf) > limit {
			return nil, fmt.Errorf("%w: no end of headers in %d bytes", ErrMalformedRequest, len(buf))
		}
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, io.ErrUnexpectedEOF)
			}
			return nil, err
		}
	}
}

// Handshake parses a client request and returns the response to send.
func Handshake(raw []byte) (Headers, []byte, error) {
	headers, err := ParseHeaders(raw)
	if err != nil {
		return nil, nil, err
	}

	key := headers.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, nil, ErrMissingKey
	}

	return headers, BuildResponse(AcceptToken(key)), nil
}

// generateKey generates a random key used for the WebSocket handshake.
func generateKey() (string, error) {
	key := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
