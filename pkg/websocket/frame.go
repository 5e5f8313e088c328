package websocket

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
)

var (
	// ErrFrameTooShort is returned when a buffer ends before the length its
	// header declares.
	ErrFrameTooShort = errors.New("websocket: frame too short")

	// ErrFrameTooLarge is returned by a FrameReader when a frame declares a
	// payload larger than its MaxPayloadSize.
	ErrFrameTooLarge = errors.New("websocket: frame too large")

	// ErrMessageTooLong is returned by Encode for payloads that do not fit
	// the single length byte of a server frame.
	ErrMessageTooLong = errors.New("websocket: message too long")
)

// MaxEncodedPayload is the largest payload Encode accepts. Server frames only
// ever use the single-byte length form, so longer broadcasts are rejected
// rather than truncated.
const MaxEncodedPayload = 125

const (
	// Length indicators carried in the low 7 bits of the second header byte.
	length16 = 126
	length64 = 127

	finBit  = 0x80
	maskBit = 0x80
)

// Opcode denotes the "message type" of a WebSocket frame.
//
// https://www.rfc-editor.org/rfc/rfc6455#section-11.8
type Opcode byte

const (
	ContinuationFrame Opcode = 0x0
	TextFrame         Opcode = 0x1
	BinaryFrame       Opcode = 0x2
	CloseFrame        Opcode = 0x8
	PingFrame         Opcode = 0x9
	PongFrame         Opcode = 0xA
)

// String returns the string representation of the opcode.
func (o Opcode) String() string {
	switch o {
	case ContinuationFrame:
		return "ContinuationMessage"
	case TextFrame:
		return "TextMessage"
	case BinaryFrame:
		return "BinaryMessage"
	case CloseFrame:
		return "CloseMessage"
	case PingFrame:
		return "PingMessage"
	case PongFrame:
		return "PongMessage"
	default:
		return "Unknown(0x" + strconv.FormatInt(int64(o), 16) + ")"
	}
}

// Frame is a single raw WebSocket frame: header, optional extended length,
// optional masking key and payload, exactly as it travels on the wire.
//
//	0                   1                   2                   3
//	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-------+-+-------------+-------------------------------+
//	|F|R|R|R| opcode|M| Payload len |    Extended payload length    |
//	|I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
//	|N|V|V|V|       |S|             |   (if payload len==126/127)   |
//	| |1|2|3|       |K|             |                               |
//	+-+-+-+-+-------+-+-------------+ - - - - - - - - - - - - - - - +
//	|     Extended payload length continued, if payload len == 127  |
//	+ - - - - - - - - - - - - - - - +-------------------------------+
//	|                               |Masking-key, if MASK set to 1  |
//	+-------------------------------+-------------------------------+
//	| Masking-key (continued)       |          Payload Data         |
//	+-------------------------------- - - - - - - - - - - - - - - - +
//	:                     Payload Data continued ...                :
//	+ - - - - - - - - - - - - - - - - - - - - - - - - - - - - - - - +
//
// https://tools.ietf.org/html/rfc6455#section-5.2
type Frame []byte

// Opcode returns the opcode of the frame, or ContinuationFrame for an
// empty frame.
func (f Frame) Opcode() Opcode {
	if len(f) == 0 {
		return ContinuationFrame
	}
	return Opcode(f[0] & 0x0f)
}

// Fin reports whether the FIN bit is set.
func (f Frame) Fin() bool {
	return len(f) > 0 && f[0]&finBit != 0
}

// Masked reports whether the mask bit is set.
func (f Frame) Masked() bool {
	return len(f) > 1 && f[1]&maskBit != 0
}

// Bytes returns the raw frame.
func (f Frame) Bytes() []byte {
	return f
}

// Payload returns a copy of the frame payload, unmasking it when the mask
// bit is set.
func (f Frame) Payload() ([]byte, error) {
	if f.Masked() {
		return Decode(f)
	}

	h, err := parseHeader(f)
	if err != nil {
		return nil, err
	}
	if err := need(f, h.keyOffset, h.length); err != nil {
		return nil, err
	}

	payload := make([]byte, h.length)
	copy(payload, f[h.keyOffset:])
	return payload, nil
}

func (f Frame) String() string {
	payload, err := f.Payload()
	if err != nil {
		return fmt.Sprintf("websocket.Frame{Invalid: %v}", err)
	}
	return fmt.Sprintf(
		"websocket.Frame{Type: %v, Fin: %t, Masked: %t, Size: %d, Payload: %s}",
		f.Opcode(),
		f.Fin(),
		f.Masked(),
		len(payload),
		hex.EncodeToString(payload),
	)
}

// header holds the fixed-position fields of a frame.
type header struct {
	// indicator is the 7-bit length field of the second byte.
	indicator byte
	// length is the real payload length.
	length uint64
	// keyOffset is where the masking key starts, which is also where the
	// payload starts in an unmasked frame.
	keyOffset int
}

// parseHeader reads the length fields of b. It never reads past len(b).
func parseHeader(b []byte) (header, error) {
	if len(b) < 2 {
		return header{}, tooShort(2, len(b))
	}

	h := header{indicator: b[1] &^ maskBit}
	switch h.indicator {
	case length16:
		if len(b) < 4 {
			return header{}, tooShort(4, len(b))
		}
		h.length = uint64(binary.BigEndian.Uint16(b[2:4]))
		h.keyOffset = 4
	case length64:
		if len(b) < 10 {
			return header{}, tooShort(10, len(b))
		}
		h.length = binary.BigEndian.Uint64(b[2:10])
		h.keyOffset = 10
	default:
		h.length = uint64(h.indicator)
		h.keyOffset = 2
	}
	return h, nil
}

// need checks that b holds length bytes starting at off.
func need(b []byte, off int, length uint64) error {
	if off > len(b) || uint64(len(b)-off) < length {
		// Saturate instead of overflowing when a 64-bit length is absurd.
		want := uint64(off) + length
		if want < length {
			want = ^uint64(0)
		}
		return fmt.Errorf("%w: need %d bytes, have %d", ErrFrameTooShort, want, len(b))
	}
	return nil
}

func tooShort(want, have int) error {
	return fmt.Errorf("%w: need %d bytes, have %d", ErrFrameTooShort, want, have)
}

// Decode extracts and unmasks the payload of a client frame held in buf.
//
// Client frames are always masked, so the masking key is taken from the
// offset implied by the length indicator whether or not the mask bit is
// set:
//
//	indicator  key offset  payload offset
//	0-125      2           6
//	126        4           8
//	127        10          14
//
// Bytes after the declared payload are ignored. An empty result means the
// frame carried nothing. A buffer shorter than its header declares yields
// ErrFrameTooShort.
func Decode(buf []byte) ([]byte, error) {
	h, err := parseHeader(buf)
	if err != nil {
		return nil, err
	}

	start := h.keyOffset + 4
	if len(buf) < start {
		return nil, tooShort(start, len(buf))
	}
	if err := need(buf, start, h.length); err != nil {
		return nil, err
	}

	key := buf[h.keyOffset:start]
	payload := make([]byte, h.length)
	for i := range payload {
		payload[i] = buf[start+i] ^ key[i%4]
	}
	return payload, nil
}

// Encode builds an unmasked, final text frame for message.
//
// Only the single-byte length form is produced, so messages longer than
// MaxEncodedPayload fail with ErrMessageTooLong.
func Encode(message []byte) (Frame, error) {
	if len(message) > MaxEncodedPayload {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLong, len(message), MaxEncodedPayload)
	}

	frame := make(Frame, 2+len(message))
	frame[0] = finBit | byte(TextFrame)
	frame[1] = byte(len(message))
	copy(frame[2:], message)
	return frame, nil
}

// EncodeMasked builds a final frame with the given opcode, masking payload
// with key. The payload length uses the 7-bit, 16-bit or 64-bit form as
// needed. payload is not modified.
func EncodeMasked(opcode Opcode, payload []byte, key [4]byte) Frame {
	var ext int
	switch {
	case len(payload) < length16:
		ext = 0
	case len(payload) <= 0xffff:
		ext = 2
	default:
		ext = 8
	}

	frame := make(Frame, 2+ext+4+len(payload))
	frame[0] = finBit | byte(opcode)

	switch ext {
	case 0:
		frame[1] = byte(len(payload))
	case 2:
		frame[1] = length16
		binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	default:
		frame[1] = length64
		binary.BigEndian.PutUint64(frame[2:10], uint64(len(payload)))
	}
	frame[1] |= maskBit

	start := 2 + ext + 4
	copy(frame[2+ext:start], key[:])
	for i, b := range payload {
		frame[start+i] = b ^ key[i%4]
	}
	return frame
}

// FrameReader reads whole frames from a byte stream.
type FrameReader struct {
	// Reader is the reader to read frames from.
	Reader io.Reader

	// MaxPayloadSize is the maximum payload size allowed. If a frame
	// declares a larger payload, ReadFrame returns ErrFrameTooLarge without
	// reading the payload. Zero means DefaultMaxPayloadSize.
	MaxPayloadSize int
}

// DefaultMaxPayloadSize is the payload limit of a FrameReader whose
// MaxPayloadSize is zero.
const DefaultMaxPayloadSize = 1024 * 1024

// ReadFrame reads exactly one frame, including its masking key when the
// mask bit is set. The frame is returned as it appeared on the wire.
func (r *FrameReader) ReadFrame() (Frame, error) {
	// Header plus the largest extended length.
	var head [10]byte
	if _, err := io.ReadFull(r.Reader, head[:2]); err != nil {
		return nil, err
	}

	n := 2
	switch head[1] &^ maskBit {
	case length16:
		n += 2
	case length64:
		n += 8
	}
	if _, err := io.ReadFull(r.Reader, head[2:n]); err != nil {
		return nil, unexpected(err)
	}

	h, err := parseHeader(head[:n])
	if err != nil {
		return nil, err
	}

	limit := r.MaxPayloadSize
	if limit <= 0 {
		limit = DefaultMaxPayloadSize
	}
	if h.length > uint64(limit) {
		return nil, fmt.Errorf("%w: payload size %d exceeds maximum %d", ErrFrameTooLarge, h.length, limit)
	}

	rest := h.length
	if head[1]&maskBit != 0 {
		rest += 4
	}

	frame := make(Frame, n+int(rest))
	copy(frame, head[:n])
	if _, err := io.ReadFull(r.Reader, frame[n:]); err != nil {
		return nil, unexpected(err)
	}
	return frame, nil
}

// ReadFrame reads a single frame from r with the default payload limit.
func ReadFrame(r io.Reader) (Frame, error) {
	return (&FrameReader{Reader: r}).ReadFrame()
}

// unexpected turns a clean EOF in the middle of a frame into
// io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
