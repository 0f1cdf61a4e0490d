// Package protocol defines the framed binary wire format used between
// session peers: a fixed 4-byte header (type tag, protocol version,
// payload length) followed by a type-specific payload. All multi-byte
// integers are little-endian.
//
// Decode accepts arbitrary byte sequences and must never panic or read
// out of bounds; malformed input is rejected with a *DecodeError.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type MessageType uint8

const (
	TypeAnnounce      MessageType = 0x01
	TypeClockPing     MessageType = 0x02
	TypeClockPong     MessageType = 0x03
	TypeSyncState     MessageType = 0x04
	TypeCommand       MessageType = 0x05
	TypeStateEvent    MessageType = 0x06
	TypeScreenRect    MessageType = 0x07
	TypeStateQuery    MessageType = 0x08
	TypeStateSnapshot MessageType = 0x09
)

// Version is the wire protocol version carried in every frame header.
const Version = 1

const (
	headerSize = 4
	maxPayload = 0xFFFF
)

// Message is the common interface for all wire messages.
type Message interface {
	Type() MessageType
	MarshalBinaryPayload() ([]byte, error)
}

var (
	ErrShortHeader    = errors.New("protocol: header truncated")
	ErrUnknownType    = errors.New("protocol: unknown message type")
	ErrBadVersion     = errors.New("protocol: unsupported protocol version")
	ErrTruncated      = errors.New("protocol: payload truncated")
	ErrTrailingBytes  = errors.New("protocol: trailing bytes in payload")
	ErrLengthMismatch = errors.New("protocol: payload length mismatch")
	ErrFieldRange     = errors.New("protocol: field out of range")
	ErrTooLarge       = errors.New("protocol: payload too large")
)

// DecodeError reports why a frame was rejected. Cause is one of the
// sentinel errors above and is reachable through errors.Is.
type DecodeError struct {
	Type   MessageType
	Cause  error
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("decode type 0x%02x: %v", uint8(e.Type), e.Cause)
	}
	return fmt.Sprintf("decode type 0x%02x: %v (%s)", uint8(e.Type), e.Cause, e.Detail)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

func decodeErr(t MessageType, cause error, detail string) error {
	return &DecodeError{Type: t, Cause: cause, Detail: detail}
}

// Encode serializes m into a single frame (header plus payload).
func Encode(m Message) ([]byte, error) {
	payload, err := m.MarshalBinaryPayload()
	if err != nil {
		return nil, err
	}
	if len(payload) > maxPayload {
		return nil, ErrTooLarge
	}
	out := make([]byte, headerSize, headerSize+len(payload))
	out[0] = byte(m.Type())
	out[1] = Version
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(payload)))
	return append(out, payload...), nil
}

// Decode parses exactly one frame from b. The frame must span the whole
// slice; datagrams carry one message each, so trailing bytes are an error.
func Decode(b []byte) (Message, error) {
	if len(b) < headerSize {
		return nil, decodeErr(0, ErrShortHeader, "")
	}
	mtype := MessageType(b[0])
	if b[1] != Version {
		return nil, decodeErr(mtype, ErrBadVersion, fmt.Sprintf("version %d", b[1]))
	}
	length := int(binary.LittleEndian.Uint16(b[2:4]))
	if len(b) < headerSize+length {
		return nil, decodeErr(mtype, ErrTruncated, "")
	}
	if len(b) > headerSize+length {
		return nil, decodeErr(mtype, ErrTrailingBytes, "")
	}
	return decodePayload(mtype, b[headerSize:])
}

// WriteMessage writes a single framed message to w.
func WriteMessage(w io.Writer, m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads exactly one framed message from r. Header read
// errors (including io.EOF on a cleanly closed stream) are returned
// as-is; malformed frames yield a *DecodeError.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	mtype := MessageType(hdr[0])
	if hdr[1] != Version {
		return nil, decodeErr(mtype, ErrBadVersion, fmt.Sprintf("version %d", hdr[1]))
	}
	length := int(binary.LittleEndian.Uint16(hdr[2:4]))
	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, decodeErr(mtype, ErrTruncated, "")
		}
	}
	return decodePayload(mtype, payload)
}
