package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic opens every relay message header.
const Magic uint32 = 0xF2BEEF42

// HeaderSize is the encoded header length: magic, type, payload length.
const HeaderSize = 12

// DefaultMaxMessageSize bounds a single payload.
const DefaultMaxMessageSize = 1000000

// VersionString is the relay protocol version this node speaks.
const VersionString = "sponsored by relay-node v1"

// MsgType identifies the payload following a header.
type MsgType uint32

const (
	MsgVersion MsgType = iota
	MsgBlock
	MsgTransaction
	MsgEndBlock
	MsgMaxVersion
)

func (t MsgType) String() string {
	switch t {
	case MsgVersion:
		return "VERSION"
	case MsgBlock:
		return "BLOCK"
	case MsgTransaction:
		return "TRANSACTION"
	case MsgEndBlock:
		return "END_BLOCK"
	case MsgMaxVersion:
		return "MAX_VERSION"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
	}
}

var (
	ErrBadMagic        = errors.New("protocol: invalid magic bytes")
	ErrMessageTooLarge = errors.New("protocol: message too large")
	ErrUnknownMessage  = errors.New("protocol: unknown message type")
)

// Message is one decoded frame.
type Message struct {
	Type    MsgType
	Payload []byte
}

// WriteMessage encodes a header and payload to w.
func WriteMessage(w io.Writer, t MsgType, payload []byte) error {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], Magic)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(t))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write %s header: %w", t, err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write %s payload: %w", t, err)
	}
	return nil
}

// ReadMessage reads one frame from r. Payloads longer than maxSize are
// rejected before any payload byte is read.
func ReadMessage(r io.Reader, maxSize int) (*Message, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != Magic {
		return nil, ErrBadMagic
	}
	t := MsgType(binary.BigEndian.Uint32(hdr[4:8]))
	if t > MsgMaxVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, uint32(t))
	}
	size := binary.BigEndian.Uint32(hdr[8:12])
	if uint64(size) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %s of %d bytes", ErrMessageTooLarge, t, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read %s payload: %w", t, err)
	}
	return &Message{Type: t, Payload: payload}, nil
}
