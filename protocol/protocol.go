// Package protocol implements the fixed-header framing of the D-Bus wire format.
//
// It solves the stream boundary problem the same way every length-prefixed
// protocol does: read the fixed 16-byte header first, compute the total frame
// size from it, then read exactly that many remaining bytes.
//
// Frame format (multi-byte fields in the byte order named by the marker):
//
//	0      1      2      3      4         8         12        16
//	┌──────┬──────┬──────┬──────┬─────────┬─────────┬─────────┬──────────┬─────┬──────┐
//	│endian│ type │flags │ ver  │ bodyLen │ serial  │fieldsLen│ fields.. │ pad │ body │
//	│ l/B  │ 1..4 │      │ 01   │ uint32  │ uint32  │ uint32  │          │ →8  │      │
//	└──────┴──────┴──────┴──────┴─────────┴─────────┴─────────┴──────────┴─────┴──────┘
//
// The header-field array is padded to an 8-byte boundary before the body
// begins; the padding is not counted in fieldsLen. The body is opaque here —
// interpreting it is the codec's job.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	LittleEndian byte = 'l'
	BigEndian    byte = 'B'
	Version      byte = 0x01
	HeaderSize   int  = 16 // 1 (endian) + 1 (type) + 1 (flags) + 1 (version) + 4 (bodyLen) + 4 (serial) + 4 (fieldsLen)

	// Hard limits from the D-Bus specification. A header announcing more is
	// corrupt or hostile, so it is rejected before any allocation happens.
	MaxFieldsLen uint32 = 1 << 26 // 64 MiB, maximum array length
	MaxBodyLen   uint32 = 1 << 27 // 128 MiB, maximum body length
)

// MessageType distinguishes the four kinds of frames on the bus.
type MessageType byte

const (
	TypeMethodCall   MessageType = 1 // Request expecting a reply (unless flagged otherwise)
	TypeMethodReturn MessageType = 2 // Successful reply, carries a reply serial
	TypeError        MessageType = 3 // Failed reply, carries a reply serial and error name
	TypeSignal       MessageType = 4 // Unsolicited broadcast, no correlation
)

func (t MessageType) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	}
	return fmt.Sprintf("invalid(%d)", byte(t))
}

// Flags is the bitset in byte 2 of the fixed header.
type Flags byte

const (
	FlagNoReplyExpected      Flags = 0x1 // Sender will not wait for a reply
	FlagNoAutoStart          Flags = 0x2
	FlagAllowInteractiveAuth Flags = 0x4
)

// Header is the parsed fixed 16-byte frame header.
// It carries everything needed to find the frame boundary and route the
// message: total size, serial, and message type.
type Header struct {
	Endianness byte        // 'l' or 'B' — byte order of every numeric field that follows
	Type       MessageType // One of the four frame kinds
	Flags      Flags
	Serial     uint32 // Sender-assigned, correlates calls to replies
	BodyLen    uint32 // Body length in bytes, excluding padding
	FieldsLen  uint32 // Header-field array length in bytes, excluding padding
}

// ByteOrder returns the decoder for the header's numeric fields.
func (h *Header) ByteOrder() binary.ByteOrder {
	if h.Endianness == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// FrameSize returns the total on-wire size of the frame this header starts,
// including the fixed header itself and the padding after the field array.
func (h *Header) FrameSize() int {
	fields := int(h.FieldsLen)
	return HeaderSize + fields + Pad8(fields) + int(h.BodyLen)
}

// Pad8 returns the number of padding bytes needed to bring n up to the next
// 8-byte boundary.
func Pad8(n int) int {
	return (8 - n%8) % 8
}

// ParseHeader parses and validates the fixed header from buf, which must hold
// at least HeaderSize bytes.
func ParseHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("protocol: short header: %d bytes", len(buf))
	}

	h := &Header{
		Endianness: buf[0],
		Type:       MessageType(buf[1]),
		Flags:      Flags(buf[2]),
	}

	if h.Endianness != LittleEndian && h.Endianness != BigEndian {
		return nil, fmt.Errorf("protocol: invalid endianness marker: %#x", buf[0])
	}
	if buf[3] != Version {
		return nil, fmt.Errorf("protocol: unsupported protocol version: %d", buf[3])
	}
	if h.Type < TypeMethodCall || h.Type > TypeSignal {
		return nil, fmt.Errorf("protocol: invalid message type: %d", buf[1])
	}

	order := h.ByteOrder()
	h.BodyLen = order.Uint32(buf[4:8])
	h.Serial = order.Uint32(buf[8:12])
	h.FieldsLen = order.Uint32(buf[12:16])

	if h.Serial == 0 {
		return nil, fmt.Errorf("protocol: zero serial in header")
	}
	if h.BodyLen > MaxBodyLen {
		return nil, fmt.Errorf("protocol: body of %d bytes exceeds maximum %d", h.BodyLen, MaxBodyLen)
	}
	if h.FieldsLen > MaxFieldsLen {
		return nil, fmt.Errorf("protocol: header field array of %d bytes exceeds maximum %d", h.FieldsLen, MaxFieldsLen)
	}

	return h, nil
}

// PutHeader writes the fixed header into buf in little-endian order.
// buf must hold at least HeaderSize bytes. Outgoing frames are always encoded
// little-endian; the marker tells the peer how to read them.
func PutHeader(buf []byte, h *Header) {
	buf[0] = LittleEndian
	buf[1] = byte(h.Type)
	buf[2] = byte(h.Flags)
	buf[3] = Version
	binary.LittleEndian.PutUint32(buf[4:8], h.BodyLen)
	binary.LittleEndian.PutUint32(buf[8:12], h.Serial)
	binary.LittleEndian.PutUint32(buf[12:16], h.FieldsLen)
}

// Decode reads exactly one complete frame from r.
// It returns the parsed header and the full raw frame (fixed header included)
// so the caller can hand the bytes to a codec without reassembly.
// Uses io.ReadFull so a short read mid-frame surfaces as an error rather than
// a torn frame.
func Decode(r io.Reader) (*Header, []byte, error) {
	fixed := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, nil, err
	}

	h, err := ParseHeader(fixed)
	if err != nil {
		return nil, nil, err
	}

	frame := make([]byte, h.FrameSize())
	copy(frame, fixed)
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		return nil, nil, err
	}

	return h, frame, nil
}
