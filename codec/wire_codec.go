package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"mini-dbus/message"
	"mini-dbus/protocol"
)

// WireCodec implements Codec against the real D-Bus wire format.
//
// Outgoing frames are always little-endian. Incoming frames are decoded in
// whichever byte order the endianness marker names. Alignment inside the
// header-field array is computed relative to the array start, which sits at
// offset 16 of the frame and is therefore itself 8-aligned — so relative and
// absolute alignment agree.
type WireCodec struct{}

var errTruncated = errors.New("codec: truncated header field array")

// Encode serializes m into one complete frame.
// The message must already carry its serial; the connection stamps it before
// encoding.
func (c *WireCodec) Encode(m *message.Message) ([]byte, error) {
	if m.Serial == 0 {
		return nil, errors.New("codec: message has no serial")
	}
	if err := checkRequiredFields(m); err != nil {
		return nil, err
	}

	fields := appendFields(nil, m)

	h := protocol.Header{
		Type:      m.Type,
		Flags:     m.Flags,
		Serial:    m.Serial,
		BodyLen:   uint32(len(m.Body)),
		FieldsLen: uint32(len(fields)),
	}

	frame := make([]byte, h.FrameSize())
	protocol.PutHeader(frame, &h)
	n := copy(frame[protocol.HeaderSize:], fields)
	// Padding bytes between the field array and the body are left zero.
	copy(frame[protocol.HeaderSize+n+protocol.Pad8(n):], m.Body)
	return frame, nil
}

// Decode parses one complete frame into a message.
func (c *WireCodec) Decode(frame []byte) (*message.Message, error) {
	h, err := protocol.ParseHeader(frame)
	if err != nil {
		return nil, err
	}
	if len(frame) != h.FrameSize() {
		return nil, fmt.Errorf("codec: frame is %d bytes, header announces %d", len(frame), h.FrameSize())
	}

	m := &message.Message{
		Type:       h.Type,
		Flags:      h.Flags,
		Serial:     h.Serial,
		Endianness: h.Endianness,
	}

	fields := frame[protocol.HeaderSize : protocol.HeaderSize+int(h.FieldsLen)]
	if err := parseFields(m, fields, h.ByteOrder()); err != nil {
		return nil, err
	}
	if err := checkRequiredFields(m); err != nil {
		return nil, err
	}

	bodyStart := protocol.HeaderSize + int(h.FieldsLen) + protocol.Pad8(int(h.FieldsLen))
	m.Body = frame[bodyStart:]
	return m, nil
}

// checkRequiredFields enforces the per-type mandatory header fields from the
// D-Bus specification. A frame missing one of these cannot be routed.
func checkRequiredFields(m *message.Message) error {
	switch m.Type {
	case protocol.TypeMethodCall:
		if m.Path == "" {
			return errors.New("codec: method call without PATH")
		}
		if m.Member == "" {
			return errors.New("codec: method call without MEMBER")
		}
	case protocol.TypeMethodReturn:
		if m.ReplySerial == 0 {
			return errors.New("codec: method return without REPLY_SERIAL")
		}
	case protocol.TypeError:
		if m.ErrorName == "" {
			return errors.New("codec: error without ERROR_NAME")
		}
		if m.ReplySerial == 0 {
			return errors.New("codec: error without REPLY_SERIAL")
		}
	case protocol.TypeSignal:
		if m.Path == "" || m.Interface == "" || m.Member == "" {
			return errors.New("codec: signal without PATH, INTERFACE or MEMBER")
		}
	}
	return nil
}

// appendFields serializes the present header fields of m, little-endian.
// Each entry is a (byte, variant) struct aligned to 8.
func appendFields(buf []byte, m *message.Message) []byte {
	appendString := func(code byte, sig byte, value string) {
		if value == "" {
			return
		}
		buf = align(buf, 8)
		buf = append(buf, code, 1, sig, 0)
		if sig == 'g' {
			// Signatures carry a single-byte length and no alignment.
			buf = append(buf, byte(len(value)))
		} else {
			buf = align(buf, 4)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
		}
		buf = append(buf, value...)
		buf = append(buf, 0)
	}
	appendUint32 := func(code byte, value uint32) {
		if value == 0 {
			return
		}
		buf = align(buf, 8)
		buf = append(buf, code, 1, 'u', 0)
		buf = binary.LittleEndian.AppendUint32(buf, value)
	}

	appendString(FieldPath, 'o', m.Path)
	appendString(FieldInterface, 's', m.Interface)
	appendString(FieldMember, 's', m.Member)
	appendString(FieldErrorName, 's', m.ErrorName)
	appendUint32(FieldReplySerial, m.ReplySerial)
	appendString(FieldDestination, 's', m.Destination)
	appendString(FieldSender, 's', m.Sender)
	appendString(FieldSignature, 'g', m.Signature)
	return buf
}

// align pads buf with zero bytes to the given boundary.
func align(buf []byte, boundary int) []byte {
	for len(buf)%boundary != 0 {
		buf = append(buf, 0)
	}
	return buf
}

// parseFields walks the header-field array and stores every recognized field
// on m. Unknown field codes are skipped by their variant signature, as the
// specification requires.
func parseFields(m *message.Message, fields []byte, order binary.ByteOrder) error {
	pos := 0
	for pos < len(fields) {
		pos += protocol.Pad8(pos)
		if pos >= len(fields) {
			break
		}
		if pos+2 > len(fields) {
			return errTruncated
		}

		code := fields[pos]
		sigLen := int(fields[pos+1])
		pos += 2
		if pos+sigLen+1 > len(fields) {
			return errTruncated
		}
		sig := string(fields[pos : pos+sigLen])
		pos += sigLen + 1 // skip the NUL after the signature

		var (
			str string
			u32 uint32
			err error
		)
		switch sig {
		case "u":
			pos = alignPos(pos, 4)
			if pos+4 > len(fields) {
				return errTruncated
			}
			u32 = order.Uint32(fields[pos : pos+4])
			pos += 4
		case "s", "o":
			pos = alignPos(pos, 4)
			if pos+4 > len(fields) {
				return errTruncated
			}
			strLen := int(order.Uint32(fields[pos : pos+4]))
			pos += 4
			str, pos, err = takeString(fields, pos, strLen)
			if err != nil {
				return err
			}
		case "g":
			if pos+1 > len(fields) {
				return errTruncated
			}
			strLen := int(fields[pos])
			pos++
			str, pos, err = takeString(fields, pos, strLen)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("codec: unsupported header field signature %q", sig)
		}

		switch code {
		case FieldPath:
			m.Path = str
		case FieldInterface:
			m.Interface = str
		case FieldMember:
			m.Member = str
		case FieldErrorName:
			m.ErrorName = str
		case FieldReplySerial:
			if u32 == 0 {
				return errors.New("codec: zero REPLY_SERIAL header field")
			}
			m.ReplySerial = u32
		case FieldDestination:
			m.Destination = str
		case FieldSender:
			m.Sender = str
		case FieldSignature:
			m.Signature = str
		default:
			// Unknown field: value already skipped, nothing to store.
		}
	}
	return nil
}

func alignPos(pos, boundary int) int {
	return pos + (boundary-pos%boundary)%boundary
}

// takeString reads strLen bytes plus the mandatory NUL terminator.
func takeString(fields []byte, pos, strLen int) (string, int, error) {
	if pos+strLen+1 > len(fields) {
		return "", 0, errTruncated
	}
	if fields[pos+strLen] != 0 {
		return "", 0, errors.New("codec: string header field is not NUL terminated")
	}
	return string(fields[pos : pos+strLen]), pos + strLen + 1, nil
}
