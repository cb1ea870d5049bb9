// Package codec converts between decoded messages and raw D-Bus frames.
//
// The connection engine is deliberately codec-agnostic: it hands whole frames
// to a Codec and gets back a message with the header fields needed for
// routing. WireCodec is the default implementation; it covers the fixed
// header and the header-field array. Message bodies pass through as opaque
// bytes — marshaling typed values into a body is the caller's concern.
package codec

import "mini-dbus/message"

// Header field codes from the D-Bus specification, each tied to a fixed
// variant signature on the wire.
const (
	FieldPath        byte = 1 // 'o'
	FieldInterface   byte = 2 // 's'
	FieldMember      byte = 3 // 's'
	FieldErrorName   byte = 4 // 's'
	FieldReplySerial byte = 5 // 'u'
	FieldDestination byte = 6 // 's'
	FieldSender      byte = 7 // 's'
	FieldSignature   byte = 8 // 'g'
	FieldUnixFDs     byte = 9 // 'u'
)

// Codec encodes a message into one complete wire frame and decodes one
// complete wire frame back into a message.
type Codec interface {
	Encode(m *message.Message) ([]byte, error)
	Decode(frame []byte) (*message.Message, error)
}
