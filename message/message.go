// Package message defines the D-Bus message structure routed by the connection engine.
//
// Message is the "envelope" for every frame on the bus. The engine reads only
// the header fields it needs for routing (serial, type, flags, reply serial);
// the body stays opaque bytes produced and consumed by whatever marshals the
// caller's arguments.
package message

import "mini-dbus/protocol"

// Message carries one D-Bus message in decoded form.
//
//   - On a method call: Path and Member are required, Serial is stamped by the
//     connection right before sending.
//   - On a method return or error: ReplySerial names the call being answered.
//   - On a signal: Path, Interface and Member identify the event.
type Message struct {
	Type   protocol.MessageType
	Flags  protocol.Flags
	Serial uint32 // Assigned by the sending side; 0 until the connection stamps it

	// Endianness of the frame this message was decoded from ('l' or 'B').
	// Body bytes are left in wire order, so consumers unmarshaling the body
	// need it. Outgoing messages ignore it; frames are encoded little-endian.
	Endianness byte

	// Optional header fields. Zero value means absent.
	Path        string // Object path, e.g. "/org/freedesktop/DBus"
	Interface   string
	Member      string // Method or signal name
	ErrorName   string // Only on Type == TypeError
	ReplySerial uint32 // Only on replies and errors
	Destination string
	Sender      string
	Signature   string // D-Bus type signature of the body, e.g. "su"

	Body []byte // Opaque marshaled body, handed to/from the external codec
}

// MethodCall constructs a method call for the given object path and member.
func MethodCall(path, member string) *Message {
	return &Message{
		Type:   protocol.TypeMethodCall,
		Path:   path,
		Member: member,
	}
}

// Signal constructs a signal emission for the given path, interface and member.
func Signal(path, iface, member string) *Message {
	return &Message{
		Type:      protocol.TypeSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
	}
}

// MethodReturn constructs a reply to the call carrying replySerial.
func MethodReturn(replySerial uint32) *Message {
	return &Message{
		Type:        protocol.TypeMethodReturn,
		ReplySerial: replySerial,
	}
}

// Error constructs an error reply to the call carrying replySerial.
func Error(replySerial uint32, name string) *Message {
	return &Message{
		Type:        protocol.TypeError,
		ErrorName:   name,
		ReplySerial: replySerial,
	}
}

// WithDestination sets the destination bus name and returns the message.
func (m *Message) WithDestination(dest string) *Message {
	m.Destination = dest
	return m
}

// WithInterface sets the interface name and returns the message.
func (m *Message) WithInterface(iface string) *Message {
	m.Interface = iface
	return m
}

// WithBody attaches a marshaled body and its type signature.
func (m *Message) WithBody(signature string, body []byte) *Message {
	m.Signature = signature
	m.Body = body
	return m
}

// WithFlags sets the header flags and returns the message.
func (m *Message) WithFlags(flags protocol.Flags) *Message {
	m.Flags = flags
	return m
}

// IsReply reports whether the message answers an outstanding call.
func (m *Message) IsReply() bool {
	return m.Type == protocol.TypeMethodReturn || m.Type == protocol.TypeError
}

// WantsReply reports whether a method call expects a reply frame back.
func (m *Message) WantsReply() bool {
	return m.Type == protocol.TypeMethodCall && m.Flags&protocol.FlagNoReplyExpected == 0
}
