package codec

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"mini-dbus/message"
	"mini-dbus/protocol"
)

func TestEncodeDecodeMethodCall(t *testing.T) {
	wc := &WireCodec{}

	in := message.MethodCall("/org/freedesktop/DBus", "Hello").
		WithInterface("org.freedesktop.DBus").
		WithDestination("org.freedesktop.DBus").
		WithBody("su", []byte{1, 2, 3, 4, 5, 6, 7, 8, 9})
	in.Serial = 17

	frame, err := wc.Encode(in)
	require.NoError(t, err)

	out, err := wc.Decode(frame)
	require.NoError(t, err)

	require.Equal(t, protocol.TypeMethodCall, out.Type)
	require.Equal(t, uint32(17), out.Serial)
	require.Equal(t, in.Path, out.Path)
	require.Equal(t, in.Interface, out.Interface)
	require.Equal(t, in.Member, out.Member)
	require.Equal(t, in.Destination, out.Destination)
	require.Equal(t, in.Signature, out.Signature)
	require.Equal(t, in.Body, out.Body)
	require.Equal(t, protocol.LittleEndian, out.Endianness)
}

func TestEncodeDecodeErrorReply(t *testing.T) {
	wc := &WireCodec{}

	in := message.Error(23, "org.freedesktop.DBus.Error.UnknownMethod")
	in.Serial = 5

	frame, err := wc.Encode(in)
	require.NoError(t, err)

	out, err := wc.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeError, out.Type)
	require.Equal(t, uint32(23), out.ReplySerial)
	require.Equal(t, in.ErrorName, out.ErrorName)
}

func TestEncodeDecodeSignal(t *testing.T) {
	wc := &WireCodec{}

	in := message.Signal("/org/example/Obj", "org.example.Iface", "Changed")
	in.Serial = 3

	frame, err := wc.Encode(in)
	require.NoError(t, err)

	out, err := wc.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeSignal, out.Type)
	require.Equal(t, in.Path, out.Path)
	require.Equal(t, in.Interface, out.Interface)
	require.Equal(t, in.Member, out.Member)
	require.Empty(t, out.Body)
}

func TestEncodeRequiresSerial(t *testing.T) {
	wc := &WireCodec{}
	_, err := wc.Encode(message.MethodCall("/a", "B"))
	require.Error(t, err)
}

func TestEncodeRequiredFieldsMissing(t *testing.T) {
	wc := &WireCodec{}

	cases := []struct {
		name string
		m    *message.Message
	}{
		{"call without path", &message.Message{Type: protocol.TypeMethodCall, Member: "M", Serial: 1}},
		{"call without member", &message.Message{Type: protocol.TypeMethodCall, Path: "/a", Serial: 1}},
		{"return without reply serial", &message.Message{Type: protocol.TypeMethodReturn, Serial: 1}},
		{"error without name", &message.Message{Type: protocol.TypeError, ReplySerial: 2, Serial: 1}},
		{"signal without interface", &message.Message{Type: protocol.TypeSignal, Path: "/a", Member: "M", Serial: 1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := wc.Encode(tc.m)
			require.Error(t, err)
		})
	}
}

// buildBigEndianReply hand-assembles a method return the way a big-endian
// peer would, to prove decoding is not hardwired to little-endian.
func buildBigEndianReply(t *testing.T, serial, replySerial uint32) []byte {
	t.Helper()

	// Field array: one entry, REPLY_SERIAL (u).
	fields := []byte{FieldReplySerial, 1, 'u', 0}
	fields = binary.BigEndian.AppendUint32(fields, replySerial)

	frame := make([]byte, protocol.HeaderSize)
	frame[0] = protocol.BigEndian
	frame[1] = byte(protocol.TypeMethodReturn)
	frame[3] = protocol.Version
	binary.BigEndian.PutUint32(frame[4:8], 0)
	binary.BigEndian.PutUint32(frame[8:12], serial)
	binary.BigEndian.PutUint32(frame[12:16], uint32(len(fields)))
	frame = append(frame, fields...)
	return frame
}

func TestDecodeBigEndianFrame(t *testing.T) {
	wc := &WireCodec{}

	out, err := wc.Decode(buildBigEndianReply(t, 99, 42))
	require.NoError(t, err)
	require.Equal(t, uint32(99), out.Serial)
	require.Equal(t, uint32(42), out.ReplySerial)
	require.Equal(t, protocol.BigEndian, out.Endianness)
}

func TestDecodeSkipsUnknownField(t *testing.T) {
	wc := &WireCodec{}

	in := message.MethodReturn(7)
	in.Serial = 1
	frame, err := wc.Encode(in)
	require.NoError(t, err)

	// Append an unknown field code (200) with a string value; the decoder
	// must skip it by signature without complaint.
	extra := []byte{200, 1, 's', 0}
	extra = binary.LittleEndian.AppendUint32(extra, 3)
	extra = append(extra, 'a', 'b', 'c', 0)

	fieldsLen := int(binary.LittleEndian.Uint32(frame[12:16]))
	pad := protocol.Pad8(fieldsLen)
	frame = append(frame[:protocol.HeaderSize+fieldsLen], append(make([]byte, pad), extra...)...)
	newLen := fieldsLen + pad + len(extra)
	binary.LittleEndian.PutUint32(frame[12:16], uint32(newLen))
	// Restore the trailing padding before the (empty) body.
	frame = append(frame, make([]byte, protocol.Pad8(newLen))...)

	out, err := wc.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, uint32(7), out.ReplySerial)
}

func TestDecodeTruncatedFieldArray(t *testing.T) {
	wc := &WireCodec{}

	in := message.MethodReturn(7)
	in.Serial = 1
	frame, err := wc.Encode(in)
	require.NoError(t, err)

	// Announce more field bytes than the frame carries.
	cut := frame[:len(frame)-2]
	_, err = wc.Decode(cut)
	require.Error(t, err)
}

func TestDecodeLengthMismatch(t *testing.T) {
	wc := &WireCodec{}

	in := message.MethodReturn(7)
	in.Serial = 1
	frame, err := wc.Encode(in)
	require.NoError(t, err)

	_, err = wc.Decode(append(frame, 0xFF))
	require.Error(t, err)
}
