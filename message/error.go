package message

// CallError is the Go error form of a D-Bus error reply. The name is the
// bus-level error identifier, e.g. "org.freedesktop.DBus.Error.UnknownMethod";
// the body, if any, conventionally starts with a human-readable string.
type CallError struct {
	Name      string
	Signature string
	Body      []byte
}

// FromError converts an error reply message into a CallError.
func FromError(m *Message) *CallError {
	return &CallError{
		Name:      m.ErrorName,
		Signature: m.Signature,
		Body:      m.Body,
	}
}

func (e *CallError) Error() string {
	return e.Name
}
