package message

import (
	"errors"
	"testing"

	"mini-dbus/protocol"
)

func TestMethodCallConstruction(t *testing.T) {
	m := MethodCall("/org/freedesktop/DBus", "Hello").
		WithInterface("org.freedesktop.DBus").
		WithDestination("org.freedesktop.DBus").
		WithBody("s", []byte{1, 2, 3})

	if m.Type != protocol.TypeMethodCall {
		t.Fatalf("expect method call type, got %s", m.Type)
	}
	if !m.WantsReply() {
		t.Fatal("plain method call must expect a reply")
	}
	if m.IsReply() {
		t.Fatal("method call is not a reply")
	}
}

func TestNoReplyFlagSuppressesReply(t *testing.T) {
	m := MethodCall("/x", "Notify").WithFlags(protocol.FlagNoReplyExpected)
	if m.WantsReply() {
		t.Fatal("NoReplyExpected call must not want a reply")
	}
}

func TestReplyKinds(t *testing.T) {
	ret := MethodReturn(7)
	if !ret.IsReply() || ret.ReplySerial != 7 {
		t.Fatalf("bad method return: %+v", ret)
	}

	errMsg := Error(7, "org.example.Failed")
	if !errMsg.IsReply() || errMsg.ErrorName != "org.example.Failed" {
		t.Fatalf("bad error reply: %+v", errMsg)
	}

	sig := Signal("/x", "org.x", "Changed")
	if sig.IsReply() || sig.WantsReply() {
		t.Fatal("signal is neither a reply nor expects one")
	}
}

func TestCallErrorWrapsErrorReply(t *testing.T) {
	reply := Error(3, "org.freedesktop.DBus.Error.AccessDenied").WithBody("s", []byte{0})

	var err error = FromError(reply)
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatal("CallError must satisfy errors.As")
	}
	if callErr.Name != "org.freedesktop.DBus.Error.AccessDenied" {
		t.Fatalf("unexpected name %q", callErr.Name)
	}
	if err.Error() != callErr.Name {
		t.Fatalf("Error() should be the bus error name, got %q", err.Error())
	}
}
