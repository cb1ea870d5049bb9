package testbus

import (
	"net"
	"testing"

	"mini-dbus/auth"
	"mini-dbus/transport"
)

func TestServeHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	srv := &Server{AgreeUnixFD: true}
	go srv.Serve(server)

	res, err := auth.Handshake(transport.New(client), auth.Config{UID: 1000, NegotiateUnixFD: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.GUID != DefaultGUID {
		t.Fatalf("expect default guid, got %q", res.GUID)
	}
	if !res.UnixFD {
		t.Fatal("expect unix fd agreement")
	}
	if srv.AuthUID() != "1000" {
		t.Fatalf("expect recorded uid 1000, got %q", srv.AuthUID())
	}
	if !srv.SawBegin() {
		t.Fatal("expect BEGIN recorded")
	}
}

func TestServeReject(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	srv := &Server{Reject: []string{"ANONYMOUS"}}
	go srv.Serve(server)

	_, err := auth.Handshake(transport.New(client), auth.Config{UID: 1000})
	if err == nil {
		t.Fatal("expect handshake rejection")
	}
}
