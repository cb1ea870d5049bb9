//go:build linux

package auth

import (
	"net"
	"os"

	"golang.org/x/sys/unix"

	"mini-dbus/transport"
)

// sendNul sends the initial NUL byte with the caller's credentials attached
// as SCM_CREDENTIALS ancillary data. The bus daemon on Linux authenticates
// EXTERNAL against these kernel-verified credentials, not the hex uid in the
// AUTH line. A failed send is fatal to the handshake.
//
// Transports that are not unix sockets (in-process pipes in tests) have no
// ancillary channel; for those the bare NUL byte is all there is to send.
func sendNul(t *transport.Transport) error {
	uc, ok := t.Conn().(*net.UnixConn)
	if !ok {
		return t.WriteAll([]byte{0})
	}

	oob := unix.UnixCredentials(&unix.Ucred{
		Pid: int32(os.Getpid()),
		Uid: uint32(os.Getuid()),
		Gid: uint32(os.Getgid()),
	})
	_, _, err := uc.WriteMsgUnix([]byte{0}, oob, nil)
	return err
}
