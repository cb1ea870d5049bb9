//go:build !linux

package auth

import "mini-dbus/transport"

// sendNul sends the initial NUL byte. Platforms without SCM_CREDENTIALS rely
// on the socket-level peer credentials the kernel exposes to the server, so
// nothing travels out-of-band here.
func sendNul(t *transport.Transport) error {
	return t.WriteAll([]byte{0})
}
