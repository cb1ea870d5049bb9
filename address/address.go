// Package address resolves and parses D-Bus bus addresses.
//
// The connection engine itself only ever sees an already-connected socket;
// this package is the thin layer that finds the socket to connect in the
// first place: environment variables for the session and system buses, and
// the "unix:path=..." address syntax.
//
// Only local unix transports are supported. TCP and the other remote
// transports from the D-Bus specification are out of scope for a local
// client.
package address

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

const (
	EnvSessionBus = "DBUS_SESSION_BUS_ADDRESS"
	EnvSystemBus  = "DBUS_SYSTEM_BUS_ADDRESS"

	// DefaultSystemBus is the well-known system bus socket used when the
	// environment does not say otherwise.
	DefaultSystemBus = "unix:path=/var/run/dbus/system_bus_socket"
)

// ErrMissingBus reports that no session bus address is configured.
var ErrMissingBus = errors.New("address: DBUS_SESSION_BUS_ADDRESS is not set")

// Session returns the session bus address from the environment.
func Session() (string, error) {
	if addr := os.Getenv(EnvSessionBus); addr != "" {
		return addr, nil
	}
	return "", ErrMissingBus
}

// System returns the system bus address from the environment, falling back to
// the well-known socket path.
func System() string {
	if addr := os.Getenv(EnvSystemBus); addr != "" {
		return addr
	}
	return DefaultSystemBus
}

// Parse extracts the unix socket target from a bus address. Addresses may
// list several entries separated by ';'; the first supported entry wins.
// Within an entry, "path" names a filesystem socket and "abstract" an
// abstract-namespace socket.
func Parse(addr string) (network, target string, err error) {
	for _, entry := range strings.Split(addr, ";") {
		transportName, params, ok := strings.Cut(entry, ":")
		if !ok {
			return "", "", fmt.Errorf("address: entry %q has no transport prefix", entry)
		}
		if transportName != "unix" {
			continue
		}

		for _, pair := range strings.Split(params, ",") {
			key, value, ok := strings.Cut(pair, "=")
			if !ok {
				return "", "", fmt.Errorf("address: malformed key-value pair %q", pair)
			}
			switch key {
			case "path":
				return "unix", value, nil
			case "abstract":
				// Go's net package spells the abstract namespace with a
				// leading '@'.
				return "unix", "@" + value, nil
			}
		}
	}
	return "", "", fmt.Errorf("address: no supported transport in %q", addr)
}

// Dial parses addr and connects its socket.
func Dial(addr string) (net.Conn, error) {
	network, target, err := Parse(addr)
	if err != nil {
		return nil, err
	}
	return net.Dial(network, target)
}
