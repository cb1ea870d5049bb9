// Package auth drives the line-oriented authentication handshake that
// precedes all binary traffic on a bus connection.
//
// The exchange is strictly sequential, ASCII, CR-LF terminated:
//
//	client: <NUL>AUTH EXTERNAL 31303030\r\n     (uid "1000" as ASCII hex)
//	server: OK 1f0a3c2b...\r\n
//	client: NEGOTIATE_UNIX_FD\r\n               (optional)
//	server: AGREE_UNIX_FD\r\n
//	client: BEGIN\r\n
//
// After BEGIN the socket speaks binary frames and this package is done. The
// initial NUL byte doubles as the carrier for ancillary credentials on
// platforms that pass them out-of-band (see creds_linux.go).
//
// Only the EXTERNAL mechanism is implemented. A REJECTED response fails the
// handshake immediately with the peer's advertised mechanism list; there is
// no fallback negotiation.
package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"mini-dbus/transport"
)

// maxLineLen bounds a single handshake line. Real responses are well under
// 100 bytes; anything near the limit is a misbehaving or malicious peer.
const maxLineLen = 16 * 1024

// ErrMalformedResponse reports a handshake line that does not match any
// expected token. Wrapped errors carry the offending line.
var ErrMalformedResponse = errors.New("auth: malformed handshake response")

// RejectedError reports that the peer refused the EXTERNAL mechanism.
// Mechanisms lists what the peer advertised instead.
type RejectedError struct {
	Mechanisms []string
}

func (e *RejectedError) Error() string {
	if len(e.Mechanisms) == 0 {
		return "auth: EXTERNAL rejected by peer"
	}
	return "auth: EXTERNAL rejected by peer (offered: " + strings.Join(e.Mechanisms, " ") + ")"
}

// Result is the outcome of a successful handshake.
type Result struct {
	GUID   string // Server-provided connection GUID from the OK line
	UnixFD bool   // Whether the peer agreed to file-descriptor passing
}

// Config controls the handshake.
type Config struct {
	UID             int  // Identity claimed via EXTERNAL; use os.Getuid()
	NegotiateUnixFD bool // Ask for file-descriptor passing after authentication
}

// Handshake authenticates on a freshly connected transport and ends the
// textual phase. On return the next byte on the socket belongs to the binary
// protocol. Any error means the connection is unusable.
func Handshake(t *transport.Transport, cfg Config) (*Result, error) {
	// The NUL byte must be the very first byte on the socket; credentials
	// ride along as ancillary data where the platform supports it.
	if err := sendNul(t); err != nil {
		return nil, fmt.Errorf("auth: sending initial nul byte: %w", err)
	}

	// EXTERNAL carries the uid as the ASCII-hex encoding of its decimal form.
	uidHex := hex.EncodeToString([]byte(strconv.Itoa(cfg.UID)))
	if err := t.WriteAll([]byte("AUTH EXTERNAL " + uidHex + "\r\n")); err != nil {
		return nil, err
	}

	line, err := t.ReadLine(maxLineLen)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	switch cmd, rest := splitCommand(line); cmd {
	case "OK":
		if rest == "" || strings.ContainsRune(rest, ' ') {
			return nil, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
		}
		res.GUID = rest
	case "REJECTED":
		return nil, &RejectedError{Mechanisms: strings.Fields(rest)}
	default:
		return nil, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
	}

	if cfg.NegotiateUnixFD {
		agreed, err := negotiateUnixFD(t)
		if err != nil {
			return nil, err
		}
		res.UnixFD = agreed
	}

	// BEGIN ends the textual phase; the server does not respond to it.
	if err := t.WriteAll([]byte("BEGIN\r\n")); err != nil {
		return nil, err
	}
	return res, nil
}

// negotiateUnixFD asks for fd passing. Refusal only disables the capability;
// a response outside the protocol is still fatal.
func negotiateUnixFD(t *transport.Transport) (bool, error) {
	if err := t.WriteAll([]byte("NEGOTIATE_UNIX_FD\r\n")); err != nil {
		return false, err
	}

	line, err := t.ReadLine(maxLineLen)
	if err != nil {
		return false, err
	}

	switch cmd, _ := splitCommand(line); cmd {
	case "AGREE_UNIX_FD":
		return true, nil
	case "ERROR":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
	}
}

// splitCommand splits a handshake line into its leading token and the rest.
func splitCommand(line string) (string, string) {
	cmd, rest, _ := strings.Cut(line, " ")
	return cmd, rest
}
