// Package testbus implements a scripted message-bus peer for tests.
//
// It speaks the server side of the authentication handshake and then the
// binary protocol: method calls are answered by a configurable handler
// (default: echo the body back in a method return), and tests can inject
// signals or raw bytes at any point to exercise the client's dispatch paths.
//
// It is intentionally not a bus daemon — no routing, no names, no policy.
// Just enough peer behavior to drive the connection engine from the outside.
package testbus

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"mini-dbus/codec"
	"mini-dbus/message"
	"mini-dbus/protocol"
	"mini-dbus/transport"
)

// DefaultGUID is the server GUID handed out on successful authentication.
const DefaultGUID = "6f3c4e1a9d2b58c7014a6e8b12345678"

// Server is one scripted peer conversation. Zero value defaults: accept
// EXTERNAL, refuse unix-fd passing, echo method calls.
type Server struct {
	// GUID sent in the OK line; DefaultGUID if empty.
	GUID string
	// Reject refuses EXTERNAL with this mechanism list instead of OK.
	Reject []string
	// AgreeUnixFD answers NEGOTIATE_UNIX_FD with AGREE_UNIX_FD.
	AgreeUnixFD bool
	// Handler builds the reply for a method call; nil uses an echo reply.
	// Returning nil sends nothing, leaving the call pending.
	Handler func(m *message.Message) *message.Message

	tr     *transport.Transport
	wc     codec.WireCodec
	serial atomic.Uint32

	mu       sync.Mutex
	authUID  string // Hex payload received in the AUTH line
	sawBegin bool
	binary   int // Binary frames received after BEGIN
}

// Serve runs the conversation on conn until the peer disconnects.
// Run it in a goroutine; the returned error is the read error that ended the
// conversation (io.EOF / closed-pipe errors for an orderly client close).
func (s *Server) Serve(conn net.Conn) error {
	tr := transport.New(conn)
	s.mu.Lock()
	s.tr = tr
	s.mu.Unlock()
	defer tr.Close()

	if err := s.handshake(); err != nil {
		return err
	}

	for {
		_, frame, err := s.tr.ReadFrame()
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.binary++
		s.mu.Unlock()

		m, err := s.wc.Decode(frame)
		if err != nil {
			return fmt.Errorf("testbus: client sent undecodable frame: %w", err)
		}
		if m.Type != protocol.TypeMethodCall || m.Flags&protocol.FlagNoReplyExpected != 0 {
			continue
		}

		reply := s.buildReply(m)
		if reply == nil {
			continue
		}
		if err := s.send(reply); err != nil {
			return err
		}
	}
}

// handshake runs the server side of the textual phase.
func (s *Server) handshake() error {
	// First byte on the wire must be NUL. Ancillary credentials, when the
	// transport carries them, arrive attached to this byte and are simply
	// accepted here.
	nul := make([]byte, 1)
	if _, err := s.tr.Conn().Read(nul); err != nil {
		return err
	}
	if nul[0] != 0 {
		return fmt.Errorf("testbus: first byte %#x, want NUL", nul[0])
	}

	for {
		line, err := s.tr.ReadLine(16 * 1024)
		if err != nil {
			return err
		}
		cmd, rest, _ := strings.Cut(line, " ")

		switch cmd {
		case "AUTH":
			mech, payload, _ := strings.Cut(rest, " ")
			if mech != "EXTERNAL" || len(s.Reject) > 0 {
				if err := s.writeLine("REJECTED " + strings.Join(s.Reject, " ")); err != nil {
					return err
				}
				continue
			}
			s.mu.Lock()
			s.authUID = payload
			s.mu.Unlock()
			guid := s.GUID
			if guid == "" {
				guid = DefaultGUID
			}
			if err := s.writeLine("OK " + guid); err != nil {
				return err
			}
		case "NEGOTIATE_UNIX_FD":
			reply := "ERROR"
			if s.AgreeUnixFD {
				reply = "AGREE_UNIX_FD"
			}
			if err := s.writeLine(reply); err != nil {
				return err
			}
		case "BEGIN":
			s.mu.Lock()
			s.sawBegin = true
			s.mu.Unlock()
			return nil
		default:
			if err := s.writeLine("ERROR"); err != nil {
				return err
			}
		}
	}
}

func (s *Server) writeLine(line string) error {
	return s.tr.WriteAll([]byte(line + "\r\n"))
}

// buildReply applies the handler, defaulting to an echo method return.
func (s *Server) buildReply(m *message.Message) *message.Message {
	if s.Handler != nil {
		return s.Handler(m)
	}
	return message.MethodReturn(m.Serial).WithBody(m.Signature, m.Body)
}

// transportRef returns the transport set by Serve, nil before it runs.
func (s *Server) transportRef() *transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr
}

// send stamps a server-side serial and writes the frame. Exposed via Emit and
// usable from any goroutine; the transport serializes the writes.
func (s *Server) send(m *message.Message) error {
	tr := s.transportRef()
	if tr == nil {
		return fmt.Errorf("testbus: not serving")
	}
	m.Serial = s.serial.Add(1)
	frame, err := s.wc.Encode(m)
	if err != nil {
		return err
	}
	return tr.WriteAll(frame)
}

// Emit pushes a signal to the client, interleaving freely with replies.
func (s *Server) Emit(m *message.Message) error {
	return s.send(m)
}

// SendRaw writes arbitrary bytes to the client, bypassing the codec. Tests
// use it for corrupt frames and hand-built edge cases.
func (s *Server) SendRaw(frame []byte) error {
	tr := s.transportRef()
	if tr == nil {
		return fmt.Errorf("testbus: not serving")
	}
	return tr.WriteAll(frame)
}

// SendReply sends a reply for the given serial, bypassing handler logic.
func (s *Server) SendReply(replySerial uint32) error {
	return s.send(message.MethodReturn(replySerial))
}

// AuthUID decodes the uid string the client claimed in its AUTH line.
func (s *Server) AuthUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	decoded, err := hex.DecodeString(s.authUID)
	if err != nil {
		return ""
	}
	return string(decoded)
}

// SawBegin reports whether the client completed the handshake.
func (s *Server) SawBegin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sawBegin
}

// BinaryFrames reports how many binary frames the client has sent.
func (s *Server) BinaryFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binary
}
