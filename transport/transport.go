// Package transport implements the byte-level transport under a bus connection.
//
// A Transport owns the socket and a single read buffer. Both protocol phases
// run over the same buffer: ReadLine serves the textual handshake, ReadFrame
// serves the binary phase that follows BEGIN. Sharing the buffer matters —
// any bytes the peer sent right after its last handshake line are already
// buffered and must not be lost when framing switches to binary.
//
// Reads are only ever issued by one goroutine at a time (the handshake first,
// the receive loop after), so the read side is unsynchronized. Writes can come
// from any number of callers and are serialized by a mutex so two frames are
// never interleaved mid-write.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"

	"mini-dbus/protocol"
)

// ErrLineTooLong is returned by ReadLine when the peer sends a handshake line
// exceeding the caller's limit without terminating it.
var ErrLineTooLong = errors.New("transport: handshake line too long")

// Transport wraps a connected socket with buffered reads and serialized writes.
type Transport struct {
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex // Held for the duration of one WriteAll — the single-writer discipline
}

// New wraps an already-connected socket.
func New(conn net.Conn) *Transport {
	return &Transport{
		conn: conn,
		r:    bufio.NewReader(conn),
	}
}

// ReadLine reads one CR-LF terminated handshake line and returns it without
// the terminator. A line longer than max bytes, or terminated by a bare LF,
// is a protocol violation.
func (t *Transport) ReadLine(max int) (string, error) {
	line := make([]byte, 0, 64)
	for {
		b, err := t.r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			if len(line) == 0 || line[len(line)-1] != '\r' {
				return "", fmt.Errorf("transport: handshake line not CR-LF terminated")
			}
			return string(line[:len(line)-1]), nil
		}
		line = append(line, b)
		if len(line) > max {
			return "", ErrLineTooLong
		}
	}
}

// ReadFrame reads exactly one complete binary frame, blocking until the
// socket has delivered it in full.
func (t *Transport) ReadFrame() (*protocol.Header, []byte, error) {
	return protocol.Decode(t.r)
}

// WriteAll writes the full buffer to the socket, or fails.
// The write lock guarantees the buffer reaches the wire as one contiguous
// run even when several callers send concurrently.
func (t *Transport) WriteAll(buf []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	for len(buf) > 0 {
		n, err := t.conn.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// Conn exposes the underlying socket. Used once during the handshake to send
// credentials as ancillary data, which has to bypass the byte stream.
func (t *Transport) Conn() net.Conn {
	return t.conn
}

// Close closes the socket. Any blocked read or write unblocks with an error.
func (t *Transport) Close() error {
	return t.conn.Close()
}
