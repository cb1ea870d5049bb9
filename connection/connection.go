// Package connection implements the client-side D-Bus connection engine.
//
// A Conn multiplexes any number of concurrent method calls over one socket.
// Each call gets a unique serial, and a single background goroutine
// (recvLoop) reads every incoming frame and routes it to the right waiter:
//
//	goroutine-1 ──Call(serial=1)──┐
//	goroutine-2 ──Call(serial=2)──┼──→ unix socket ──→ bus daemon
//	goroutine-3 ──Call(serial=3)──┘
//
//	recvLoop: ←── reply(replySerial=2) → pending table → goroutine-2 wakes up
//	          ←── signal              → signal channel → Signal() consumer
//
// The lifecycle is strict: New authenticates before returning, so a Conn in
// the caller's hands is always past the handshake; Close (or any fatal error)
// drains every outstanding call exactly once and is terminal.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"mini-dbus/auth"
	"mini-dbus/codec"
	"mini-dbus/message"
	"mini-dbus/middleware"
	"mini-dbus/pending"
	"mini-dbus/protocol"
	"mini-dbus/transport"
)

// Well-known bus daemon coordinates.
const (
	BusName      = "org.freedesktop.DBus"
	BusPath      = "/org/freedesktop/DBus"
	BusInterface = "org.freedesktop.DBus"
)

var (
	// ErrClosed reports an operation on, or interrupted by, a closed
	// connection. Errors from draining wrap it together with the root cause.
	ErrClosed = errors.New("connection: closed")
	// ErrNotReady reports a send attempted before the handshake finished.
	ErrNotReady = errors.New("connection: handshake not complete")
	// ErrDecode reports a frame the codec rejected. Fatal: framing cannot be
	// trusted after a bad frame, so the connection closes.
	ErrDecode = errors.New("connection: frame decode failed")
	// ErrRead reports an I/O failure on the receive path.
	ErrRead = errors.New("connection: socket read failed")
)

// Connection states. Handshaking exists only inside New; callers observe
// Ready or Closed.
const (
	stateHandshaking int32 = iota
	stateReady
	stateClosed
)

// Conn is a connection to a message bus peer.
type Conn struct {
	t     *transport.Transport
	codec codec.Codec
	table *pending.Table
	log   zerolog.Logger

	state atomic.Int32

	// Bounded signal buffer. recvLoop never blocks on it: when full, the
	// oldest buffered signal is dropped and counted. See Signal.
	signals     chan *message.Message
	signalDrops atomic.Uint64

	closeOnce   sync.Once
	closed      chan struct{}
	closeReason error // Set before closed is closed; read only after <-closed

	call middleware.CallFunc // roundTrip wrapped in the configured middleware

	guid   string
	unixFD bool
}

// Option configures a Conn before the handshake runs.
type Option func(*options)

type options struct {
	codec            codec.Codec
	log              zerolog.Logger
	signalBuffer     int
	negotiateUnixFD  bool
	handshakeTimeout time.Duration
	uid              int
	middlewares      []middleware.Middleware
}

// WithCodec replaces the default wire codec.
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithLogger sets the connection's logger. Default is a no-op logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithSignalBuffer sets how many signals are buffered for a slow consumer
// before the oldest is dropped. Default 64.
func WithSignalBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.signalBuffer = n
		}
	}
}

// WithUnixFD asks the peer for file-descriptor passing during the handshake.
func WithUnixFD() Option {
	return func(o *options) { o.negotiateUnixFD = true }
}

// WithHandshakeTimeout bounds the whole textual handshake. Default 10s.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

// WithAuthUID overrides the uid claimed during EXTERNAL authentication.
// Default is the process uid.
func WithAuthUID(uid int) Option {
	return func(o *options) { o.uid = uid }
}

// WithMiddleware wraps every Call in the given middleware chain, outermost
// first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

// New takes ownership of an already-connected socket, authenticates, and
// starts the receive loop. On any handshake error the socket is closed and an
// error returned; no binary frame is ever written before the handshake has
// completed.
func New(sock net.Conn, opts ...Option) (*Conn, error) {
	o := &options{
		codec:            &codec.WireCodec{},
		log:              zerolog.Nop(),
		signalBuffer:     64,
		handshakeTimeout: 10 * time.Second,
		uid:              os.Getuid(),
	}
	for _, opt := range opts {
		opt(o)
	}

	c := &Conn{
		t:       transport.New(sock),
		codec:   o.codec,
		table:   pending.NewTable(),
		log:     o.log,
		signals: make(chan *message.Message, o.signalBuffer),
		closed:  make(chan struct{}),
	}
	c.state.Store(stateHandshaking)
	c.call = middleware.Chain(o.middlewares...)(c.roundTrip)

	// The deadline covers every handshake read and write; a peer that stalls
	// mid-negotiation cannot hang the caller forever.
	_ = sock.SetDeadline(time.Now().Add(o.handshakeTimeout))
	res, err := auth.Handshake(c.t, auth.Config{
		UID:             o.uid,
		NegotiateUnixFD: o.negotiateUnixFD,
	})
	if err != nil {
		sock.Close()
		return nil, err
	}
	_ = sock.SetDeadline(time.Time{})

	c.guid = res.GUID
	c.unixFD = res.UnixFD
	c.state.Store(stateReady)
	c.log.Debug().Str("guid", c.guid).Bool("unix_fd", c.unixFD).Msg("connection ready")

	go c.recvLoop()
	return c, nil
}

// Dial connects to addr on the unix network and returns a ready connection.
func Dial(network, addr string, opts ...Option) (*Conn, error) {
	sock, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	return New(sock, opts...)
}

// GUID returns the server GUID received during authentication.
func (c *Conn) GUID() string { return c.guid }

// UnixFD reports whether the peer agreed to file-descriptor passing.
func (c *Conn) UnixFD() bool { return c.unixFD }

// SignalDrops returns how many signals were dropped because the consumer fell
// behind the bounded buffer.
func (c *Conn) SignalDrops() uint64 { return c.signalDrops.Load() }

// Call sends a method call and waits for its reply, running the configured
// middleware chain. An error reply from the peer is returned as a
// *message.CallError. The call always terminates: with the reply, the
// caller's context error, or the connection's close reason.
func (c *Conn) Call(ctx context.Context, m *message.Message) (*message.Message, error) {
	return c.call(ctx, m)
}

// Go issues a method call without waiting for the reply. The returned
// pending call's Done channel receives it once resolved; error replies arrive
// on the call as messages, not converted to CallError. Most callers want
// Call; Go exists for callers that fan out several calls before collecting
// any reply.
func (c *Conn) Go(m *message.Message) (*pending.Call, error) {
	if err := c.readyForSend(); err != nil {
		return nil, err
	}
	if m.Type != protocol.TypeMethodCall {
		return nil, fmt.Errorf("connection: Call requires a method call, got %s", m.Type)
	}

	call, err := c.table.Register()
	if err != nil {
		return nil, err
	}
	m.Serial = call.Serial

	frame, err := c.codec.Encode(m)
	if err != nil {
		c.table.Remove(call.Serial)
		return nil, err
	}

	// Registration happens before the write so the reply cannot race past us;
	// a reply arriving for an unregistered serial would be dropped as an
	// anomaly.
	if err := c.t.WriteAll(frame); err != nil {
		c.table.Remove(call.Serial)
		// The socket is unusable after a failed write.
		c.shutdown(err)
		return nil, fmt.Errorf("connection: socket write failed: %w", err)
	}
	return call, nil
}

// roundTrip is the unwrapped call path.
func (c *Conn) roundTrip(ctx context.Context, m *message.Message) (*message.Message, error) {
	if m.Type == protocol.TypeMethodCall && !m.WantsReply() {
		return nil, c.Send(m)
	}

	call, err := c.Go(m)
	if err != nil {
		return nil, err
	}

	select {
	case <-call.Done:
		if call.Err != nil {
			return nil, call.Err
		}
		if call.Reply.Type == protocol.TypeError {
			return call.Reply, message.FromError(call.Reply)
		}
		return call.Reply, nil
	case <-ctx.Done():
		// De-register immediately so the table cannot grow with abandoned
		// entries. A reply that arrives later is discarded by recvLoop.
		c.table.Remove(call.Serial)
		return nil, ctx.Err()
	}
}

// Send transmits a message without awaiting any reply: signal emissions and
// no-reply method calls. Method calls sent this way are stamped with the
// NoReplyExpected flag so the peer does not answer them.
func (c *Conn) Send(m *message.Message) error {
	if err := c.readyForSend(); err != nil {
		return err
	}
	if m.Type == protocol.TypeMethodCall {
		m.Flags |= protocol.FlagNoReplyExpected
	}

	serial, err := c.table.NextSerial()
	if err != nil {
		return err
	}
	m.Serial = serial

	frame, err := c.codec.Encode(m)
	if err != nil {
		return err
	}
	if err := c.t.WriteAll(frame); err != nil {
		c.shutdown(err)
		return fmt.Errorf("connection: socket write failed: %w", err)
	}
	return nil
}

// Signal returns the next incoming signal in arrival order. It blocks until a
// signal arrives, ctx is done, or the connection closes. Buffered signals are
// still delivered after close. The baseline contract is a single consumer;
// concurrent callers are safe but race for signals.
func (c *Conn) Signal(ctx context.Context) (*message.Message, error) {
	// Drain buffered signals first so close does not eat what was already
	// received.
	select {
	case m := <-c.signals:
		return m, nil
	default:
	}

	select {
	case m := <-c.signals:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, c.closeReason
	}
}

// Close shuts the connection down: the state becomes Closed, every
// outstanding call resolves with ErrClosed, and the socket is closed.
// Idempotent and safe to call concurrently with in-flight calls.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

// shutdown is the single fatal path. Every way a connection can die funnels
// through here, so the drain happens exactly once.
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.closeReason = ErrClosed
		if cause != nil {
			c.closeReason = fmt.Errorf("%w: %w", ErrClosed, cause)
			c.log.Warn().Err(cause).Msg("connection closed")
		} else {
			c.log.Debug().Msg("connection closed")
		}
		// The atomic store publishes closeReason: readyForSend only reads it
		// after observing stateClosed.
		c.state.Store(stateClosed)
		close(c.closed)

		// Closing the socket unblocks recvLoop if it is mid-read; draining
		// after guarantees no new pending entry resolves late.
		c.t.Close()
		c.table.DrainAll(c.closeReason)
	})
}

// readyForSend enforces the state machine on the send path.
func (c *Conn) readyForSend() error {
	switch c.state.Load() {
	case stateReady:
		return nil
	case stateClosed:
		return c.closeReason
	default:
		return ErrNotReady
	}
}
