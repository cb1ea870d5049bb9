package connection

import (
	"fmt"

	"mini-dbus/message"
	"mini-dbus/protocol"
)

// recvLoop is the sole reader of the socket. It runs from the moment the
// connection is ready until the first fatal condition, decoding one frame at
// a time and routing it:
//
//   - method return / error → resolve the matching pending call
//   - signal → buffer for Signal(), dropping the oldest on overflow
//   - anything unroutable → logged anomaly, connection stays alive
//
// Read errors and decode failures are fatal: both funnel into shutdown, which
// drains every pending call with the cause. The loop performs no reads after
// that.
func (c *Conn) recvLoop() {
	for {
		_, frame, err := c.t.ReadFrame()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %w", ErrRead, err))
			return
		}

		m, err := c.codec.Decode(frame)
		if err != nil {
			// Framing can no longer be trusted after a frame the codec
			// rejects, so this closes the connection rather than skipping.
			c.shutdown(fmt.Errorf("%w: %w", ErrDecode, err))
			return
		}

		c.dispatch(m)
	}
}

// dispatch routes one decoded message. Exhaustive over the four frame kinds.
func (c *Conn) dispatch(m *message.Message) {
	switch m.Type {
	case protocol.TypeMethodReturn, protocol.TypeError:
		if !c.table.Resolve(m.ReplySerial, m, nil) {
			// Late reply for an abandoned call, or a peer inventing serials.
			// Reported, not fatal, and never delivered to anyone.
			c.log.Warn().
				Uint32("reply_serial", m.ReplySerial).
				Str("type", m.Type.String()).
				Msg("unmatched reply discarded")
		}

	case protocol.TypeSignal:
		c.bufferSignal(m)

	case protocol.TypeMethodCall:
		// Client-only engine: nothing is exported for peers to call.
		c.log.Warn().
			Str("path", m.Path).
			Str("member", m.Member).
			Str("sender", m.Sender).
			Msg("inbound method call ignored")
	}
}

// bufferSignal enqueues a signal without ever blocking the read loop. If the
// consumer has fallen behind the bounded buffer, the oldest signal is dropped
// to make room — replies must keep flowing even under a signal backlog.
func (c *Conn) bufferSignal(m *message.Message) {
	for {
		select {
		case c.signals <- m:
			return
		default:
		}

		select {
		case dropped := <-c.signals:
			c.signalDrops.Add(1)
			c.log.Warn().
				Str("interface", dropped.Interface).
				Str("member", dropped.Member).
				Uint64("total_drops", c.signalDrops.Load()).
				Msg("signal buffer full, oldest dropped")
		default:
			// Consumer raced us and emptied the buffer; retry the send.
		}
	}
}
