// Package pending tracks in-flight method calls awaiting their replies.
//
// Every outgoing call gets a serial from the Table and a Call slot keyed by
// it. The connection's receive loop resolves slots as replies arrive:
//
//	caller ──Register()──→ serial 7, slot ──────────────┐
//	                                                    │ <-call.Done
//	recvLoop ──reply(replySerial=7)──→ Resolve(7, ...) ──┘
//
// The Table is shared between every calling goroutine and the receive loop,
// so all map access sits behind one mutex. Critical sections are insert and
// remove only — never I/O.
package pending

import (
	"errors"
	"math"
	"sync"
	"time"

	"mini-dbus/message"
)

// ErrSerialExhausted is returned when every 32-bit serial is occupied by an
// outstanding call. Reaching it requires ~4 billion concurrent calls; it is
// defined behavior, not an expected one.
var ErrSerialExhausted = errors.New("pending: no free serial available")

// Call is the completion slot for one outstanding method call.
// The receive loop fulfills it exactly once: removal from the Table and
// delivery happen under the same lock acquisition, so a slot can never be
// resolved twice.
type Call struct {
	Serial uint32
	Issued time.Time // When the call was registered; callers may use it for timeout policies

	Reply *message.Message // Set on success
	Err   error            // Set on error or connection loss
	Done  chan *Call       // Receives the call itself once resolved; buffered
}

// deliver completes the slot. The Done channel has capacity 1 and each slot
// is delivered at most once, so this never blocks.
func (c *Call) deliver(reply *message.Message, err error) {
	c.Reply = reply
	c.Err = err
	c.Done <- c
}

// Table is the serial allocator and correlation table of one connection.
// Each connection owns its Table; allocator state is never shared between
// connections.
type Table struct {
	mu    sync.Mutex
	next  uint32 // Next candidate serial; wraps around, skipping 0 and in-use values
	calls map[uint32]*Call
}

// NewTable returns an empty table. Serials start at 1 — serial 0 is invalid
// on the wire.
func NewTable() *Table {
	return &Table{
		next:  1,
		calls: make(map[uint32]*Call),
	}
}

// Register allocates a fresh serial and inserts a new Call slot under it,
// atomically. Allocation and insertion are one critical section so no two
// outstanding calls can ever share a serial.
func (t *Table) Register() (*Call, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	serial, err := t.allocate()
	if err != nil {
		return nil, err
	}

	call := &Call{
		Serial: serial,
		Issued: time.Now(),
		Done:   make(chan *Call, 1),
	}
	t.calls[serial] = call
	return call, nil
}

// NextSerial allocates a serial without inserting a slot. Fire-and-forget
// sends need a unique wire serial but never await a reply, so nothing is
// registered for it.
func (t *Table) NextSerial() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocate()
}

// allocate returns a serial not currently present in the table.
// Must be called with the lock held. Wrap-around skips serial 0 and any value
// still in use; if the entire space is occupied the failure is explicit.
func (t *Table) allocate() (uint32, error) {
	if uint64(len(t.calls)) >= math.MaxUint32 {
		return 0, ErrSerialExhausted
	}

	for {
		serial := t.next
		t.next++
		if serial == 0 {
			continue
		}
		if _, inUse := t.calls[serial]; !inUse {
			return serial, nil
		}
	}
}

// Resolve completes and removes the call registered under serial, delivering
// reply or err to its waiter. It reports whether a matching call existed —
// a false return is the unmatched-reply anomaly the caller must surface.
func (t *Table) Resolve(serial uint32, reply *message.Message, err error) bool {
	t.mu.Lock()
	call, ok := t.calls[serial]
	if ok {
		delete(t.calls, serial)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	call.deliver(reply, err)
	return true
}

// Remove de-registers serial without delivering anything, returning the slot
// if it was still outstanding. Used when a caller abandons a call (context
// cancellation); the wire protocol has no cancel message, so a late reply for
// this serial will simply be reported as unmatched and discarded.
func (t *Table) Remove(serial uint32) *Call {
	t.mu.Lock()
	defer t.mu.Unlock()

	call, ok := t.calls[serial]
	if !ok {
		return nil
	}
	delete(t.calls, serial)
	return call
}

// DrainAll resolves every outstanding call with err and empties the table.
// Invoked exactly once when the connection dies so no caller is left
// suspended forever.
func (t *Table) DrainAll(err error) {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[uint32]*Call)
	t.mu.Unlock()

	// Delivery happens outside the lock; each slot left the map above, so
	// nothing else can resolve it concurrently.
	for _, call := range calls {
		call.deliver(nil, err)
	}
}

// Len returns the number of outstanding calls.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
