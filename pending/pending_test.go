package pending

import (
	"errors"
	"sync"
	"testing"

	"mini-dbus/message"
)

func TestRegisterAssignsUniqueSerials(t *testing.T) {
	table := NewTable()
	seen := make(map[uint32]bool)

	for i := 0; i < 1000; i++ {
		call, err := table.Register()
		if err != nil {
			t.Fatal(err)
		}
		if call.Serial == 0 {
			t.Fatal("serial 0 must never be allocated")
		}
		if seen[call.Serial] {
			t.Fatalf("serial %d allocated twice", call.Serial)
		}
		seen[call.Serial] = true
	}
}

func TestRegisterConcurrent(t *testing.T) {
	table := NewTable()

	var mu sync.Mutex
	seen := make(map[uint32]bool)
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			call, err := table.Register()
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[call.Serial] {
				t.Errorf("serial %d allocated twice", call.Serial)
			}
			seen[call.Serial] = true
		}()
	}
	wg.Wait()

	if table.Len() != 100 {
		t.Fatalf("expect 100 outstanding calls, got %d", table.Len())
	}
}

func TestAllocateSkipsInUseSerial(t *testing.T) {
	table := NewTable()

	call, err := table.Register()
	if err != nil {
		t.Fatal(err)
	}

	// Force the allocator to wrap straight into the occupied serial.
	table.mu.Lock()
	table.next = call.Serial
	table.mu.Unlock()

	second, err := table.Register()
	if err != nil {
		t.Fatal(err)
	}
	if second.Serial == call.Serial {
		t.Fatalf("allocator reused in-use serial %d", call.Serial)
	}
}

func TestAllocateSkipsZeroOnWrap(t *testing.T) {
	table := NewTable()
	table.mu.Lock()
	table.next = 0 // as after a full wrap-around
	table.mu.Unlock()

	call, err := table.Register()
	if err != nil {
		t.Fatal(err)
	}
	if call.Serial == 0 {
		t.Fatal("allocator handed out serial 0")
	}
}

func TestResolveDeliversReply(t *testing.T) {
	table := NewTable()
	call, err := table.Register()
	if err != nil {
		t.Fatal(err)
	}

	reply := message.MethodReturn(call.Serial)
	if !table.Resolve(call.Serial, reply, nil) {
		t.Fatal("expect resolve to find the call")
	}

	got := <-call.Done
	if got.Err != nil {
		t.Fatal(got.Err)
	}
	if got.Reply != reply {
		t.Fatal("delivered reply is not the resolved one")
	}
	if table.Len() != 0 {
		t.Fatalf("expect empty table after resolve, got %d", table.Len())
	}
}

func TestResolveUnknownSerial(t *testing.T) {
	table := NewTable()
	if table.Resolve(99, message.MethodReturn(99), nil) {
		t.Fatal("resolve of unknown serial must report false")
	}
}

func TestRemoveAbandonedCall(t *testing.T) {
	table := NewTable()
	call, err := table.Register()
	if err != nil {
		t.Fatal(err)
	}

	if got := table.Remove(call.Serial); got != call {
		t.Fatal("expect Remove to return the registered call")
	}
	if got := table.Remove(call.Serial); got != nil {
		t.Fatal("second Remove must return nil")
	}

	// A late reply for the abandoned serial is now unmatched.
	if table.Resolve(call.Serial, message.MethodReturn(call.Serial), nil) {
		t.Fatal("abandoned serial must not resolve")
	}
}

func TestDrainAllResolvesEveryCallOnce(t *testing.T) {
	table := NewTable()
	drainErr := errors.New("connection lost")

	calls := make([]*Call, 10)
	for i := range calls {
		call, err := table.Register()
		if err != nil {
			t.Fatal(err)
		}
		calls[i] = call
	}

	table.DrainAll(drainErr)

	for _, call := range calls {
		got := <-call.Done
		if !errors.Is(got.Err, drainErr) {
			t.Fatalf("expect drain error, got %v", got.Err)
		}
		// Exactly once: a second delivery would be buffered here.
		select {
		case <-call.Done:
			t.Fatal("call delivered twice")
		default:
		}
	}

	if table.Len() != 0 {
		t.Fatalf("expect empty table after drain, got %d", table.Len())
	}
}

func TestNextSerialDoesNotRegister(t *testing.T) {
	table := NewTable()

	serial, err := table.NextSerial()
	if err != nil {
		t.Fatal(err)
	}
	if serial == 0 {
		t.Fatal("serial 0 handed out")
	}
	if table.Len() != 0 {
		t.Fatal("NextSerial must not insert a pending entry")
	}

	// A signal serial must not collide with the next registered call.
	call, err := table.Register()
	if err != nil {
		t.Fatal(err)
	}
	if call.Serial == serial {
		t.Fatalf("serial %d handed out twice", serial)
	}
}
