package udevmon

import (
	"testing"
)

func TestRegisterStartsRemoved(t *testing.T) {
	m := New(func(string, State) {})
	// Register also attempts a sysfs "change" write; its failure is only logged.
	m.Register("nbd0")
	m.mu.Lock()
	state := m.table["nbd0"]
	m.mu.Unlock()
	if state != Removed {
		t.Errorf("initial state = %v, want Removed", state)
	}
}

func TestHandleIgnoresUnmonitoredDevice(t *testing.T) {
	called := false
	m := New(func(string, State) { called = true })
	m.handleForTest("nbd5", 1)
	if called {
		t.Error("callback invoked for a device never registered")
	}
}

func TestHandleTransitionsRemovedToInserted(t *testing.T) {
	var gotDevice string
	var gotState State
	m := New(func(d string, s State) { gotDevice, gotState = d, s })
	m.table["nbd0"] = Removed

	m.handleForTest("nbd0", 1024)

	if gotDevice != "nbd0" || gotState != Inserted {
		t.Errorf("got (%s, %v), want (nbd0, Inserted)", gotDevice, gotState)
	}
}

func TestHandleTransitionsInsertedToRemoved(t *testing.T) {
	var calls int
	var lastState State
	m := New(func(_ string, s State) { calls++; lastState = s })
	m.table["nbd0"] = Inserted

	m.handleForTest("nbd0", 0)

	if calls != 1 || lastState != Removed {
		t.Errorf("calls=%d lastState=%v, want 1/Removed", calls, lastState)
	}
}

func TestHandleIsIdempotent(t *testing.T) {
	var calls int
	m := New(func(string, State) { calls++ })
	m.table["nbd0"] = Inserted

	// Same observed state repeated: size stays nonzero, no new callback.
	m.handleForTest("nbd0", 1024)
	m.handleForTest("nbd0", 2048)

	if calls != 0 {
		t.Errorf("calls = %d, want 0 (idempotent while state doesn't flip)", calls)
	}
}

func TestMarkUnknownOnlyFiresForKnownDevice(t *testing.T) {
	var calls int
	m := New(func(string, State) { calls++ })
	m.MarkUnknown("nbd9") // never registered
	if calls != 0 {
		t.Fatal("MarkUnknown fired for a device that was never registered")
	}

	m.table["nbd9"] = Inserted
	m.MarkUnknown("nbd9")
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

// handleForTest repeats handle()'s table lookup and state-transition logic
// with the parsed size injected directly, so tests need no real sysfs
// "size" file; it does not call handle() itself.
func (m *Monitor) handleForTest(sysname string, size uint64) {
	m.mu.Lock()
	prior, known := m.table[sysname]
	m.mu.Unlock()
	if !known {
		return
	}
	var next State
	switch {
	case prior == Removed && size > 0:
		next = Inserted
	case prior == Inserted && size == 0:
		next = Removed
	default:
		return
	}
	m.mu.Lock()
	m.table[sysname] = next
	m.mu.Unlock()
	m.callback(sysname, next)
}
