package presence

import (
	"errors"
	"testing"
	"time"
)

type fakeTransport struct {
	delivered [][]byte
	closed    bool
}

func (f *fakeTransport) Deliver(payload []byte) error {
	f.delivered = append(f.delivered, payload)
	return nil
}

func (f *fakeTransport) Close() error {
	if f.closed {
		return errors.New("already closed")
	}
	f.closed = true
	return nil
}

func TestConnectLookupDisconnect(t *testing.T) {
	reg := NewRegistry()
	tr := &fakeTransport{}

	if superseded, replaced := reg.Connect("u1", tr); replaced || superseded != nil {
		t.Fatalf("first connect should not supersede, got %v", superseded)
	}
	got, ok := reg.Lookup("u1")
	if !ok || got != Transport(tr) {
		t.Fatal("expected lookup to return the registered transport")
	}
	if present := reg.ListPresent(); len(present) != 1 || present[0] != "u1" {
		t.Fatalf("unexpected present set %v", present)
	}

	if !reg.Disconnect("u1", tr) {
		t.Fatal("expected disconnect of current transport to succeed")
	}
	if _, ok := reg.Lookup("u1"); ok {
		t.Fatal("expected identity to be absent after disconnect")
	}
}

func TestSupersedingConnectSwapsSilently(t *testing.T) {
	reg := NewRegistry()
	first := &fakeTransport{}
	second := &fakeTransport{}

	reg.Connect("u1", first)
	superseded, replaced := reg.Connect("u1", second)
	if !replaced || superseded != Transport(first) {
		t.Fatal("expected second connect to supersede the first transport")
	}

	// Late teardown of the superseded connection must be a no-op.
	if reg.Disconnect("u1", first) {
		t.Fatal("superseded transport must not clear the new presence")
	}
	got, ok := reg.Lookup("u1")
	if !ok || got != Transport(second) {
		t.Fatal("expected the superseding transport to remain current")
	}
	if reg.Len() != 1 {
		t.Fatalf("expected a single live record, got %d", reg.Len())
	}
}

func TestTouchRefreshesLastSeen(t *testing.T) {
	reg := NewRegistry()
	base := time.Unix(1000, 0)
	reg.nowFn = func() time.Time { return base }

	reg.Connect("u1", &fakeTransport{})
	reg.nowFn = func() time.Time { return base.Add(time.Minute) }
	reg.Touch("u1")

	reg.mu.RLock()
	rec := reg.records["u1"]
	reg.mu.RUnlock()
	if !rec.LastSeen.Equal(base.Add(time.Minute)) {
		t.Fatalf("expected last_seen refreshed, got %v", rec.LastSeen)
	}

	// Touching an absent identity must not create a record.
	reg.Touch("ghost")
	if reg.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", reg.Len())
	}
}

func TestListPresentSorted(t *testing.T) {
	reg := NewRegistry()
	for _, id := range []string{"u3", "u1", "u2"} {
		reg.Connect(id, &fakeTransport{})
	}
	present := reg.ListPresent()
	if len(present) != 3 || present[0] != "u1" || present[1] != "u2" || present[2] != "u3" {
		t.Fatalf("expected sorted identities, got %v", present)
	}
}
