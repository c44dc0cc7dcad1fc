package market

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/talgya/temple-fair/internal/events"
	"github.com/talgya/temple-fair/internal/world"
)

func newTestVendor(bus *events.Bus) *Vendor {
	return NewVendor("糖葫芦张", "糖葫芦", 30, world.Tile{X: 1, Y: 0}, bus)
}

func TestTryAcquire(t *testing.T) {
	v := newTestVendor(nil)
	if err := v.TryAcquire(1); err != nil {
		t.Fatalf("TryAcquire(1) err=%v", err)
	}
	if err := v.TryAcquire(1); err != nil {
		t.Fatalf("re-acquire by holder err=%v", err)
	}
	if err := v.TryAcquire(2); !errors.Is(err, ErrVendorBusy) {
		t.Fatalf("TryAcquire(2) err=%v want=%v", err, ErrVendorBusy)
	}
	if h, ok := v.Holder(); !ok || h != 1 {
		t.Fatalf("Holder()=%v,%v want=1,true", h, ok)
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	v := newTestVendor(nil)
	_ = v.TryAcquire(1)
	if pos := v.Enqueue(1); pos != -1 {
		t.Fatalf("holder Enqueue pos=%d want=-1", pos)
	}
	for i, want := range []int{0, 1, 0} {
		id := events.AgentID([]int{2, 3, 2}[i])
		if got := v.Enqueue(id); got != want {
			t.Fatalf("Enqueue(%d)=%d want=%d", id, got, want)
		}
	}
	if v.QueueLen() != 2 || v.Wait() != 3 {
		t.Fatalf("QueueLen=%d Wait=%d want=2,3", v.QueueLen(), v.Wait())
	}
	if pos, ok := v.PositionOf(3); !ok || pos != 1 {
		t.Fatalf("PositionOf(3)=%d,%v want=1,true", pos, ok)
	}
	if _, ok := v.PositionOf(9); ok {
		t.Fatal("PositionOf(9) should be absent")
	}
}

func TestReleaseHandsOffFIFO(t *testing.T) {
	bus := events.NewBus(4)
	inbox := map[events.AgentID]<-chan events.Event{}
	for id := events.AgentID(1); id <= 3; id++ {
		inbox[id] = bus.Register(id)
	}
	v := newTestVendor(bus)
	_ = v.TryAcquire(1)
	v.Enqueue(2)
	v.Enqueue(3)

	if err := v.Release(2); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("Release by waiter err=%v want=%v", err, ErrNotHolder)
	}

	for _, next := range []events.AgentID{2, 3} {
		prev, _ := v.Holder()
		if err := v.Release(prev); err != nil {
			t.Fatalf("Release(%d): %v", prev, err)
		}
		if h, ok := v.Holder(); !ok || h != next {
			t.Fatalf("holder after release=%v,%v want=%d", h, ok, next)
		}
		if err := v.TryAcquire(99); !errors.Is(err, ErrVendorBusy) {
			t.Fatal("third party acquired during hand-off")
		}
		select {
		case ev := <-inbox[next]:
			if ev.Kind != events.KindGranted || ev.Vendor != v.Name {
				t.Fatalf("grant=%+v", ev)
			}
		default:
			t.Fatalf("agent %d got no grant", next)
		}
	}
	_ = v.Release(3)
	if v.Busy() {
		t.Fatal("vendor should be idle after the last release")
	}
	if got := v.Snapshot().Served; got != 3 {
		t.Fatalf("Served=%d want=3", got)
	}
}

func TestReleaseSkipsGoneWaiter(t *testing.T) {
	bus := events.NewBus(4)
	bus.Register(1)
	inbox := bus.Register(3)
	v := newTestVendor(bus)
	_ = v.TryAcquire(1)
	v.Enqueue(2) // never registered
	v.Enqueue(3)

	if err := v.Release(1); err != nil {
		t.Fatal(err)
	}
	if h, _ := v.Holder(); h != 3 {
		t.Fatalf("holder=%d want=3", h)
	}
	if ev := <-inbox; ev.Kind != events.KindGranted {
		t.Fatalf("grant=%+v", ev)
	}
}

func TestRemove(t *testing.T) {
	v := newTestVendor(nil)
	_ = v.TryAcquire(1)
	v.Enqueue(2)
	v.Enqueue(3)
	if !v.Remove(2) {
		t.Fatal("Remove(2) should report true")
	}
	if v.Remove(2) {
		t.Fatal("second Remove(2) should report false")
	}
	if pos, _ := v.PositionOf(3); pos != 0 {
		t.Fatalf("PositionOf(3)=%d want=0", pos)
	}
}

// TestRandomOperationsKeepInvariants drives random acquire/enqueue/release/remove
// sequences and checks holder uniqueness and FIFO grant order.
func TestRandomOperationsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	v := newTestVendor(nil)
	var order []events.AgentID // expected grant order of waiters

	for step := 0; step < 2000; step++ {
		id := events.AgentID(rng.Intn(8))
		switch rng.Intn(4) {
		case 0:
			if v.TryAcquire(id) == nil {
				order = remove(order, id)
			}
		case 1:
			if v.Enqueue(id) >= 0 && !contains(order, id) {
				order = append(order, id)
			}
		case 2:
			if h, ok := v.Holder(); ok {
				if err := v.Release(h); err != nil {
					t.Fatal(err)
				}
				if len(order) > 0 {
					want := order[0]
					order = order[1:]
					if got, _ := v.Holder(); got != want {
						t.Fatalf("step %d: granted %d want %d", step, got, want)
					}
				}
			}
		case 3:
			v.Remove(id)
			order = remove(order, id)
		}

		snap := v.Snapshot()
		seen := map[events.AgentID]bool{}
		if snap.Holder != nil {
			seen[*snap.Holder] = true
		}
		for _, q := range snap.Queue {
			if seen[q] {
				t.Fatalf("step %d: agent %d appears twice (%+v)", step, q, snap)
			}
			seen[q] = true
		}
	}
}

func contains(s []events.AgentID, id events.AgentID) bool {
	for _, x := range s {
		if x == id {
			return true
		}
	}
	return false
}

func remove(s []events.AgentID, id events.AgentID) []events.AgentID {
	out := s[:0]
	for _, x := range s {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

func TestDirectory(t *testing.T) {
	a := NewVendor("a", "x", 1, world.Tile{X: 1, Y: 1}, nil)
	b := NewVendor("b", "y", 2, world.Tile{X: 2, Y: 1}, nil)
	d, err := NewDirectory(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := d.Get("b"); !ok || got != b {
		t.Fatal("Get(b) failed")
	}
	if !d.IsStall(world.Tile{X: 1, Y: 1}) || d.IsStall(world.Tile{}) {
		t.Fatal("IsStall mismatch")
	}
	if _, err := NewDirectory(a, NewVendor("a", "z", 3, world.Tile{X: 5, Y: 5}, nil)); err == nil {
		t.Fatal("duplicate name should fail")
	}
	if _, err := NewDirectory(a, NewVendor("c", "z", 3, a.Stall, nil)); err == nil {
		t.Fatal("shared stall should fail")
	}
}
