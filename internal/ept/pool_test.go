package ept

import (
	"testing"

	"hypercore/internal/memory"
)

func TestPoolCreateOverRangeAndDestroy(t *testing.T) {
	alloc := memory.NewFake()
	baseline := alloc.LiveCount()

	ranges := []Range{{Start: 0, End: 0x4000}}
	pool := NewPool(alloc, 4, ranges, 0, Capability{SuppressVE: true})

	idx, err := pool.Create(AccessRead)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !pool.Occupied(idx) {
		t.Fatalf("expected slot %d occupied", idx)
	}

	h := pool.HierarchyAt(idx)
	e, ok := h.Lookup(0x1000)
	if !ok {
		t.Fatalf("expected mapping at 0x1000")
	}
	if frameOf(e) != 0x1000 {
		t.Errorf("frame: want 0x1000, got 0x%x", frameOf(e))
	}
	if Access(e&uint64(AccessRWX)) != AccessRead {
		t.Errorf("expected non-kernel page to keep requested access, got 0x%x", e&uint64(AccessRWX))
	}

	pool.Destroy(idx)
	if pool.Occupied(idx) {
		t.Errorf("slot should be unoccupied after Destroy")
	}
	if got := alloc.LiveCount(); got != baseline {
		t.Errorf("leaked pages after Destroy: baseline=%d now=%d", baseline, got)
	}
}

func TestPoolExhaustedLeavesStateUnchanged(t *testing.T) {
	alloc := memory.NewFake()
	ranges := []Range{{Start: 0, End: 0x1000}}
	pool := NewPool(alloc, 4, ranges, 0, Capability{})

	if err := pool.InitPreseed(4); err != nil {
		t.Fatalf("InitPreseed: %v", err)
	}
	for i := 0; i < 4; i++ {
		if !pool.Occupied(i) {
			t.Fatalf("slot %d should be occupied after preseed", i)
		}
	}

	_, err := pool.Create(AccessRWX)
	if err == nil {
		t.Fatalf("expected Exhausted error")
	}
	for i := 0; i < 4; i++ {
		if !pool.Occupied(i) {
			t.Errorf("slot %d unexpectedly changed after failed Create", i)
		}
	}
}

func TestOccupancyMirrorsHardwareList(t *testing.T) {
	alloc := memory.NewFake()
	ranges := []Range{{Start: 0, End: 0x1000}}
	pool := NewPool(alloc, 2, ranges, 0, Capability{})

	idx, err := pool.Create(AccessRWX)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	list := pool.EPTPList()
	for i := range list {
		want := pool.Occupied(i)
		got := list[i] != 0
		if i == idx && !got {
			t.Errorf("hw list slot %d should be non-zero", i)
		}
		if want != got {
			t.Errorf("occupancy/hw-list mismatch at %d: occupied=%v list-nonzero=%v", i, want, got)
		}
	}
}

func TestPreseedFailureUnwindsPartialHierarchies(t *testing.T) {
	alloc := &failingAllocator{Allocator: memory.NewFake(), failAfter: 6}
	ranges := []Range{{Start: 0, End: 0x3000}}
	pool := NewPool(alloc, 4, ranges, 0, Capability{})

	err := pool.InitPreseed(4)
	if err == nil {
		t.Fatalf("expected failure once the allocator runs dry")
	}
	for i := 0; i < 4; i++ {
		if pool.Occupied(i) {
			t.Errorf("slot %d should have been unwound after preseed failure", i)
		}
	}
}
