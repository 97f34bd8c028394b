package vcpu

import (
	"testing"
	"unsafe"

	"hypercore/internal/ept"
	"hypercore/internal/memory"
)

func testConfig() Config {
	return Config{
		Ranges:     []ept.Range{{Start: 0, End: 0x2000}},
		PoolCap:    4,
		Preseed:    2,
		Capability: ept.Capability{SuppressVE: true},
	}
}

func TestInitTeardownLeavesNoLeakedPages(t *testing.T) {
	alloc := memory.NewFake()
	baseline := alloc.LiveCount()

	v, err := Init(alloc, testConfig())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if v.Pool.Capacity() != 4 {
		t.Errorf("pool capacity: want 4, got %d", v.Pool.Capacity())
	}
	if !v.Pool.Occupied(0) || !v.Pool.Occupied(1) {
		t.Errorf("expected preseeded slots 0 and 1 occupied")
	}

	v.Teardown()
	if got := alloc.LiveCount(); got != baseline {
		t.Errorf("leaked pages after Teardown: baseline=%d now=%d", baseline, got)
	}
}

// zeroBudgetAllocator always fails AllocPage, to exercise Init's
// rollback path before any region has been acquired.
type zeroBudgetAllocator struct {
	*memory.Fake
}

func (z *zeroBudgetAllocator) AllocPage() (unsafe.Pointer, bool) { return nil, false }

func TestInitUnwindsOnRegionAllocFailure(t *testing.T) {
	alloc := &zeroBudgetAllocator{Fake: memory.NewFake()}
	_, err := Init(alloc, testConfig())
	if err == nil {
		t.Fatalf("expected Init to fail when the allocator has no pages to give")
	}
	if got := alloc.Fake.LiveCount(); got != 0 {
		t.Errorf("expected no leaked pages after failed Init, got %d", got)
	}
}
