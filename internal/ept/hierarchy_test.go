package ept

import (
	"testing"

	"hypercore/internal/memory"
)

func TestMapLookupRoundTrip(t *testing.T) {
	alloc := memory.NewFake()
	h, err := NewHierarchy(alloc, true)
	if err != nil {
		t.Fatalf("NewHierarchy: %v", err)
	}
	defer h.Free()

	gpa, hpa := uint64(0x1000), uint64(0x7000)
	if err := h.Map(AccessRead|AccessWrite, gpa, hpa); err != nil {
		t.Fatalf("Map: %v", err)
	}

	e, ok := h.Lookup(gpa)
	if !ok {
		t.Fatalf("Lookup: expected mapping present")
	}
	if got := frameOf(e); got != hpa {
		t.Errorf("frame: want 0x%x, got 0x%x", hpa, got)
	}
	if Access(e&uint64(AccessRWX)) != AccessRead|AccessWrite {
		t.Errorf("access bits not preserved: 0x%x", e)
	}
}

func TestLookupAbsentMapping(t *testing.T) {
	alloc := memory.NewFake()
	h, err := NewHierarchy(alloc, false)
	if err != nil {
		t.Fatalf("NewHierarchy: %v", err)
	}
	defer h.Free()

	if _, ok := h.Lookup(0xDEAD000); ok {
		t.Errorf("expected no mapping for untouched gpa")
	}
}

func TestMapIsIdempotent(t *testing.T) {
	alloc := memory.NewFake()
	h, _ := NewHierarchy(alloc, false)
	defer h.Free()

	gpa, hpa := uint64(0x2000), uint64(0x9000)
	if err := h.Map(AccessRWX, gpa, hpa); err != nil {
		t.Fatalf("first Map: %v", err)
	}
	first, _ := h.Lookup(gpa)
	if err := h.Map(AccessRWX, gpa, hpa); err != nil {
		t.Fatalf("second Map: %v", err)
	}
	second, _ := h.Lookup(gpa)
	if first != second {
		t.Errorf("remapping same gpa/hpa/access changed the leaf word: 0x%x != 0x%x", first, second)
	}
}

func TestFreeLeavesNoLeakedPages(t *testing.T) {
	alloc := memory.NewFake()
	h, err := NewHierarchy(alloc, false)
	if err != nil {
		t.Fatalf("NewHierarchy: %v", err)
	}
	before := alloc.LiveCount()
	if before != 1 {
		t.Fatalf("expected exactly the root page live, got %d", before)
	}

	// Map several pages spread across different PDPT/PD/PT regions so
	// interior tables are actually allocated at every level.
	for i := uint64(0); i < 4; i++ {
		gpa := i << 30 // 1 GiB strides hit distinct PDPT entries, each forcing a new PD/PT chain
		if err := h.Map(AccessRWX, gpa, gpa); err != nil {
			t.Fatalf("Map(%d): %v", i, err)
		}
	}

	h.Free()
	if got := alloc.LiveCount(); got != 0 {
		t.Errorf("leaked %d pages after Free", got)
	}
}

func TestParentEntryGrantsFullAccessRegardlessOfLeaf(t *testing.T) {
	alloc := memory.NewFake()
	h, _ := NewHierarchy(alloc, false)
	defer h.Free()

	gpa := uint64(0x3000)
	if err := h.Map(AccessRead, gpa, gpa); err != nil {
		t.Fatalf("Map: %v", err)
	}
	e, _, err := h.walk(gpa, false)
	if err != nil || e == nil {
		t.Fatalf("walk: %v", err)
	}
	if _, ok := h.Lookup(gpa); !ok {
		t.Fatalf("lookup failed, parent entry may be too restrictive")
	}
	if Access(*e&uint64(AccessRWX)) != AccessRead {
		t.Errorf("leaf access: want read-only, got 0x%x", *e&uint64(AccessRWX))
	}
	// Every interior entry on the path to the read-only leaf must grant
	// full RWX.
	tbl := h.root
	for lvl := levelPML4; lvl > levelPT; lvl-- {
		pe := tbl[index(gpa, lvl)]
		if Access(pe&uint64(AccessRWX)) != AccessRWX {
			t.Fatalf("level %d parent entry grants 0x%x, want RWX", lvl, pe&uint64(AccessRWX))
		}
		tbl = (*table)(alloc.PhysToVirt(memory.Pa(frameOf(pe))))
	}
}
