package ept

import (
	"unsafe"

	"hypercore/internal/hverr"
	"hypercore/internal/memory"
)

// Hierarchy is one complete four-level translation tree identified by a
// small pool index. It owns its root page (the PML4) and every interior
// and leaf page reachable from it, per the Hierarchy entity invariant in
// spec.md §3.
type Hierarchy struct {
	alloc      memory.Allocator
	root       *table
	rootPhys   memory.Pa
	suppressVE bool
}

// NewHierarchy allocates a fresh, empty hierarchy (a zeroed root table).
// suppressVE controls whether leaf entries set the #VE-suppression bit,
// per the platform capability the caller resolved at vCPU init.
func NewHierarchy(alloc memory.Allocator, suppressVE bool) (*Hierarchy, error) {
	v, ok := alloc.AllocPage()
	if !ok {
		return nil, hverr.OutOfMemory
	}
	h := &Hierarchy{
		alloc:      alloc,
		root:       (*table)(v),
		rootPhys:   alloc.VirtToPhys(v),
		suppressVE: suppressVE,
	}
	return h, nil
}

// RootPhys returns the host-physical address of the PML4 page, the value
// encoded into an EPTP by the pointer pool.
func (h *Hierarchy) RootPhys() memory.Pa { return h.rootPhys }

// walk descends from the root toward the PT entry for gpa, allocating
// missing interior tables when allocMissing is true. It returns the entry
// pointer at the level the walk stopped at (a large-page entry, the PT
// leaf, or nil on allocation failure or a genuinely absent intermediate
// entry when allocMissing is false), and that level.
func (h *Hierarchy) walk(gpa uint64, allocMissing bool) (entry *uint64, level int, err error) {
	t := h.root
	for lvl := levelPML4; lvl > levelPT; lvl-- {
		e := &t[index(gpa, lvl)]
		if isLarge(*e) {
			return e, lvl, nil
		}
		if !present(*e) {
			if !allocMissing {
				return nil, lvl, nil
			}
			child, ok := h.alloc.AllocPage()
			if !ok {
				// Partially built tables remain attached; they are
				// harmless zero pages and are freed at teardown
				// (spec.md §4.2).
				return nil, lvl, hverr.OutOfMemory
			}
			childPhys := h.alloc.VirtToPhys(child)
			*e = makeInteriorEntry(uint64(childPhys))
			t = (*table)(child)
			continue
		}
		t = (*table)(h.alloc.PhysToVirt(memory.Pa(frameOf(*e))))
	}
	e := &t[index(gpa, levelPT)]
	return e, levelPT, nil
}

// Map walks from root, allocating any missing interior tables, and writes
// the leaf entry for gpa with the requested access, frame=hpa, write-back
// memory type, and (if supported) the VE-suppression bit. Remapping an
// already-mapped gpa replaces the leaf entry in place (idempotent).
//
// On allocation failure part-way through, the partially built tables
// remain attached to the hierarchy: their entries are zero and will be
// freed at teardown.
func (h *Hierarchy) Map(access Access, gpa, hpa uint64) error {
	e, lvl, err := h.walk(gpa, true)
	if err != nil {
		return err
	}
	if lvl != levelPT {
		// Map only ever creates 4 KiB leaves; a large-page entry at an
		// intermediate level could only appear if some other caller
		// installed one, which this core never does.
		panic("ept: walk stopped above PT level during Map")
	}
	*e = makeLeafEntry(access, hpa, h.suppressVE)
	return nil
}

// Lookup walks down from root and returns the entry at the first level
// whose large-page bit is set, else the PT leaf. It reports ok=false if
// any intermediate entry is absent.
func (h *Hierarchy) Lookup(gpa uint64) (entry uint64, ok bool) {
	e, _, err := h.walk(gpa, false)
	if err != nil || e == nil {
		return 0, false
	}
	if !present(*e) {
		return 0, false
	}
	return *e, true
}

// Free performs a post-order recursive traversal, freeing every page
// reachable from root and finally the root itself. Each entry slot is
// zeroed before recursing into its sub-table so an interrupted traversal
// can never double-free a page (Design Note, spec.md §9).
func (h *Hierarchy) Free() {
	freeLevel(h.alloc, h.root, levelPML4)
	h.alloc.FreePage(unsafe.Pointer(h.root))
	h.root = nil
}

func freeLevel(alloc memory.Allocator, t *table, lvl int) {
	for i := range t {
		e := t[i]
		t[i] = 0
		if !present(e) {
			continue
		}
		childVirt := alloc.PhysToVirt(memory.Pa(frameOf(e)))
		if lvl > levelPD {
			freeLevel(alloc, (*table)(childVirt), lvl-1)
			alloc.FreePage(childVirt)
		} else {
			// lvl == levelPD: children are PT leaves that cannot
			// themselves have children (spec.md §4.2 Free).
			alloc.FreePage(childVirt)
		}
	}
}
