package ept

import (
	"hypercore/internal/bitset"
	"hypercore/internal/hverr"
	"hypercore/internal/memory"
	"hypercore/internal/vmx"
)

// Range is a contiguous [Start, End) host-physical range to be identity-
// mapped at hierarchy construction time, page-aligned, per spec.md §3's
// Physical-memory range entity.
type Range struct {
	Start, End uint64
}

// pageSize mirrors memory.PageSize without importing it into the
// exported surface of this package's arithmetic.
const pageSize = memory.PageSize

// Pool holds up to Capacity hierarchies per vCPU (spec component C4): a
// fixed-size array of hierarchy slots, an occupancy bit-set of equal
// capacity, and a contiguous hardware-readable EPTP list whose i-th slot
// mirrors slot i. Invariant: occupied(i) ⇔ hierarchy root at slot i is
// non-nil ⇔ list[i] is well-formed.
type Pool struct {
	alloc      memory.Allocator
	ranges     []Range
	apicPA     uint64
	suppressVE bool
	adEnable   bool // PML dirty-bit tracking available

	slots     []*Hierarchy
	occupied  *bitset.Set
	hwList    []uint64
}

// Capability flags resolved once at vCPU init and threaded through to the
// pool, per Design Note "Conditional features" (spec.md §9).
type Capability struct {
	SuppressVE bool
	PML        bool // enables the accessed/dirty bit in EPTP encoding
}

// NewPool creates an empty pool with the given slot capacity, identity-
// mapping ranges and APIC page physical address to use for every
// hierarchy it creates.
func NewPool(alloc memory.Allocator, capacity int, ranges []Range, apicPA uint64, caps Capability) *Pool {
	return &Pool{
		alloc:      alloc,
		ranges:     ranges,
		apicPA:     apicPA,
		suppressVE: caps.SuppressVE,
		adEnable:   caps.PML,
		slots:      make([]*Hierarchy, capacity),
		occupied:   bitset.New(capacity),
		hwList:     make([]uint64, capacity),
	}
}

// Capacity returns the pool's fixed slot count.
func (p *Pool) Capacity() int { return len(p.slots) }

// Occupied reports whether slot i currently holds a hierarchy.
func (p *Pool) Occupied(i int) bool { return p.occupied.Test(i) }

// EPTPList returns the contiguous hardware-format list of encoded
// hierarchy pointers, suitable for installing at EPTP_LIST_ADDRESS.
func (p *Pool) EPTPList() []uint64 { return p.hwList }

// HierarchyAt returns the hierarchy installed at slot i, or nil if the
// slot is unoccupied.
func (p *Pool) HierarchyAt(i int) *Hierarchy {
	if !p.occupied.Test(i) {
		return nil
	}
	return p.slots[i]
}

// Create finds the lowest unoccupied slot, builds a fresh hierarchy that
// identity-maps every configured physical-memory range at page
// granularity with access (elevating kernel-address pages to full RWX),
// maps the local APIC page, and installs the encoded EPTP in both the
// slot and the hardware list. On any failure it frees every page it
// allocated and leaves pool state unchanged.
func (p *Pool) Create(access Access) (int, error) {
	idx := p.occupied.FindFirstZero(p.Capacity())
	if idx == p.Capacity() {
		return 0, hverr.Exhausted
	}

	h, err := NewHierarchy(p.alloc, p.suppressVE)
	if err != nil {
		return 0, err
	}
	if err := p.populate(h, access); err != nil {
		h.Free()
		return 0, err
	}

	p.slots[idx] = h
	p.hwList[idx] = encodeEPTP(h.RootPhys(), p.adEnable)
	p.occupied.Set(idx)
	return idx, nil
}

func (p *Pool) populate(h *Hierarchy, access Access) error {
	for _, r := range p.ranges {
		for addr := r.Start; addr < r.End; addr += pageSize {
			a := access
			if p.alloc.IsKernelAddr(p.alloc.PhysToVirt(memory.Pa(addr))) {
				a = AccessRWX
			}
			if err := h.Map(a, addr, addr); err != nil {
				return err
			}
		}
	}
	if p.apicPA != 0 {
		if err := h.Map(AccessRWX, p.apicPA, p.apicPA); err != nil {
			return err
		}
	}
	return nil
}

// Destroy frees the hierarchy at slot i and clears its occupancy bit. The
// hardware list slot is left stale; callers must not address it unless
// the occupancy bit is set (spec.md §4.3).
func (p *Pool) Destroy(i int) {
	if !p.occupied.Test(i) {
		return
	}
	p.slots[i].Free()
	p.slots[i] = nil
	p.occupied.Clear(i)
}

// InitPreseed creates count default hierarchies, all with full access.
// If any creation fails, every partial hierarchy created so far is torn
// down before returning the failure (spec.md §4.3).
func (p *Pool) InitPreseed(count int) error {
	for i := 0; i < count; i++ {
		if _, err := p.Create(AccessRWX); err != nil {
			for j := 0; j < i; j++ {
				p.Destroy(j)
			}
			return err
		}
	}
	return nil
}

// encodeEPTP builds the hardware EPTP encoding for a hierarchy root: bits
// 0-2 memory type, bits 3-5 page-walk length minus one (a four-level
// walk is encoded as 3), bit 6 the accessed/dirty enable, bits 12+ the
// PML4 frame address.
func encodeEPTP(root memory.Pa, adEnable bool) uint64 {
	const (
		memTypeWriteBack = 6
		walkLengthMinus1 = 3 << 3
		adEnableBit      = 1 << 6
	)
	e := uint64(root)&vmx.EPTAddrMask | memTypeWriteBack | walkLengthMinus1
	if adEnable {
		e |= adEnableBit
	}
	return e
}
