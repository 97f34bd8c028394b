// Package pml decodes the optional page-modification log (spec component
// A7): a 512-entry ring buffer of dirtied guest-physical addresses that
// hardware writes in descending order from GUEST_PML_INDEX, supplementing
// the original's #ifdef ENABLE_PML support with the reader it never
// shipped.
package pml

import "hypercore/internal/vmx"

// entries is the fixed PML buffer size per the VMCS's GUEST_PML_INDEX
// field (a 9-bit index into a single page of 64-bit entries).
const entries = 512

// Reader walks one vCPU's PML page.
type Reader struct {
	page *[entries]uint64
}

// NewReader wraps a PML page. page must point at exactly one
// hardware-sized page of 64-bit entries.
func NewReader(page *[entries]uint64) *Reader {
	return &Reader{page: page}
}

// Drain reads the current GUEST_PML_INDEX from the VMCS and hands off to
// DrainFrom, then resets the index to entries-1 once every entry has
// been sent.
func (r *Reader) Drain() <-chan uint64 {
	idx := int(vmx.Vmread16(vmx.GuestPMLIndex))
	out := r.DrainFrom(idx)
	done := make(chan uint64, entries)
	go func() {
		defer close(done)
		for gpa := range out {
			done <- gpa
		}
		vmx.Vmwrite16(vmx.GuestPMLIndex, entries-1)
	}()
	return done
}

// DrainFrom walks from idx+1 to the end of the page, the unread range a
// hardware GUEST_PML_INDEX of idx implies, and sends each non-zero
// dirtied GPA (page-aligned) on the returned channel in hardware-write
// order (newest first). Split out from Drain so the walk itself is
// testable without a VMCS.
func (r *Reader) DrainFrom(idx int) <-chan uint64 {
	out := make(chan uint64, entries)
	go func() {
		defer close(out)
		for i := idx + 1; i < entries; i++ {
			gpa := r.page[i]
			if gpa == 0 {
				continue
			}
			out <- gpa &^ 0xfff
		}
	}()
	return out
}
