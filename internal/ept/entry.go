// Package ept implements the EPT hierarchy (C3) and pointer pool (C4):
// construction, walking, mutation, and teardown of the four-level
// guest-physical to host-physical translation tree, and the bounded pool
// of such trees that a vCPU switches between.
package ept

import "hypercore/internal/vmx"

// The four radix levels, most significant first, as in the glossary:
// PML4, PDPT, PD, PT.
const (
	levelPML4 = 3
	levelPDPT = 2
	levelPD   = 1
	levelPT   = 0
	numLevels = 4
)

const entriesPerTable = 512

// table is exactly one 4 KiB page holding 512 eight-byte entries, per
// spec.md §4.2.
type table [entriesPerTable]uint64

// Access describes the {R,W,X} access bits granted to a leaf mapping.
type Access uint8

// Access bit values, matching the EPT entry's low three bits directly so
// an Access can be OR'd straight into an entry.
const (
	AccessRead    Access = Access(vmx.EPTRead)
	AccessWrite   Access = Access(vmx.EPTWrite)
	AccessExecute Access = Access(vmx.EPTExecute)
	AccessRWX     Access = AccessRead | AccessWrite | AccessExecute
	AccessNone    Access = 0
)

// present reports whether an entry has any access bits set. Per the Entry
// invariant in spec.md §3, an entry with no access bits is absent and its
// frame field is meaningless.
func present(e uint64) bool {
	return e&uint64(AccessRWX) != 0
}

// isLarge reports whether the large-page bit is set. Only meaningful at
// intermediate levels; it short-circuits the walk.
func isLarge(e uint64) bool {
	return e&vmx.EPTLargePage != 0
}

// frameOf extracts the host-physical frame address from an entry,
// masking the low 12 offset bits and the high software-reserved bits.
func frameOf(e uint64) uint64 {
	return e & vmx.EPTAddrMask
}

// makeInteriorEntry builds a parent entry pointing at a lower-level table.
// Per §4.2's map operation, the parent must not be more restrictive than
// any child, so interior entries always grant full {R,W,X}.
func makeInteriorEntry(framePA uint64) uint64 {
	return (framePA & vmx.EPTAddrMask) | uint64(AccessRWX)
}

// makeLeafEntry builds a terminal entry for the given access, frame, and
// capability set. suppressVE is honored only when the platform supports
// VE suppression (spec.md §4.2).
func makeLeafEntry(access Access, framePA uint64, suppressVE bool) uint64 {
	e := (framePA & vmx.EPTAddrMask) | uint64(access) | vmx.EPTMemTypeWB
	if suppressVE {
		e |= vmx.EPTSuppressVE
	}
	return e
}

// index extracts the 9-bit slice of gpa selecting an entry at level lvl,
// per the address arithmetic in spec.md §4.2: (gpa >> (12 + 9*lvl)) & 0x1ff.
func index(gpa uint64, lvl int) int {
	return int((gpa >> uint(12+9*lvl)) & 0x1ff)
}
