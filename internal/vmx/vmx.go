package vmx

import "unsafe"

// The functions below are the assembly trampolines spec.md §6 calls
// "opaque symbols the core installs into VMCS and IDT". Each has no Go
// body; its implementation lives in asm_amd64.s. This mirrors how the
// teacher kernel's modified runtime exposes CPUID/Vtop/Pml4freeze as
// extern functions backed by assembly rather than reimplementing them
// in Go.

// Vmxon enters VMX root operation using the physical address of the
// VMXON region. It returns 1 on failure and 0 on success.
func Vmxon(vmxonPA uint64) uint8

// VmxOff leaves VMX root operation.
func VmxOff()

// Vmclear initializes the VMCS at the given physical address.
func Vmclear(vmcsPA uint64) uint8

// Vmptrld makes the VMCS at the given physical address current.
func Vmptrld(vmcsPA uint64) uint8

// Vmlaunch launches the guest from the current VMCS. On success it does
// not return to the caller in the usual sense: control resumes in guest
// context. On failure it returns 1; the cause is in the VMCS
// VM_INSTRUCTION_ERROR field.
func Vmlaunch() uint8

// Vmread64/Vmread32/Vmread16 read a VMCS field of the given width.
func Vmread64(field uint32) uint64
func Vmread32(field uint32) uint32
func Vmread16(field uint32) uint16

// Vmwrite64/Vmwrite32/Vmwrite16 write a VMCS field of the given width.
// They return 1 on failure and 0 on success.
func Vmwrite64(field uint32, val uint64) uint8
func Vmwrite32(field uint32, val uint32) uint8
func Vmwrite16(field uint32, val uint16) uint8

// InveptAll invalidates all EPT-cached translations (all-context, i.e.
// global, invalidation), per §5's TLB consistency rule.
func InveptAll()

// InvvpidAll invalidates all VPID-tagged TLB entries.
func InvvpidAll()

// VMFunc invokes the VM-function instruction, used for the EPTP-switching
// function when the platform advertises SECONDARY_EXEC_ENABLE_VMFUNC.
func VMFunc(function uint32, eptpIndex uint32)

// Cpuid returns the four output registers for CPUID(leaf, subleaf).
func Cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// Rdmsr/Wrmsr read and write a model-specific register.
func Rdmsr(msr uint32) uint64
func Wrmsr(msr uint32, val uint64)

// Rdcr0/Rdcr3/Rdcr4 read control registers; Wrcr0/Wrcr4 write them.
func Rdcr0() uint64
func Rdcr3() uint64
func Rdcr4() uint64
func Wrcr0(v uint64)
func Wrcr4(v uint64)

// Rdeflags reads the current RFLAGS.
func Rdeflags() uint64

// Rddr7 reads debug register 7.
func Rddr7() uint64

// Reades/Readcs/Readss/Readds/Readfs/Readgs read the current segment
// selectors.
func Reades() uint16
func Readcs() uint16
func Readss() uint16
func Readds() uint16
func Readfs() uint16
func Readgs() uint16

// Sldt/Str read the current LDTR/TR selectors.
func Sldt() uint16
func Str() uint16

// Sgdt/Sidt store the current GDTR/IDTR into the supplied 10-byte
// pseudo-descriptor buffer (2-byte limit, 8-byte base).
func Sgdt(dst *[10]byte)
func Sidt(dst *[10]byte)

// Lidt loads an IDTR from the supplied pseudo-descriptor buffer.
func Lidt(src *[10]byte)

// SegmentLimit returns the segment limit for the given selector (the LSL
// instruction).
func SegmentLimit(selector uint16) uint32

// Lar returns the access-rights byte pair for the given selector.
func Lar(selector uint16) uint32

// VMEntryPoint is the address of the assembly VM-exit entry trampoline
// installed as HOST_RIP. It is resolved at link time from asm_amd64.s.
func VMEntryPoint() uint64

// VEEntryPoint is the address of the #VE IDT-vector trampoline installed
// into the vCPU's private IDT copy.
func VEEntryPoint() uint64

// DescriptorTable decodes the limit and base fields Sgdt/Sidt write into a
// 10-byte pseudo-descriptor (2-byte limit, 8-byte base, little-endian per
// the SGDT/SIDT instruction format, Intel SDM Vol. 2A).
func DescriptorTable(buf *[10]byte) (base uint64, limit uint16) {
	limit = uint16(buf[0]) | uint16(buf[1])<<8
	base = uint64(buf[2]) | uint64(buf[3])<<8 | uint64(buf[4])<<16 | uint64(buf[5])<<24 |
		uint64(buf[6])<<32 | uint64(buf[7])<<40 | uint64(buf[8])<<48 | uint64(buf[9])<<56
	return base, limit
}

// SegmentBase decodes the 64-bit base address encoded in a GDT
// system-segment descriptor. LDTR and TR, unlike the flat code/data
// segments, can carry an arbitrary base even in long mode, encoded across
// the 16-byte descriptor form (Intel SDM Vol. 3A §3.5.2). Mirrors the
// original implementation's __segmentbase(gdtr.base, selector).
func SegmentBase(gdtBase uint64, selector uint16) uint64 {
	if selector == 0 {
		return 0
	}
	desc := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(gdtBase)+uintptr(selector&^0x7))), 16)
	base := uint64(desc[2]) | uint64(desc[3])<<8 | uint64(desc[4])<<16 | uint64(desc[7])<<24
	base |= uint64(desc[8])<<32 | uint64(desc[9])<<40 | uint64(desc[10])<<48 | uint64(desc[11])<<56
	return base
}
