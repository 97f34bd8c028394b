// Package vcpu implements the per-vCPU lifecycle (spec component C6) and
// the root-mode EPTP switch (C7): VMXON/VMCS region ownership, launch
// control-field population, and the two violation entry points (VM-exit
// in root mode, #VE in non-root/guest mode) that drive the classifier in
// package violation.
package vcpu

import (
	"fmt"
	"unsafe"

	"hypercore/internal/ept"
	"hypercore/internal/hverr"
	"hypercore/internal/memory"
	"hypercore/internal/violation"
	"hypercore/internal/vmx"
)

// VEInfo mirrors the #VE information page the processor writes before
// delivering the virtualization exception, per the IDT handler's use in
// the original __ept_handle_violation.
type VEInfo struct {
	ExitReason uint32
	ExceptMask uint32
	Exit       uint64 // exit qualification, same encoding as EXIT_QUALIFICATION
	Gla        uint64
	Gpa        uint64
	EPTPIndex  uint16
}

// glaValid is the exit-qualification bit marking Gla as populated
// (spec.md §4.4, mirrored from EPT_VE_VALID_GLA in the original).
const glaValid = 1 << 7

const (
	arShift = 3
	arMask  = 0x7
)

// VCPU owns one logical processor's VMX launch state: the VMXON and VMCS
// regions, its private IDT copy, #VE info page, PML log, virtual-APIC
// page, host stack, and the EPT pointer pool (C4) it dispatches
// violations against.
type VCPU struct {
	alloc memory.Allocator

	vmxon     unsafe.Pointer
	vmxonPA   memory.Pa
	vmcs      unsafe.Pointer
	vmcsPA    memory.Pa
	idt       unsafe.Pointer
	idtPA     memory.Pa
	veInfo    unsafe.Pointer
	veInfoPA  memory.Pa
	pml       unsafe.Pointer
	pmlPA     memory.Pa
	vapic     unsafe.Pointer
	vapicPA   memory.Pa
	stack     unsafe.Pointer
	stackSize int

	Pool       *ept.Pool
	Classifier *violation.Classifier
	current    int

	entryCtl, exitCtl, pinCtl, cpuCtl, secondaryCtl uint32

	// hardwareVE and hardwareVMFUNC record which of the two optional
	// secondary controls the platform actually granted during Launch;
	// both start false until Launch resolves them against the running
	// processor's capability MSR (spec.md §4.5's "if that mechanism is
	// unavailable the vCPU records that VM-function must be emulated").
	hardwareVE     bool
	hardwareVMFUNC bool
}

// Config gathers everything Init needs to bring up one vCPU.
type Config struct {
	Ranges     []ept.Range
	PoolCap    int
	Preseed    int
	Capability ept.Capability
	APICPhys   uint64
	StackSize  int
	Hooks      violation.HookCollaborator
	Sandbox    violation.SandboxCollaborator
}

// Init allocates every region a vCPU needs, in a fixed order, and
// preseeds the EPT pointer pool. If any step fails, every region
// allocated so far is freed in reverse order before the error is
// returned (spec.md §4.6, mirroring vcpu_init's teardown labels).
func Init(alloc memory.Allocator, cfg Config) (v *VCPU, err error) {
	v = &VCPU{
		alloc:      alloc,
		Classifier: &violation.Classifier{Hooks: cfg.Hooks, Sandbox: cfg.Sandbox},
		stackSize:  cfg.StackSize,
	}

	type step struct {
		name  string
		alloc func() bool
		free  func()
	}
	steps := []step{
		{"vmxon", func() bool { return v.allocRegion(&v.vmxon, &v.vmxonPA) }, func() { v.freeRegion(&v.vmxon, &v.vmxonPA) }},
		{"vmcs", func() bool { return v.allocRegion(&v.vmcs, &v.vmcsPA) }, func() { v.freeRegion(&v.vmcs, &v.vmcsPA) }},
		{"idt", func() bool { return v.allocRegion(&v.idt, &v.idtPA) }, func() { v.freeRegion(&v.idt, &v.idtPA) }},
		{"ve-info", func() bool { return v.allocRegion(&v.veInfo, &v.veInfoPA) }, func() { v.freeRegion(&v.veInfo, &v.veInfoPA) }},
		{"pml", func() bool { return v.allocRegion(&v.pml, &v.pmlPA) }, func() { v.freeRegion(&v.pml, &v.pmlPA) }},
		{"vapic", func() bool { return v.allocRegion(&v.vapic, &v.vapicPA) }, func() { v.freeRegion(&v.vapic, &v.vapicPA) }},
	}

	done := make([]step, 0, len(steps))
	for _, s := range steps {
		if !s.alloc() {
			for i := len(done) - 1; i >= 0; i-- {
				done[i].free()
			}
			return nil, fmt.Errorf("vcpu: allocating %s region: %w", s.name, hverr.OutOfMemory)
		}
		done = append(done, s)
	}

	if cfg.StackSize > 0 {
		stack, ok := alloc.AllocPool(cfg.StackSize)
		if !ok {
			for i := len(done) - 1; i >= 0; i-- {
				done[i].free()
			}
			return nil, fmt.Errorf("vcpu: allocating host stack: %w", hverr.OutOfMemory)
		}
		v.stack = stack

		// Store a back-pointer to the vCPU at the top of its own stack so
		// the VM-exit trampoline can recover it (spec.md §4.5, original
		// vcpu_init: "*(struct vcpu **)(vcpu->stack + KERNEL_STACK_SIZE -
		// 8) = vcpu"). Launch's HOST_RSP points at this slot.
		top := unsafe.Pointer(uintptr(v.stack) + uintptr(cfg.StackSize) - 8)
		*(*uintptr)(top) = uintptr(unsafe.Pointer(v))
	}

	v.Pool = ept.NewPool(alloc, cfg.PoolCap, cfg.Ranges, cfg.APICPhys, cfg.Capability)
	if err := v.Pool.InitPreseed(cfg.Preseed); err != nil {
		if v.stack != nil {
			alloc.FreePool(v.stack, cfg.StackSize)
		}
		for i := len(done) - 1; i >= 0; i-- {
			done[i].free()
		}
		return nil, err
	}

	return v, nil
}

func (v *VCPU) allocRegion(dst *unsafe.Pointer, pa *memory.Pa) bool {
	p, ok := v.alloc.AllocPage()
	if !ok {
		return false
	}
	*dst = p
	*pa = v.alloc.VirtToPhys(p)
	return true
}

func (v *VCPU) freeRegion(dst *unsafe.Pointer, pa *memory.Pa) {
	if *dst == nil {
		return
	}
	v.alloc.FreePage(*dst)
	*dst = nil
	*pa = 0
}

// Teardown frees every region Init allocated, in reverse order. The pool
// is freed last because the hierarchies it owns reference allocator
// state the other regions don't depend on (spec.md §4.5, mirroring
// vcpu_free's free_ept(&vcpu->ept) as its final call).
func (v *VCPU) Teardown() {
	if v.stack != nil {
		v.alloc.FreePool(v.stack, v.stackSize)
		v.stack = nil
	}
	v.freeRegion(&v.vapic, &v.vapicPA)
	v.freeRegion(&v.pml, &v.pmlPA)
	v.freeRegion(&v.veInfo, &v.veInfoPA)
	v.freeRegion(&v.idt, &v.idtPA)
	v.freeRegion(&v.vmcs, &v.vmcsPA)
	v.freeRegion(&v.vmxon, &v.vmxonPA)

	if v.Pool != nil {
		for i := 0; i < v.Pool.Capacity(); i++ {
			v.Pool.Destroy(i)
		}
	}
}

// CurrentEPTP returns the pool slot index this vCPU last switched to
// (0 until the first switch). It is not read back from the VMCS or the
// #VE info page.
func (v *VCPU) CurrentEPTP() int { return v.current }

// SwitchRootEPTP implements C7: given a target pool slot, it asserts the
// slot is occupied, then mirrors the index into whichever side channel
// software would use to discover it (the hardware EPTP-index field if
// virtualization-exception delivery is hardware-native, the shared #VE
// info page if only emulated), rewrites the VMCS EPT_POINTER field to the
// new hierarchy's encoding, and unconditionally invalidates EPT-cached
// translations — unconditional because the active paging hierarchy
// changed regardless of which index channel was used (spec.md §4.6).
func (v *VCPU) SwitchRootEPTP(index int) error {
	if !v.Pool.Occupied(index) {
		return fmt.Errorf("vcpu: switch to unoccupied slot %d", index)
	}

	if v.hardwareVE {
		if cur := int(vmx.Vmread16(vmx.EPTPIndex)); cur != index {
			if errCode := vmx.Vmwrite16(vmx.EPTPIndex, uint16(index)); errCode != 0 {
				return &hverr.HardwareFaultErr{Instruction: "VMWRITE(EPTP_INDEX)", VMInstrErr: uint32(errCode)}
			}
		}
	} else if v.veInfo != nil {
		(*VEInfo)(v.veInfo).EPTPIndex = uint16(index)
	}

	eptp := v.Pool.EPTPList()[index]
	if errCode := vmx.Vmwrite64(vmx.EPTPointer, eptp); errCode != 0 {
		return &hverr.HardwareFaultErr{Instruction: "VMWRITE(EPTP)", VMInstrErr: uint32(errCode)}
	}
	vmx.InveptAll()
	v.current = index
	return nil
}

// switchNonRootEPTP implements the non-root (guest, #VE) half of C7. With
// a hardware EPTP-switching VM-function, the guest can perform the
// switch itself with no invalidation needed — the processor guarantees
// TLB consistency across a VMFUNC-mediated switch. Without it, the
// mechanism spec.md §4.5 calls "emulated via hypercall" is modeled here
// as routing the request back through the same root-mode switch a real
// hypercall VM-exit would eventually reach.
func (v *VCPU) switchNonRootEPTP(index int) error {
	if v.hardwareVMFUNC {
		vmx.VMFunc(0, uint32(index))
		v.current = index
		return nil
	}
	return v.SwitchRootEPTP(index)
}

// HandleRootEPTViolation implements the root-mode half of C5/C7: it reads
// the VM-exit qualification and guest state from the VMCS, classifies the
// violation, and applies the verdict. A returned *hverr.UnhandledErr is
// not necessarily fatal in root mode; callers may fall through to other
// VM-exit handling before giving up (spec.md §4.4).
func (v *VCPU) HandleRootEPTViolation() error {
	exitQual := vmx.Vmread64(vmx.ExitQualification)
	desc := violation.Descriptor{
		Gpa:           vmx.Vmread64(vmx.GuestPhysicalAddress),
		Cr3:           vmx.Vmread64(vmx.GuestCR3),
		Cpl:           int(vmx.Vmread32(vmx.GuestSSARBytes)>>5) & 0x3,
		CurrentIndex:  v.current,
		AccessPresent: uint8((exitQual >> arShift) & arMask),
		AccessAttempt: uint8(exitQual & arMask),
		Origin:        violation.OriginRoot,
	}
	if exitQual&glaValid != 0 {
		desc.Gva = vmx.Vmread64(vmx.GuestLinearAddress)
	}

	verdict, err := v.Classifier.Classify(desc, v.Pool)
	if err != nil {
		return err
	}
	if !verdict.Handled {
		return &hverr.UnhandledErr{Rip: vmx.Vmread64(vmx.GuestRIP), Gpa: desc.Gpa}
	}
	if verdict.SwitchTo != v.current {
		return v.SwitchRootEPTP(verdict.SwitchTo)
	}
	if verdict.Invalidate {
		vmx.InveptAll()
	}
	return nil
}

// HandleNonRootViolation implements the non-root half of C5/C7, driven by
// the #VE IDT vector. An unhandled violation here is fatal: per spec.md
// §4.4, there is no VM-exit to fall back through once the guest is
// already running with the fault masked by hardware.
func (v *VCPU) HandleNonRootViolation(info *VEInfo) {
	desc := violation.Descriptor{
		Gpa:           info.Gpa,
		CurrentIndex:  int(info.EPTPIndex),
		AccessPresent: uint8((info.Exit >> arShift) & arMask),
		AccessAttempt: uint8(info.Exit & arMask),
		Origin:        violation.OriginNonRoot,
	}
	if info.Exit&glaValid != 0 {
		desc.Gva = info.Gla
	}

	verdict, err := v.Classifier.Classify(desc, v.Pool)
	if err != nil {
		panic(err)
	}
	if !verdict.Handled {
		panic(&hverr.UnhandledErr{Rip: 0, Gpa: desc.Gpa})
	}
	if verdict.SwitchTo != int(info.EPTPIndex) {
		if err := v.switchNonRootEPTP(verdict.SwitchTo); err != nil {
			panic(err)
		}
	}
}
