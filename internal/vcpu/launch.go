package vcpu

import (
	"fmt"
	"unsafe"

	"hypercore/internal/hverr"
	"hypercore/internal/vmx"
)

// hostState snapshots the segmentation and descriptor-table state Launch
// reads once and both populateHostState and populateGuestState need,
// mirroring the locals vcpu_run snapshots at the top of the function
// before entering VMX root operation.
type hostState struct {
	es, cs, ss, ds, fs, gs, ldt, tr uint16
	gdtBase, idtBase               uint64
	gdtLimit, idtLimit             uint16
}

func accessRight(selector uint16, lar func(uint16) uint32) uint32 {
	if selector == 0 {
		return 0x10000 // unusable
	}
	return (lar(selector) >> 8) & 0xf0ff
}

// msrOffset returns the offset added to the four capability-MSR numbers
// when the "true" control MSRs must be used instead of the originals
// (Intel SDM Vol. 3C §A.1, mirrored from vcpu_run's msr_off).
func msrOffset(vmxBasic uint64) uint32 {
	if vmxBasic&vmx.VMXBasicTrueCtls != 0 {
		return 0xc
	}
	return 0
}

// Launch brings the current logical processor into VMX root operation,
// clears and loads this vCPU's VMCS, populates the guest and host state
// areas from the current execution context (so the guest resumes exactly
// where the host was), and executes VMLAUNCH with guest entry point gip
// and stack gsp. It mirrors vcpu_run in the original implementation this
// core was distilled from: on success control does not return here in
// the usual sense until a VM-exit is handled and the host is resumed;
// on failure it returns a *hverr.HardwareFaultErr identifying which
// instruction failed, or a *hverr.UnsupportedErr if the platform refuses
// a required secondary control.
func (v *VCPU) Launch(gsp, gip uint64) error {
	vmxBasic := vmx.Rdmsr(vmx.MSRIA32VMXBasic)

	var gdtr, idtr [10]byte
	vmx.Sgdt(&gdtr)
	vmx.Sidt(&idtr)
	hs := hostState{
		es: vmx.Reades(), cs: vmx.Readcs(), ss: vmx.Readss(), ds: vmx.Readds(),
		fs: vmx.Readfs(), gs: vmx.Readgs(), ldt: vmx.Sldt(), tr: vmx.Str(),
	}
	hs.gdtBase, hs.gdtLimit = vmx.DescriptorTable(&gdtr)
	hs.idtBase, hs.idtLimit = vmx.DescriptorTable(&idtr)

	// Copy the running kernel's IDT into this vCPU's private page; the
	// guest's IDTR points at the copy so the hypervisor's own #VE vector
	// never has to be written into the real, shared IDT (spec.md §3's
	// vCPU entity: "a host interrupt-descriptor table copied from the
	// kernel"; original vcpu_run's memcpy into vcpu->idt.base).
	idtLen := int(hs.idtLimit) + 1
	copy(unsafe.Slice((*byte)(v.idt), idtLen), unsafe.Slice((*byte)(unsafe.Pointer(uintptr(hs.idtBase))), idtLen))

	cr0 := vmx.Rdcr0()
	cr0 &= vmx.Rdmsr(vmx.MSRIA32VMXCR0Fixed1)
	cr0 |= vmx.Rdmsr(vmx.MSRIA32VMXCR0Fixed0)
	vmx.Wrcr0(cr0)

	cr4 := vmx.Rdcr4()
	cr4 &= vmx.Rdmsr(vmx.MSRIA32VMXCR4Fixed1)
	cr4 |= vmx.Rdmsr(vmx.MSRIA32VMXCR4Fixed0)
	vmx.Wrcr4(cr4)

	*(*uint32)(v.vmxon) = uint32(vmxBasic)
	if errCode := vmx.Vmxon(uint64(v.vmxonPA)); errCode != 0 {
		return &hverr.HardwareFaultErr{Instruction: "VMXON", VMInstrErr: uint32(errCode)}
	}

	*(*uint32)(v.vmcs) = uint32(vmxBasic)
	if errCode := vmx.Vmclear(uint64(v.vmcsPA)); errCode != 0 {
		vmx.VmxOff()
		return &hverr.HardwareFaultErr{Instruction: "VMCLEAR", VMInstrErr: uint32(errCode)}
	}
	if errCode := vmx.Vmptrld(uint64(v.vmcsPA)); errCode != 0 {
		vmx.VmxOff()
		return &hverr.HardwareFaultErr{Instruction: "VMPTRLD", VMInstrErr: uint32(errCode)}
	}

	off := msrOffset(vmxBasic)

	v.entryCtl = vmx.AdjustControl(vmx.Rdmsr(vmx.MSRIA32VMXEntryCtls+off), vmx.VMEntryIA32eMode)
	v.exitCtl = vmx.AdjustControl(vmx.Rdmsr(vmx.MSRIA32VMXExitCtls+off), 0)
	v.pinCtl = vmx.AdjustControl(vmx.Rdmsr(vmx.MSRIA32VMXPinbasedCtls+off), 0)

	reqCPU := vmx.CPUBasedActivateSecondaryControls | vmx.CPUBasedUseMSRBitmaps | vmx.CPUBasedUseIOBitmaps
	v.cpuCtl = vmx.AdjustControl(vmx.Rdmsr(vmx.MSRIA32VMXProcbasedCtls+off), reqCPU)

	// EPT and VPID are required; XSAVES, virtualization-exception
	// delivery, and VMFUNC EPTP-switching are requested but optional —
	// whichever of the latter two the platform refuses, the vCPU falls
	// back to the emulated path (spec.md §4.5).
	reqSecondary := vmx.SecondaryExecEnableEPT | vmx.SecondaryExecEnableVPID |
		vmx.SecondaryExecXSAVES | vmx.SecondaryExecEnableVE | vmx.SecondaryExecEnableVMFUNC
	v.secondaryCtl = vmx.AdjustControl(vmx.Rdmsr(vmx.MSRIA32VMXProcbasedCtls2), reqSecondary)

	if v.secondaryCtl&vmx.SecondaryExecEnableEPT == 0 {
		vmx.VmxOff()
		return &hverr.UnsupportedErr{Control: "SECONDARY_EXEC_ENABLE_EPT", Want: reqSecondary, Allowed: v.secondaryCtl}
	}
	if v.secondaryCtl&vmx.SecondaryExecEnableVPID == 0 {
		vmx.VmxOff()
		return &hverr.UnsupportedErr{Control: "SECONDARY_EXEC_ENABLE_VPID", Want: reqSecondary, Allowed: v.secondaryCtl}
	}
	v.hardwareVE = v.secondaryCtl&vmx.SecondaryExecEnableVE != 0
	v.hardwareVMFUNC = v.secondaryCtl&vmx.SecondaryExecEnableVMFUNC != 0

	fields := map[uint32]uint32{
		vmx.PinBasedVMExecControl:  v.pinCtl,
		vmx.CPUBasedVMExecControl:  v.cpuCtl,
		vmx.SecondaryVMExecControl: v.secondaryCtl,
		vmx.VMEntryControls:        v.entryCtl,
		vmx.VMExitControls:         v.exitCtl,
	}
	for field, val := range fields {
		if errCode := vmx.Vmwrite32(field, val); errCode != 0 {
			vmx.VmxOff()
			return &hverr.HardwareFaultErr{Instruction: fmt.Sprintf("VMWRITE(0x%x)", field), VMInstrErr: uint32(errCode)}
		}
	}

	if err := v.populateHostState(hs); err != nil {
		vmx.VmxOff()
		return err
	}
	if err := v.populateGuestState(hs, gsp, gip); err != nil {
		vmx.VmxOff()
		return err
	}

	eptp := v.Pool.EPTPList()[v.current]
	if errCode := vmx.Vmwrite64(vmx.EPTPointer, eptp); errCode != 0 {
		vmx.VmxOff()
		return &hverr.HardwareFaultErr{Instruction: "VMWRITE(EPTP)", VMInstrErr: uint32(errCode)}
	}

	if errCode := vmx.Vmlaunch(); errCode != 0 {
		vmx.VmxOff()
		return &hverr.HardwareFaultErr{Instruction: "VMLAUNCH", VMInstrErr: uint32(vmx.Vmread32(vmx.VMInstructionError))}
	}
	return nil
}

func (v *VCPU) populateHostState(hs hostState) error {
	// Host RSP points at the back-pointer slot Init reserved at the top
	// of the stack, so the VM-exit trampoline finds the vCPU at [RSP] and
	// its pushes land below the slot (spec.md §4.5, original vcpu_run's
	// "(uintptr_t)vcpu->stack + KERNEL_STACK_SIZE - 8").
	hostRSP := uint64(uintptr(v.stack)) + uint64(v.stackSize) - 8

	writes := []struct {
		field uint32
		val   uint64
	}{
		{vmx.HostCR0, vmx.Rdcr0()},
		{vmx.HostCR3, vmx.Rdcr3()},
		{vmx.HostCR4, vmx.Rdcr4()},
		{vmx.HostFSBase, vmx.Rdmsr(vmx.MSRIA32FSBase)},
		{vmx.HostGSBase, vmx.Rdmsr(vmx.MSRIA32GSBase)},
		{vmx.HostTRBase, vmx.SegmentBase(hs.gdtBase, hs.tr)},
		{vmx.HostGDTRBase, hs.gdtBase},
		{vmx.HostIDTRBase, hs.idtBase},
		{vmx.HostRSP, hostRSP},
		{vmx.HostRIP, vmx.VMEntryPoint()},
	}
	for _, w := range writes {
		if errCode := vmx.Vmwrite64(w.field, w.val); errCode != 0 {
			return &hverr.HardwareFaultErr{Instruction: fmt.Sprintf("VMWRITE(host 0x%x)", w.field), VMInstrErr: uint32(errCode)}
		}
	}
	selectors := []struct {
		field uint32
		sel   uint16
	}{
		{vmx.HostCSSelector, hs.cs},
		{vmx.HostSSSelector, hs.ss},
		{vmx.HostDSSelector, hs.ds},
		{vmx.HostESSelector, hs.es},
		{vmx.HostFSSelector, hs.fs},
		{vmx.HostGSSelector, hs.gs},
		{vmx.HostTRSelector, hs.tr},
	}
	for _, s := range selectors {
		if errCode := vmx.Vmwrite16(s.field, s.sel&0xf8); errCode != 0 {
			return &hverr.HardwareFaultErr{Instruction: fmt.Sprintf("VMWRITE(host selector 0x%x)", s.field), VMInstrErr: uint32(errCode)}
		}
	}
	return nil
}

func (v *VCPU) populateGuestState(hs hostState, gsp, gip uint64) error {
	segSelectors := []struct {
		selField, limitField, arField uint32
		sel                           uint16
	}{
		{vmx.GuestCSSelector, vmx.GuestCSLimit, vmx.GuestCSARBytes, hs.cs},
		{vmx.GuestSSSelector, vmx.GuestSSLimit, vmx.GuestSSARBytes, hs.ss},
		{vmx.GuestDSSelector, vmx.GuestDSLimit, vmx.GuestDSARBytes, hs.ds},
		{vmx.GuestESSelector, vmx.GuestESLimit, vmx.GuestESARBytes, hs.es},
		{vmx.GuestFSSelector, vmx.GuestFSLimit, vmx.GuestFSARBytes, hs.fs},
		{vmx.GuestGSSelector, vmx.GuestGSLimit, vmx.GuestGSARBytes, hs.gs},
		{vmx.GuestLDTRSelector, vmx.GuestLDTRLimit, vmx.GuestLDTRARBytes, hs.ldt},
		{vmx.GuestTRSelector, vmx.GuestTRLimit, vmx.GuestTRARBytes, hs.tr},
	}
	for _, s := range segSelectors {
		if errCode := vmx.Vmwrite16(s.selField, s.sel); errCode != 0 {
			return &hverr.HardwareFaultErr{Instruction: "VMWRITE(guest selector)", VMInstrErr: uint32(errCode)}
		}
		if errCode := vmx.Vmwrite32(s.limitField, vmx.SegmentLimit(s.sel)); errCode != 0 {
			return &hverr.HardwareFaultErr{Instruction: "VMWRITE(guest limit)", VMInstrErr: uint32(errCode)}
		}
		if errCode := vmx.Vmwrite32(s.arField, accessRight(s.sel, vmx.Lar)); errCode != 0 {
			return &hverr.HardwareFaultErr{Instruction: "VMWRITE(guest AR)", VMInstrErr: uint32(errCode)}
		}
	}

	// CS/SS/DS/ES are flat (base 0) in long mode; FS/GS carry a real base
	// via their MSRs; LDTR/TR decode theirs from the GDT descriptor
	// (original vcpu_run: GUEST_{ES,CS,SS,DS}_BASE written as 0,
	// GUEST_{FS,GS}_BASE from MSR_IA32_{FS,GS}_BASE, GUEST_{LDTR,TR}_BASE
	// via __segmentbase).
	bases := []struct {
		field uint32
		val   uint64
	}{
		{vmx.GuestESBase, 0},
		{vmx.GuestCSBase, 0},
		{vmx.GuestSSBase, 0},
		{vmx.GuestDSBase, 0},
		{vmx.GuestFSBase, vmx.Rdmsr(vmx.MSRIA32FSBase)},
		{vmx.GuestGSBase, vmx.Rdmsr(vmx.MSRIA32GSBase)},
		{vmx.GuestLDTRBase, vmx.SegmentBase(hs.gdtBase, hs.ldt)},
		{vmx.GuestTRBase, vmx.SegmentBase(hs.gdtBase, hs.tr)},
		{vmx.GuestGDTRBase, hs.gdtBase},
		{vmx.GuestIDTRBase, uint64(uintptr(v.idt))},
	}
	for _, b := range bases {
		if errCode := vmx.Vmwrite64(b.field, b.val); errCode != 0 {
			return &hverr.HardwareFaultErr{Instruction: fmt.Sprintf("VMWRITE(guest base 0x%x)", b.field), VMInstrErr: uint32(errCode)}
		}
	}
	if errCode := vmx.Vmwrite32(vmx.GuestGDTRLimit, uint32(hs.gdtLimit)); errCode != 0 {
		return &hverr.HardwareFaultErr{Instruction: "VMWRITE(guest GDTR limit)", VMInstrErr: uint32(errCode)}
	}
	if errCode := vmx.Vmwrite32(vmx.GuestIDTRLimit, uint32(hs.idtLimit)); errCode != 0 {
		return &hverr.HardwareFaultErr{Instruction: "VMWRITE(guest IDTR limit)", VMInstrErr: uint32(errCode)}
	}

	writes64 := []struct {
		field uint32
		val   uint64
	}{
		{vmx.GuestCR0, vmx.Rdcr0()},
		{vmx.GuestCR3, vmx.Rdcr3()},
		{vmx.GuestCR4, vmx.Rdcr4()},
		{vmx.GuestDR7, vmx.Rddr7()},
		{vmx.GuestRSP, gsp},
		{vmx.GuestRIP, gip},
		{vmx.GuestRFLAGS, vmx.Rdeflags()},
		{vmx.VEInfoAddress, uint64(v.veInfoPA)},
		{vmx.PMLAddress, uint64(v.pmlPA)},
	}
	for _, w := range writes64 {
		if errCode := vmx.Vmwrite64(w.field, w.val); errCode != 0 {
			return &hverr.HardwareFaultErr{Instruction: fmt.Sprintf("VMWRITE(guest 0x%x)", w.field), VMInstrErr: uint32(errCode)}
		}
	}
	if errCode := vmx.Vmwrite32(vmx.GuestActivityState, 0); errCode != 0 {
		return &hverr.HardwareFaultErr{Instruction: "VMWRITE(activity state)", VMInstrErr: uint32(errCode)}
	}
	if errCode := vmx.Vmwrite32(vmx.GuestInterruptibility, 0); errCode != 0 {
		return &hverr.HardwareFaultErr{Instruction: "VMWRITE(interruptibility)", VMInstrErr: uint32(errCode)}
	}
	return nil
}
