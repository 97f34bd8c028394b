// Package hverr defines the error taxonomy shared by every core component,
// per the error handling design: OutOfMemory and Exhausted cause cascading
// rollback, Unsupported aborts vCPU launch gracefully, HardwareFault carries
// the VM-instruction-error diagnostic code, and Unhandled carries the
// faulting rip/gpa for the panic or dispatcher fallthrough that follows it.
package hverr

import "fmt"

// OutOfMemory is returned when the page allocator façade cannot satisfy a
// request. Callers must unwind every partial allocation synchronously.
var OutOfMemory = fmt.Errorf("hypercore: out of memory")

// Exhausted is returned when the EPT pointer pool has no free slot.
var Exhausted = fmt.Errorf("hypercore: pointer pool exhausted")

// UnsupportedErr describes a required VMX control that the platform will
// not allow us to set.
type UnsupportedErr struct {
	Control string
	Want    uint32
	Allowed uint32
}

func (e *UnsupportedErr) Error() string {
	return fmt.Sprintf("hypercore: control %s requires 0x%x but platform allows 0x%x", e.Control, e.Want, e.Allowed)
}

// HardwareFaultErr wraps a non-zero return from a VMX instruction, carrying
// the VM_INSTRUCTION_ERROR diagnostic read immediately afterward.
type HardwareFaultErr struct {
	Instruction string
	VMInstrErr  uint32
}

func (e *HardwareFaultErr) Error() string {
	return fmt.Sprintf("hypercore: %s failed, VM_INSTRUCTION_ERROR=%d", e.Instruction, e.VMInstrErr)
}

// UnhandledErr describes a violation the classifier could not resolve. In
// non-root mode this is fatal; in root mode the caller may fall through to
// further exit handlers.
type UnhandledErr struct {
	Rip uint64
	Gpa uint64
}

func (e *UnhandledErr) Error() string {
	return fmt.Sprintf("hypercore: unhandled violation at rip=0x%x gpa=0x%x", e.Rip, e.Gpa)
}
