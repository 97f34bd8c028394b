// Package diag provides the module's ambient logging and the
// disassembly-augmented diagnostics attached to an unhandled violation or
// hardware fault, per spec.md §7.
package diag

import (
	"fmt"
	"os"

	"golang.org/x/arch/x86/x86asm"
)

// Logf writes a single unstructured log line, prefixed like the teacher's
// plain fmt.Printf console logging (e.g. mem.Phys_init's
// "Reserved %v pages (%vMB)\n").
func Logf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "[hv] "+format+"\n", args...)
}

// Panicf logs then panics with the same message, for conditions spec.md
// §7 calls genuinely unrecoverable (an Unhandled violation in non-root
// mode).
func Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	Logf("%s", msg)
	panic(msg)
}

// Decode disassembles the single instruction at the start of code
// (a guest-memory snapshot taken at the faulting RIP) and returns its
// GNU-syntax mnemonic, or an error string if the bytes do not decode to a
// valid instruction. Used to append instruction context to an Unhandled
// violation's log line and panic message, which the original's
// KSM_PANIC(..., rip, gpa) could not provide.
func Decode(code []byte, mode int) string {
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return fmt.Sprintf("<undecodable: %v>", err)
	}
	return x86asm.GNUSyntax(inst, 0, nil)
}

// ViolationContext logs an EPT violation at the given rip/gpa, with
// instruction context if code is non-empty.
func ViolationContext(rip, gpa uint64, code []byte) {
	if len(code) == 0 {
		Logf("violation rip=0x%x gpa=0x%x", rip, gpa)
		return
	}
	Logf("violation rip=0x%x gpa=0x%x instr=%q", rip, gpa, Decode(code, 64))
}
