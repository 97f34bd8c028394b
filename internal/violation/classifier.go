// Package violation implements the violation classifier (spec component
// C5): given a VM-exit or virtualization-exception descriptor, it decides
// whether to materialize a mapping, switch hierarchies, invalidate the
// TLB, or escalate, per the ordered rules in spec.md §4.4.
package violation

import "hypercore/internal/ept"

// Origin names which of the two mutually-exclusive execution modes a
// violation was observed in, per spec.md §5: VM-exit runs in root mode,
// the #VE IDT vector runs in non-root (guest) mode.
type Origin int

const (
	OriginRoot Origin = iota
	OriginNonRoot
)

// Descriptor is the information common to both a VM-exit EPT-violation
// exit qualification and a #VE info page, per spec.md §4.4.
type Descriptor struct {
	Rip            uint64
	Cpl            int
	Gpa            uint64
	Gva            uint64
	Cr3            uint64
	CurrentIndex   int
	AccessPresent  uint8 // AR: access bits present before the fault
	AccessAttempt  uint8 // AC: access attempted by the faulting instruction
	Origin         Origin
}

// Verdict is the classifier's decision.
type Verdict struct {
	Handled    bool
	SwitchTo   int
	Invalidate bool
}

// Mapper is the subset of *ept.Hierarchy the classifier needs: the
// ability to materialize an absent mapping for rule 1.
type Mapper interface {
	Map(access ept.Access, gpa, hpa uint64) error
}

// HierarchyProvider resolves a pool slot index to its hierarchy, letting
// the classifier call Map on "the current hierarchy" without depending on
// *ept.Pool directly.
type HierarchyProvider interface {
	HierarchyAt(index int) *ept.Hierarchy
}

// Hook is a single registered page hook: given the current hierarchy
// index and the fault's access bits, it names the hierarchy to switch to.
type Hook interface {
	SelectHierarchy(current int, ar, ac uint8) int
}

// HookCollaborator is the optional page-hook policy collaborator named in
// spec.md §6. Find returns ok=false if gva is not hooked.
type HookCollaborator interface {
	Find(gva uint64) (hook Hook, ok bool)
}

// SandboxCollaborator is the optional sandbox policy collaborator named
// in spec.md §6.
type SandboxCollaborator interface {
	Handle(cpl int, gpa, gva, cr3 uint64, current int, ar, ac uint8) (claimed bool, switchTo int, invalidate bool)
}

// Classifier evaluates the ordered decision rules of spec.md §4.4.
// Hooks and Sandbox may be nil; an absent collaborator is treated as
// never claiming a violation, matching the original's #ifdef-gated
// compilation.
type Classifier struct {
	Hooks   HookCollaborator
	Sandbox SandboxCollaborator
}

// Classify evaluates desc against hierarchies and returns the decision.
// Rule 1 (absent mapping) may return a non-nil error only if the
// materializing Map call itself fails (allocator exhaustion); the error
// is not part of the ordinary {handled,switch,invalidate} contract and
// must be propagated as OutOfMemory by the caller.
func (c *Classifier) Classify(desc Descriptor, hierarchies HierarchyProvider) (Verdict, error) {
	// Rule 1: absent mapping.
	if desc.AccessPresent == 0 {
		h := hierarchies.HierarchyAt(desc.CurrentIndex)
		if err := h.Map(ept.AccessRWX, desc.Gpa, desc.Gpa); err != nil {
			return Verdict{}, err
		}
		// The prior mapping was absent and cannot be cached; no
		// invalidation is required for a fresh materialization.
		return Verdict{Handled: true, SwitchTo: desc.CurrentIndex, Invalidate: false}, nil
	}

	// Rule 2: page-hook.
	if c.Hooks != nil {
		if hook, ok := c.Hooks.Find(desc.Gva); ok {
			target := hook.SelectHierarchy(desc.CurrentIndex, desc.AccessPresent, desc.AccessAttempt)
			return Verdict{Handled: true, SwitchTo: target}, nil
		}
	}

	// Rule 3: sandbox.
	if c.Sandbox != nil {
		if claimed, switchTo, invalidate := c.Sandbox.Handle(desc.Cpl, desc.Gpa, desc.Gva, desc.Cr3, desc.CurrentIndex, desc.AccessPresent, desc.AccessAttempt); claimed {
			return Verdict{Handled: true, SwitchTo: switchTo, Invalidate: invalidate}, nil
		}
	}

	// Rule 4: otherwise, escalate.
	return Verdict{Handled: false, SwitchTo: desc.CurrentIndex}, nil
}
