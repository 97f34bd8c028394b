package violation

import (
	"testing"

	"hypercore/internal/ept"
	"hypercore/internal/memory"
)

type fixedHierarchies struct {
	h *ept.Hierarchy
}

func (f fixedHierarchies) HierarchyAt(i int) *ept.Hierarchy { return f.h }

type staticHook struct{ target int }

func (s staticHook) SelectHierarchy(current int, ar, ac uint8) int { return s.target }

type mapHooks map[uint64]Hook

func (m mapHooks) Find(gva uint64) (Hook, bool) {
	h, ok := m[gva]
	return h, ok
}

type funcSandbox func(cpl int, gpa, gva, cr3 uint64, current int, ar, ac uint8) (bool, int, bool)

func (f funcSandbox) Handle(cpl int, gpa, gva, cr3 uint64, current int, ar, ac uint8) (bool, int, bool) {
	return f(cpl, gpa, gva, cr3, current, ar, ac)
}

func newHierarchy(t *testing.T) *ept.Hierarchy {
	t.Helper()
	h, err := ept.NewHierarchy(memory.NewFake(), false)
	if err != nil {
		t.Fatalf("NewHierarchy: %v", err)
	}
	return h
}

func TestClassifyAbsentMappingMaterializes(t *testing.T) {
	h := newHierarchy(t)
	defer h.Free()

	c := &Classifier{}
	desc := Descriptor{Gpa: 0x4000, CurrentIndex: 0, AccessPresent: 0}
	v, err := c.Classify(desc, fixedHierarchies{h})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !v.Handled || v.Invalidate {
		t.Errorf("want handled, no invalidate: %+v", v)
	}
	if _, ok := h.Lookup(0x4000); !ok {
		t.Errorf("expected mapping to be materialized")
	}
}

func TestClassifyHookTakesPrecedenceOverSandbox(t *testing.T) {
	h := newHierarchy(t)
	defer h.Free()

	sandboxCalled := false
	c := &Classifier{
		Hooks: mapHooks{0x1000: staticHook{target: 2}},
		Sandbox: funcSandbox(func(cpl int, gpa, gva, cr3 uint64, current int, ar, ac uint8) (bool, int, bool) {
			sandboxCalled = true
			return true, 9, true
		}),
	}
	desc := Descriptor{Gva: 0x1000, CurrentIndex: 0, AccessPresent: uint8(ept.AccessRead), AccessAttempt: uint8(ept.AccessWrite)}
	v, err := c.Classify(desc, fixedHierarchies{h})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !v.Handled || v.SwitchTo != 2 {
		t.Errorf("expected hook to win with switch-to 2, got %+v", v)
	}
	if sandboxCalled {
		t.Errorf("sandbox should not be consulted once a hook claims the violation")
	}
}

func TestClassifySandboxFallback(t *testing.T) {
	h := newHierarchy(t)
	defer h.Free()

	c := &Classifier{
		Sandbox: funcSandbox(func(cpl int, gpa, gva, cr3 uint64, current int, ar, ac uint8) (bool, int, bool) {
			return true, 3, true
		}),
	}
	desc := Descriptor{Gva: 0x2000, CurrentIndex: 0, AccessPresent: uint8(ept.AccessRead)}
	v, err := c.Classify(desc, fixedHierarchies{h})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !v.Handled || v.SwitchTo != 3 || !v.Invalidate {
		t.Errorf("expected sandbox verdict to flow through: %+v", v)
	}
}

func TestClassifyUnhandledWhenNothingClaims(t *testing.T) {
	h := newHierarchy(t)
	defer h.Free()

	c := &Classifier{}
	desc := Descriptor{Gva: 0x5000, CurrentIndex: 1, AccessPresent: uint8(ept.AccessRead), AccessAttempt: uint8(ept.AccessWrite)}
	v, err := c.Classify(desc, fixedHierarchies{h})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if v.Handled {
		t.Errorf("expected unhandled verdict, got %+v", v)
	}
	if v.SwitchTo != desc.CurrentIndex {
		t.Errorf("unhandled verdict should report current index unchanged")
	}
}
