package sandbox

import "testing"

func TestHandleUnknownCr3FallsThrough(t *testing.T) {
	r := NewPolicy()
	claimed, _, _ := r.Handle(3, 0x1000, 0x1000, 0xCAFE, 0, 0, 0)
	if claimed {
		t.Errorf("unconfined cr3 should not be claimed")
	}
}

func TestHandleRoutesToBaseHierarchy(t *testing.T) {
	r := NewPolicy()
	r.Confine(Space{Cr3: 0x1, Hierarchy: 2})

	claimed, switchTo, invalidate := r.Handle(3, 0x5000, 0x5000, 0x1, 0, 0, 0)
	if !claimed || switchTo != 2 || !invalidate {
		t.Errorf("want claimed switch to 2 with invalidate, got claimed=%v switchTo=%d invalidate=%v", claimed, switchTo, invalidate)
	}
}

func TestHandleOverrideWins(t *testing.T) {
	r := NewPolicy()
	r.Confine(Space{
		Cr3:       0x1,
		Hierarchy: 2,
		Overrides: []Override{{Start: 0x4000, End: 0x5000, Hierarchy: 5}},
	})

	claimed, switchTo, _ := r.Handle(3, 0x4500, 0x4500, 0x1, 2, 0, 0)
	if !claimed || switchTo != 5 {
		t.Errorf("want override hierarchy 5, got switchTo=%d claimed=%v", switchTo, claimed)
	}

	claimed, switchTo, invalidate := r.Handle(3, 0x9000, 0x9000, 0x1, 2, 0, 0)
	if !claimed || switchTo != 2 || invalidate {
		t.Errorf("outside override should stay on base hierarchy with no switch: switchTo=%d invalidate=%v", switchTo, invalidate)
	}
}

func TestReleaseStopsClaiming(t *testing.T) {
	r := NewPolicy()
	r.Confine(Space{Cr3: 0x1, Hierarchy: 1})
	r.Release(0x1)
	if claimed, _, _ := r.Handle(3, 0x1000, 0x1000, 0x1, 0, 0, 0); claimed {
		t.Errorf("expected released cr3 to no longer be claimed")
	}
}
