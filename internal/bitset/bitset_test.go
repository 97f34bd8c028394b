package bitset

import "testing"

func TestSetClearTest(t *testing.T) {
	s := New(130)
	if s.Test(64) {
		t.Errorf("bit 64 should start clear")
	}
	s.Set(64)
	if !s.Test(64) {
		t.Errorf("bit 64 should be set")
	}
	s.Clear(64)
	if s.Test(64) {
		t.Errorf("bit 64 should be clear again")
	}
}

func TestFindFirstZeroIsZeroBased(t *testing.T) {
	s := New(8)
	if got := s.FindFirstZero(8); got != 0 {
		t.Errorf("empty set: want 0, got %d", got)
	}
	s.Set(0)
	s.Set(1)
	if got := s.FindFirstZero(8); got != 2 {
		t.Errorf("want 2, got %d", got)
	}
}

func TestFindFirstSetTieBreakLowestIndex(t *testing.T) {
	s := New(8)
	s.Set(5)
	s.Set(3)
	if got := s.FindFirstSet(8); got != 3 {
		t.Errorf("want lowest set index 3, got %d", got)
	}
}

func TestFindBoundedByBound(t *testing.T) {
	s := New(8)
	for i := 0; i < 8; i++ {
		s.Set(i)
	}
	if got := s.FindFirstZero(8); got != 8 {
		t.Errorf("full set: want bound 8, got %d", got)
	}
	// a bit past the bound must not be considered even if clear.
	s.Clear(7)
	if got := s.FindFirstZero(4); got != 4 {
		t.Errorf("clear bit outside bound must not be found: got %d", got)
	}
}

func TestFindFirstSetAcrossWordBoundary(t *testing.T) {
	s := New(200)
	s.Set(130)
	if got := s.FindFirstSet(200); got != 130 {
		t.Errorf("want 130, got %d", got)
	}
}

func TestOutOfRangePanics(t *testing.T) {
	s := New(4)
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic on out-of-range access")
		}
	}()
	s.Set(4)
}
