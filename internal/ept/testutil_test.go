package ept

import (
	"unsafe"

	"hypercore/internal/memory"
)

// failingAllocator wraps another allocator and fails every AllocPage call
// from the failAfter-th one onward (1-indexed), to exercise unwind-on-
// partial-failure paths (spec.md testable property 2, scenario S6).
type failingAllocator struct {
	memory.Allocator
	failAfter int
	calls     int
}

func (f *failingAllocator) AllocPage() (unsafe.Pointer, bool) {
	f.calls++
	if f.calls >= f.failAfter {
		return nil, false
	}
	return f.Allocator.AllocPage()
}
