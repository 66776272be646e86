// Package pmm implements the physical page allocator (PPA): an O(1)-hot-path
// frame allocator for a flat physical address space, backed by a bitmap of
// frame state and a size-indexed free-range list whose descriptors are
// stored inside the free frames themselves.
package pmm

import (
	"math"

	"github.com/MonstersEntmt/secureos/kernel/mem"
)

// Frame describes a physical memory page index. The physical address of a
// frame is Frame << mem.PageShift.
type Frame uint64

// InvalidFrame is returned by allocation calls that fail to reserve a frame.
const InvalidFrame = Frame(math.MaxUint64)

// IsValid returns true if this is not the InvalidFrame sentinel.
func (f Frame) IsValid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of this frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}

// FrameFromAddress returns the Frame containing the given physical address,
// rounding down to the containing frame if addr is not page-aligned.
func FrameFromAddress(addr uintptr) Frame {
	return Frame(addr >> mem.PageShift)
}
