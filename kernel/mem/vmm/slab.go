package vmm

import (
	"math/bits"
	"unsafe"

	"github.com/MonstersEntmt/secureos/kernel"
	"github.com/MonstersEntmt/secureos/kernel/mem"
	"github.com/MonstersEntmt/secureos/kernel/mem/pmm"
)

// descriptorsPerSlab is the number of rangeDescriptor slots carried by a
// single slab page, tracked by a 128-bit occupancy bitmap (one bit per
// slot, with a handful of high bits unused filler).
const descriptorsPerSlab = 127

var errSlabCorrupt = &kernel.Error{Module: "vmm", Message: "descriptor slab occupancy bitmap is inconsistent"}

// slabPage is the layout of one descriptor slab allocation: an occupancy
// bitmap, the descriptor slots themselves, and chain pointers so a
// descriptorSlab can keep pages with free slots separate from full ones.
type slabPage struct {
	occupied    [2]uint64
	descriptors [descriptorsPerSlab]rangeDescriptor
	next, prev  pmm.Frame
}

// slabPageFrames is the number of contiguous page frames one slabPage needs.
var slabPageFrames = (uint64(unsafe.Sizeof(slabPage{})) + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)

func slabPageAt(f pmm.Frame) *slabPage {
	return (*slabPage)(unsafe.Pointer(f.Address()))
}

// descriptorSlab hands out rangeDescriptor storage for one VAM's range
// table. It keeps two chains of slab pages — partial (at least one free
// slot) and full — moving a page between them as slots are claimed and
// released, mirroring in spirit the PPA's own size-bucketed free list but
// over fixed-size slots instead of variable-length frame runs.
type descriptorSlab struct {
	allocFrames func() (pmm.Frame, *kernel.Error)
	partial     pmm.Frame
	full        pmm.Frame
}

func (s *descriptorSlab) init(allocFrames func() (pmm.Frame, *kernel.Error)) {
	s.allocFrames = allocFrames
	s.partial = pmm.InvalidFrame
	s.full = pmm.InvalidFrame
}

func (s *descriptorSlab) grow() *kernel.Error {
	f, err := s.allocFrames()
	if err != nil {
		return err
	}

	mem.Memset(f.Address(), 0, mem.Size(slabPageFrames*uint64(mem.PageSize)))
	page := slabPageAt(f)
	page.next = s.partial
	page.prev = pmm.InvalidFrame
	if s.partial.IsValid() {
		slabPageAt(s.partial).prev = f
	}
	s.partial = f
	return nil
}

// alloc returns a zeroed rangeDescriptor slot.
func (s *descriptorSlab) alloc() (*rangeDescriptor, *kernel.Error) {
	if !s.partial.IsValid() {
		if err := s.grow(); err != nil {
			return nil, err
		}
	}

	f := s.partial
	page := slabPageAt(f)

	slot, ok := firstClearSlot(page.occupied)
	if !ok {
		return nil, errSlabCorrupt
	}
	setSlotBit(&page.occupied, slot, true)

	page.descriptors[slot] = rangeDescriptor{owner: f}

	if allSlotsSet(page.occupied) {
		unlinkSlabPage(&s.partial, f)
		linkSlabPage(&s.full, f)
	}

	return &page.descriptors[slot], nil
}

// free releases a descriptor previously returned by alloc.
func (s *descriptorSlab) free(d *rangeDescriptor) {
	f := d.owner
	page := slabPageAt(f)
	slot := (uintptr(unsafe.Pointer(d)) - uintptr(unsafe.Pointer(&page.descriptors[0]))) / unsafe.Sizeof(rangeDescriptor{})

	wasFull := allSlotsSet(page.occupied)
	setSlotBit(&page.occupied, uint64(slot), false)

	if wasFull {
		unlinkSlabPage(&s.full, f)
		linkSlabPage(&s.partial, f)
	}
}

func firstClearSlot(bm [2]uint64) (uint64, bool) {
	if inv := ^bm[0]; inv != 0 {
		return uint64(bits.TrailingZeros64(inv)), true
	}
	if tz := bits.TrailingZeros64(^bm[1]); tz < descriptorsPerSlab-64 {
		return uint64(64 + tz), true
	}
	return 0, false
}

func setSlotBit(bm *[2]uint64, i uint64, v bool) {
	word, mask := i/64, uint64(1)<<(i%64)
	if v {
		bm[word] |= mask
	} else {
		bm[word] &^= mask
	}
}

func allSlotsSet(bm [2]uint64) bool {
	highBits := uint(descriptorsPerSlab - 64)
	highMask := (uint64(1) << highBits) - 1
	return bm[0] == ^uint64(0) && bm[1]&highMask == highMask
}

func linkSlabPage(head *pmm.Frame, f pmm.Frame) {
	page := slabPageAt(f)
	page.prev = pmm.InvalidFrame
	page.next = *head
	if (*head).IsValid() {
		slabPageAt(*head).prev = f
	}
	*head = f
}

func unlinkSlabPage(head *pmm.Frame, f pmm.Frame) {
	page := slabPageAt(f)
	if page.prev.IsValid() {
		slabPageAt(page.prev).next = page.next
	} else {
		*head = page.next
	}
	if page.next.IsValid() {
		slabPageAt(page.next).prev = page.prev
	}
}
