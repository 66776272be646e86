package vmm

import "github.com/MonstersEntmt/secureos/kernel/mem/pmm"

// rangeState is the tag in the range-table state machine: every virtual
// range a VAM knows about is in exactly one of these states at any time.
type rangeState uint8

const (
	// RangeFree is unreserved address space available to Alloc/AllocAt.
	RangeFree rangeState = iota
	// RangeSubTable marks a huge-page (2 MiB/1 GiB) auto-commit reservation:
	// the range is reserved at its size class's granularity but no leaf
	// entry has been installed at any page-table level yet. Produced by
	// Alloc/AllocAt when called with autoCommit set and a size class above
	// SizeClass4KiB. No exported VAM operation promotes it to RangeMapped:
	// Map and MapLinear only accept RangeFree targets, and Protect records
	// the new protection without installing a leaf.
	RangeSubTable
	// RangeMapped is backed by physical frames right now.
	RangeMapped
	// RangeUnmapped was mapped once but has been explicitly torn down
	// without returning the address range to the free list (reserved,
	// not currently producible by any exported VAM operation).
	RangeUnmapped
	// RangeAutoCommit is reserved address space with no backing frames
	// yet; a future demand-paging fault handler would promote it to
	// RangeMapped on first touch. No such handler is wired in this tree
	// (see DESIGN.md), and no exported VAM operation backs them either:
	// Map and MapLinear only accept RangeFree targets and Protect rejects
	// AutoCommit ranges, so they stay unbacked until freed.
	RangeAutoCommit
	// RangePagedToDisk marks a range evicted to backing store; reserved
	// for a future swap implementation.
	RangePagedToDisk
)

// RangeProtect is the access-protection attribute carried by a non-free range.
type RangeProtect uint8

const (
	ProtectRO RangeProtect = iota
	ProtectRW
	ProtectRX
	ProtectRWX
)

// rangeDescriptor is one node of two overlapping lists kept by a VAM: an
// address-ordered list (addrPrev/addrNext) that partitions the entire
// address space with no gaps, and, for nodes currently RangeFree, a
// size-bucketed free list (freePrev/freeNext) that lets Alloc find a
// large-enough range without scanning the whole address-ordered list.
type rangeDescriptor struct {
	owner     pmm.Frame // slab page this descriptor slot was carved from
	state     rangeState
	protect   RangeProtect
	sizeClass SizeClass // page granularity a RangeMapped/RangeSubTable range was committed at
	start     Page
	length    uint64 // pages

	// frame is the first backing physical frame for a RangeMapped range
	// that the VAM itself owns (and must hand back to the PPA on Free).
	// InvalidFrame for AutoCommit ranges and for Mapped ranges installed
	// via MapLinear against externally-owned (e.g. MMIO) frames.
	frame pmm.Frame

	addrPrev, addrNext *rangeDescriptor
	freePrev, freeNext *rangeDescriptor
}

func (d *rangeDescriptor) end() Page {
	return d.start + Page(d.length)
}
