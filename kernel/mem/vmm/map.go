package vmm

import (
	"unsafe"

	"github.com/MonstersEntmt/secureos/kernel"
	"github.com/MonstersEntmt/secureos/kernel/mem"
	"github.com/MonstersEntmt/secureos/kernel/mem/pmm"
)

var (
	// nextAddrFn is used by used by tests to override the nextTableAddr
	// calculations used by Map. When compiling the kernel this function
	// will be automatically inlined.
	nextAddrFn = func(entryAddr uintptr) uintptr {
		return entryAddr
	}

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = flushTLBEntry

	// errHugePageConflict is returned when a walk headed for stopLevel runs
	// into an already-present huge-page leaf at an earlier level: the
	// requested page size does not match what is actually mapped there.
	errHugePageConflict = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped with a larger page size"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// mapLevel establishes a mapping between a virtual page and a physical memory
// frame, stopping the page-table descent at stopLevel instead of always
// walking to the leaf: stopLevel == pageLevels-1 installs an ordinary 4 KiB
// entry, while an earlier stopLevel installs a huge-page entry covering the
// 2 MiB (PD) or 1 GiB (PDPT) range that level addresses. Calls use the
// supplied physical frame allocator to initialize missing intermediate page
// tables.
func mapLevel(page Page, frame pmm.Frame, flags PageTableEntryFlag, stopLevel uint8, allocFn FrameAllocatorFn) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the requested level all we need to do is to map
		// the frame in place, flag it as present (and huge, if this is
		// not the leaf level) and flush its TLB entry.
		if pteLevel == stopLevel {
			*pte = 0
			pte.SetFrame(frame)
			leafFlags := FlagPresent | flags
			if stopLevel != pageLevels-1 {
				leafFlags |= FlagHugePage
			}
			pte.SetFlags(leafFlags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errHugePageConflict
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it map it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame pmm.Frame
			newTableFrame, err = allocFn()
			if err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			// The next pte entry becomes available but we need to
			// make sure that the new page is properly cleared
			nextTableAddr := (uintptr(unsafe.Pointer(pte)) << pageLevelBits[pteLevel+1])
			mem.Memset(nextAddrFn(nextTableAddr), 0, mem.PageSize)
		}

		return true
	})

	return err
}

// Map establishes an ordinary 4 KiB mapping between a virtual page and a
// physical memory frame using the currently active page directory table.
func Map(page Page, frame pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	return mapLevel(page, frame, flags, pageLevels-1, allocFn)
}

// MapHuge is Map's huge-page counterpart: level selects the paging level the
// descent stops at (see pageLevelForSizeClass), installing a huge leaf entry
// there instead of continuing down to a 4 KiB leaf.
func MapHuge(page Page, frame pmm.Frame, flags PageTableEntryFlag, level uint8, allocFn FrameAllocatorFn) *kernel.Error {
	return mapLevel(page, frame, flags, level, allocFn)
}

// MapTemporary establishes a temporary RW mapping of a physical memory frame
// to a fixed virtual address overwriting any previous mapping. The temporary
// mapping mechanism is primarily used by the kernel to access and initialize
// inactive page tables.
func MapTemporary(frame pmm.Frame, allocFn FrameAllocatorFn) (Page, *kernel.Error) {
	if err := Map(PageFromAddress(tempMappingAddr), frame, FlagRW, allocFn); err != nil {
		return 0, err
	}

	return PageFromAddress(tempMappingAddr), nil
}

// unmapLevel removes a mapping previously installed by mapLevel at the same
// stopLevel.
func unmapLevel(page Page, stopLevel uint8) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the requested level all we need to do is to set
		// the page as non-present and flush its TLB entry
		if pteLevel == stopLevel {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		// Next table is not present; this is an invalid mapping
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errHugePageConflict
			return false
		}

		return true
	})

	return err
}

// Unmap removes a 4 KiB mapping previously installed via a call to Map or
// MapTemporary.
func Unmap(page Page) *kernel.Error {
	return unmapLevel(page, pageLevels-1)
}

// UnmapHuge removes a huge-page mapping previously installed via MapHuge at
// the same level.
func UnmapHuge(page Page, level uint8) *kernel.Error {
	return unmapLevel(page, level)
}
