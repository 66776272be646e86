package vmm

import (
	"unsafe"

	"github.com/MonstersEntmt/secureos/kernel/mem"
)

// ptePtrFn returns a pointer to the supplied entry address. Tests override it
// to redirect a walk onto a fake, heap-allocated page-table tree.
var ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
	return unsafe.Pointer(entryAddr)
}

// pageTableWalker is invoked by walk with the page table entry that
// corresponds to each page level in turn. Returning false aborts the walk.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page-table walk for virtAddr, invoking walkFn once per
// level using the recursive-mapping trick installed by PageDirectoryTable.Init.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
	)

	for level, tableAddr = uint8(0), pdtVirtualAddr; level < pageLevels; level, tableAddr = level+1, entryAddr {
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr = tableAddr + (entryIndex << mem.PointerShift)

		if !walkFn(level, (*pageTableEntry)(ptePtrFn(entryAddr))) {
			return
		}

		entryAddr <<= pageLevelBits[level]
	}
}
