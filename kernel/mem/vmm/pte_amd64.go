package vmm

import "math"

const (
	// pageLevels is the number of page-table levels walked to resolve a
	// virtual address on amd64 (PML4, PDPT, PD, PT).
	pageLevels = 4

	// ptePhysPageMask extracts the physical frame address encoded in a page
	// table entry; bits 12-51 carry it.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// tempMappingAddr is a reserved virtual page used for temporary
	// physical page mappings (e.g. to initialize an inactive PDT). It
	// decodes to table indices 510, 511, 511, 511.
	tempMappingAddr = uintptr(0xffffff7ffffff000)
)

var (
	// pdtVirtualAddr exploits the recursive mapping installed at the last
	// PDT entry of every page directory: setting every page-level index to
	// 511 (all bits 1) keeps the MMU following that last entry at each level, landing on
	// the PDT itself.
	pdtVirtualAddr = uintptr(math.MaxUint64 &^ ((1 << 12) - 1))

	// pageLevelBits is the number of virtual address bits consumed at each
	// page level; 9 bits select one of 512 entries per table.
	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	// pageLevelShifts is the shift required to extract each page level's
	// index component from a virtual address.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

// SizeClass selects the page granularity an Alloc/AllocAt request should be
// satisfied with, matching spec's 4-bit flag-field encoding
// (4KiB=0, 2MiB=1, 1GiB=2).
type SizeClass uint8

const (
	SizeClass4KiB SizeClass = iota
	SizeClass2MiB
	SizeClass1GiB
)

// sizeClassPages is the number of 4 KiB pages a single unit of each size
// class covers: one page-table-level index (9 bits) further down means 512x
// more pages per unit.
var sizeClassPages = [...]uint64{
	SizeClass4KiB: 1,
	SizeClass2MiB: 1 << pageLevelBits[3],
	SizeClass1GiB: 1 << (pageLevelBits[3] + pageLevelBits[2]),
}

// pageLevelForSizeClass returns the paging level a mapping of this size
// class terminates at: the PT level (leaf) for 4 KiB, the PD level for
// 2 MiB, the PDPT level for 1 GiB.
func pageLevelForSizeClass(sc SizeClass) uint8 {
	return pageLevels - 1 - uint8(sc)
}

const (
	// FlagPresent is set when the page is resident and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code may access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents caching of this page when set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU the first time the page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when the page is written to.
	FlagDirty

	// FlagHugePage marks a 2MiB (or 1GiB) page instead of a 4KiB one.
	FlagHugePage

	// FlagGlobal exempts the page from TLB flushes across a PDT switch.
	FlagGlobal

	// FlagCopyOnWrite marks a page for lazy copy semantics; mutually
	// exclusive with FlagRW. Reserved for a future paged-to-disk /
	// on-demand-copy extension; not set by any current VAM operation.
	FlagCopyOnWrite = 1 << 9

	// FlagNoExecute marks a page as non-executable.
	FlagNoExecute = 1 << 63
)
