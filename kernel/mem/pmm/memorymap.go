package pmm

import "github.com/MonstersEntmt/secureos/kernel/mem"

// MemoryMapType classifies a memory-map entry. Bit 0 signals "usable now":
// the PPA reclaims Usable entries immediately at Init and Reclaimable /
// LoaderReclaimable entries later, via Reclaim.
type MemoryMapType uint32

const (
	MemoryUsable            MemoryMapType = 0x01
	MemoryReclaimable       MemoryMapType = 0x11
	MemoryLoaderReclaimable MemoryMapType = 0x21
	MemoryTaken             MemoryMapType = 0x02
	MemoryNullGuard         MemoryMapType = 0x12
	MemoryTrampoline        MemoryMapType = 0x22
	MemoryKernel            MemoryMapType = 0x04
	MemoryModule            MemoryMapType = 0x14
	MemoryPMM               MemoryMapType = 0x24
	MemoryReserved          MemoryMapType = 0x08
	MemoryACPI              MemoryMapType = 0x18
	MemoryNVS               MemoryMapType = 0x28
)

// Usable reports whether bit 0 ("usable now") is set for this entry type.
func (t MemoryMapType) Usable() bool {
	return t&MemoryUsable != 0
}

// MemoryMapEntry describes one region of the boot memory map.
type MemoryMapEntry struct {
	// Start is the page-aligned physical start address of the region.
	Start uint64
	// Size is the page-aligned size of the region, in bytes.
	Size uint64
	Type MemoryMapType
}

func (e MemoryMapEntry) pageCount() uint64 {
	return e.Size / uint64(mem.PageSize)
}

func (e MemoryMapEntry) end() uint64 {
	return e.Start + e.Size
}

// MemoryMapGetter is the boot-to-PPA memory map callback protocol:
// next(userdata, i, &out_entry) -> bool. i ranges over [0, count). A false
// return means the entry could not be retrieved.
type MemoryMapGetter func(i uint64, out *MemoryMapEntry) bool
