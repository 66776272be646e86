package multiboot

import "github.com/MonstersEntmt/secureos/kernel/mem/pmm"

// maxMemoryMapEntries bounds the static buffer PMMMemoryMap collects into.
// This runs before the PPA exists, so it cannot grow a slice with append;
// a fixed-size array is the freestanding-safe equivalent of the bootloader's
// own (similarly bounded) memory map.
const maxMemoryMapEntries = 64

var memMapBuf [maxMemoryMapEntries]pmm.MemoryMapEntry

// PMMMemoryMap walks the bootloader-supplied memory map once, translating
// each entry into pmm's own MemoryMapEntry/MemoryMapType vocabulary, and
// returns a pmm.MemoryMapGetter closure over the result together with the
// entry count — ready to hand to pmm.PPA.Init.
//
// The bootloader has no notion of where the kernel image itself was loaded,
// so any Usable entry that overlaps [kernelStart, kernelEnd) is split around
// a MemoryKernel entry covering exactly that range; this is the one piece of
// information the raw multiboot map cannot supply on its own.
func PMMMemoryMap(kernelStart, kernelEnd uint64) (pmm.MemoryMapGetter, uint64) {
	var count uint64

	emit := func(start, size uint64, t pmm.MemoryMapType) {
		if size == 0 || count >= maxMemoryMapEntries {
			return
		}
		memMapBuf[count] = pmm.MemoryMapEntry{Start: start, Size: size, Type: t}
		count++
	}

	VisitMemRegions(func(e *MemoryMapEntry) bool {
		t := translateMemType(e.Type)
		start, end := e.PhysAddress, e.PhysAddress+e.Length

		if t != pmm.MemoryUsable || kernelEnd <= start || kernelStart >= end {
			emit(start, e.Length, t)
			return count < maxMemoryMapEntries
		}

		if kernelStart > start {
			emit(start, kernelStart-start, t)
		}
		emit(kernelStart, kernelEnd-kernelStart, pmm.MemoryKernel)
		if kernelEnd < end {
			emit(kernelEnd, end-kernelEnd, t)
		}
		return count < maxMemoryMapEntries
	})

	return func(i uint64, out *pmm.MemoryMapEntry) bool {
		if i >= count {
			return false
		}
		*out = memMapBuf[i]
		return true
	}, count
}

func translateMemType(t MemoryEntryType) pmm.MemoryMapType {
	switch t {
	case MemAvailable:
		return pmm.MemoryUsable
	case MemAcpiReclaimable:
		return pmm.MemoryReclaimable
	case MemNvs:
		return pmm.MemoryNVS
	default:
		return pmm.MemoryReserved
	}
}
