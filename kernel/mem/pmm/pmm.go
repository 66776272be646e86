package pmm

import (
	"reflect"
	"unsafe"

	"github.com/MonstersEntmt/secureos/kernel"
	"github.com/MonstersEntmt/secureos/kernel/mem"
)

var (
	errInvalidMemoryMap = &kernel.Error{Module: "pmm", Message: "boot memory map entry could not be retrieved"}
	errMapNotSorted     = &kernel.Error{Module: "pmm", Message: "boot memory map is not sorted by start address"}
	errMapMisaligned    = &kernel.Error{Module: "pmm", Message: "boot memory map entry is not page-aligned"}
	errLowMemoryTaken   = &kernel.Error{Module: "pmm", Message: "first three physical pages are not entirely free"}
	errNoSelfDescriptor = &kernel.Error{Module: "pmm", Message: "no usable region large enough to host the PPA bitmap"}

	// ErrOutOfFrames is returned when an allocation request cannot be
	// satisfied by any free run.
	ErrOutOfFrames = &kernel.Error{Module: "pmm", Message: "out of frames"}
)

// guardBytes is the size, in bytes, of the reserved null-guard ([0,0x1000))
// plus trampoline ([0x1000,0x3000)) region that must be entirely free at
// Init and is withdrawn from consideration before any sizing decision.
const guardBytes = 3 * uint64(mem.PageSize)

// Stats is the PPA footprint/usage snapshot returned by Stats().
type Stats struct {
	Address        uintptr
	FootprintPages uint64
	LastUsableAddr uint64
	LastPhysAddr   uint64
	PagesTaken     uint64
	PagesFree      uint64
	AllocCalls     uint64
	FreeCalls      uint64
}

// PPA is the physical page allocator core (C4). It owns a frame bitmap (C3)
// and a size-bucketed free-range list (C2) whose descriptors live inside the
// free frames they describe. PPA is not safe for concurrent use: per the
// single-mutator contract, the caller serializes all access with an
// external lock.
type PPA struct {
	stats Stats

	bm   bitmap
	free freeList

	totalFrames uint64

	memoryMap    []MemoryMapEntry
	memoryMapHdr reflect.SliceHeader
}

// Init consumes a sorted, page-aligned boot memory map via getter and
// prepares the PPA for service: it reserves a self-descriptor (the frame
// bitmap) inside a Usable region, seeds the free list from every remaining
// Usable fragment, and commits a canonical, sanitized memory map as a
// PPA-owned allocation.
func (p *PPA) Init(getter MemoryMapGetter, entryCount uint64) *kernel.Error {
	if entryCount == 0 {
		return errInvalidMemoryMap
	}

	lastAddress, lastUsableAddress, err := p.validateAndSummarize(getter, entryCount)
	if err != nil {
		return err
	}
	if err := p.checkLowMemoryFree(getter, entryCount); err != nil {
		return err
	}

	p.totalFrames = lastUsableAddress / uint64(mem.PageSize)
	requiredBitmapBytes := pageAlign(bitmapBytes(p.totalFrames))

	selfIndex, selfAddr, err := p.findSelfDescriptorRegion(getter, entryCount, requiredBitmapBytes)
	if err != nil {
		return err
	}

	p.stats = Stats{
		Address:        uintptr(selfAddr),
		FootprintPages: requiredBitmapBytes / uint64(mem.PageSize),
		LastUsableAddr: lastUsableAddress,
		LastPhysAddr:   lastAddress,
	}
	p.bm.init(uintptr(selfAddr), p.totalFrames)
	p.bm.setRange(0, p.totalFrames-1, false)
	p.free.initEmpty()

	var entry MemoryMapEntry
	for i := uint64(0); i < entryCount; i++ {
		if !getter(i, &entry) || entry.Type != MemoryUsable {
			continue
		}
		start, size := withdrawGuard(entry)
		if i == selfIndex {
			start += requiredBitmapBytes
			size -= requiredBitmapBytes
		}
		if size > 0 {
			p.seedFree(Frame(start/uint64(mem.PageSize)), size/uint64(mem.PageSize))
		}
	}

	return p.buildCanonicalMemoryMap(getter, entryCount, selfIndex, selfAddr, requiredBitmapBytes)
}

// validateAndSummarize performs the panic-worthy sanity checks on the raw
// boot memory map (sort order, alignment) and returns the last physical
// address described by any entry and the last address described by a
// Usable entry.
func (p *PPA) validateAndSummarize(getter MemoryMapGetter, entryCount uint64) (lastAddress, lastUsableAddress uint64, err *kernel.Error) {
	var (
		entry   MemoryMapEntry
		prevEnd uint64
	)
	for i := uint64(0); i < entryCount; i++ {
		if !getter(i, &entry) {
			return 0, 0, errInvalidMemoryMap
		}
		if entry.Start%uint64(mem.PageSize) != 0 || entry.Size%uint64(mem.PageSize) != 0 {
			return 0, 0, errMapMisaligned
		}
		if i > 0 && entry.Start < prevEnd {
			return 0, 0, errMapNotSorted
		}
		prevEnd = entry.end()
		if entry.end() > lastAddress {
			lastAddress = entry.end()
		}
		if entry.Type.Usable() && entry.end() > lastUsableAddress {
			lastUsableAddress = entry.end()
		}
	}
	return lastAddress, lastUsableAddress, nil
}

// checkLowMemoryFree verifies that [0, 0x3000) -- the null-guard and
// trampoline region -- is entirely covered by a Usable entry.
func (p *PPA) checkLowMemoryFree(getter MemoryMapGetter, entryCount uint64) *kernel.Error {
	var entry MemoryMapEntry
	for i := uint64(0); i < entryCount; i++ {
		getter(i, &entry)
		if entry.Start == 0 {
			if entry.Type.Usable() && entry.Size >= guardBytes {
				return nil
			}
			return errLowMemoryTaken
		}
	}
	return errLowMemoryTaken
}

// withdrawGuard removes the null-guard/trampoline prefix from an entry that
// starts at physical address 0.
func withdrawGuard(entry MemoryMapEntry) (start, size uint64) {
	start, size = entry.Start, entry.Size
	if start == 0 {
		start += guardBytes
		size -= guardBytes
	}
	return start, size
}

// findSelfDescriptorRegion returns the index and post-guard-withdrawal start
// address of the first Usable entry large enough to host requiredBytes.
func (p *PPA) findSelfDescriptorRegion(getter MemoryMapGetter, entryCount, requiredBytes uint64) (index, addr uint64, err *kernel.Error) {
	var entry MemoryMapEntry
	for i := uint64(0); i < entryCount; i++ {
		if !getter(i, &entry) || entry.Type != MemoryUsable {
			continue
		}
		start, size := withdrawGuard(entry)
		if size <= requiredBytes {
			continue
		}
		return i, start, nil
	}
	return 0, 0, errNoSelfDescriptor
}

// buildCanonicalMemoryMap allocates and populates the frozen, sanitized
// memory map that Map() returns: the original entries with the self
// descriptor and guard regions carved out and flagged, plus explicit
// NullGuard/Trampoline/PMM entries.
func (p *PPA) buildCanonicalMemoryMap(getter MemoryMapGetter, entryCount, selfIndex, selfAddr, selfSize uint64) *kernel.Error {
	maxEntries := entryCount + 3
	bytesNeeded := maxEntries * uint64(unsafe.Sizeof(MemoryMapEntry{}))
	pages := (bytesNeeded + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)

	frame, aerr := p.Alloc(pages, 12, 0)
	if aerr != nil {
		return aerr
	}

	p.memoryMapHdr.Data = frame.Address()
	p.memoryMapHdr.Len = 0
	p.memoryMapHdr.Cap = int(maxEntries)
	p.memoryMap = *(*[]MemoryMapEntry)(unsafe.Pointer(&p.memoryMapHdr))

	p.memoryMap = append(p.memoryMap, MemoryMapEntry{Start: 0, Size: uint64(mem.PageSize), Type: MemoryNullGuard})
	p.memoryMap = append(p.memoryMap, MemoryMapEntry{Start: uint64(mem.PageSize), Size: 2 * uint64(mem.PageSize), Type: MemoryTrampoline})

	var entry MemoryMapEntry
	for i := uint64(0); i < entryCount; i++ {
		getter(i, &entry)
		start, size := withdrawGuard(entry)
		typ := entry.Type

		if i == selfIndex {
			p.memoryMap = append(p.memoryMap, MemoryMapEntry{Start: start, Size: selfSize, Type: MemoryPMM})
			start += selfSize
			size -= selfSize
			typ = MemoryTaken
		} else if typ == MemoryUsable {
			typ = MemoryTaken
		}

		if size > 0 {
			p.memoryMap = append(p.memoryMap, MemoryMapEntry{Start: start, Size: size, Type: typ})
		}
	}

	p.stats.FootprintPages += pages
	return nil
}

// Stats returns a snapshot of the PPA's footprint and usage counters.
func (p *PPA) Stats() Stats {
	return p.stats
}

// Map returns the frozen, sanitized canonical memory map.
func (p *PPA) Map() []MemoryMapEntry {
	return p.memoryMap
}

// Alloc reserves n contiguous frames satisfying the given alignment
// (alignBits >= 12) and, if maxAddr is non-zero, entirely below maxAddr. It
// returns InvalidFrame and ErrOutOfFrames if no sufficient run exists.
func (p *PPA) Alloc(n uint64, alignBits uint8, maxAddr uint64) (Frame, *kernel.Error) {
	p.stats.AllocCalls++
	if n == 0 {
		return InvalidFrame, ErrOutOfFrames
	}

	frame := p.allocAligned(n, alignBits, maxAddr)
	if !frame.IsValid() {
		return InvalidFrame, ErrOutOfFrames
	}

	p.stats.PagesFree -= n
	p.stats.PagesTaken += n
	return frame, nil
}

// AllocBelow is a convenience wrapper for Alloc with an explicit exclusive
// upper address bound and 4 KiB alignment.
func (p *PPA) AllocBelow(n uint64, maxAddr uint64) (Frame, *kernel.Error) {
	return p.Alloc(n, 12, maxAddr)
}

func (p *PPA) allocAligned(n uint64, alignBits uint8, maxAddr uint64) Frame {
	if alignBits <= 12 {
		return p.takePlain(n, maxAddr)
	}

	alignPages := uint64(1) << (alignBits - 12)

	if start, count, ok := p.free.takeFirstFit(n + alignPages - 1); ok {
		return p.commitAligned(start, count, n, alignPages, maxAddr)
	}
	if start, count, ok := p.free.takeFirstAlignedFit(n, alignPages); ok {
		return p.commitAligned(start, count, n, alignPages, maxAddr)
	}
	return InvalidFrame
}

func (p *PPA) takePlain(n uint64, maxAddr uint64) Frame {
	start, count, ok := p.free.takeFirstFit(n)
	if !ok {
		return InvalidFrame
	}
	if maxAddr != 0 && uint64(start)*uint64(mem.PageSize)+n*uint64(mem.PageSize) > maxAddr {
		// Not a fit under the address bound; put it back and fail.
		// (bounded alloc_below is not on the hot path, so a
		// re-insertion here is an acceptable cost.)
		p.free.insert(start, count)
		return InvalidFrame
	}

	p.bm.setRange(uint64(start), uint64(start)+n-1, false)
	if count > n {
		residualStart := start + Frame(n)
		residualCount := count - n
		p.free.insert(residualStart, residualCount)
	}
	return start
}

func (p *PPA) commitAligned(headerStart Frame, headerCount, n, alignPages, maxAddr uint64) Frame {
	headerPage := uint64(headerStart)
	lastRangePage := headerPage + headerCount - 1
	firstPage := (headerPage + alignPages - 1) &^ (alignPages - 1)
	lastPage := firstPage + n - 1

	if maxAddr != 0 && (lastPage+1)*uint64(mem.PageSize) > maxAddr {
		p.free.insert(headerStart, headerCount)
		return InvalidFrame
	}

	p.bm.setRange(firstPage, lastPage, false)

	if headerPage != firstPage {
		p.free.insert(headerStart, firstPage-headerPage)
	}
	if lastPage != lastRangePage {
		p.free.insert(Frame(lastPage+1), lastRangePage-lastPage)
	}

	return Frame(firstPage)
}

// Free releases n frames starting at frame back to the PPA, merging with
// any immediately adjacent free run. Freeing an already-free range, a zero
// count, or an invalid frame changes nothing except the FreeCalls counter,
// which counts every call.
func (p *PPA) Free(frame Frame, n uint64) {
	p.stats.FreeCalls++
	if p.freeRange(frame, n) {
		p.stats.PagesTaken -= n
	}
}

// seedFree donates a fragment of the boot memory map to the free list
// during Init. Unlike Free, it does not debit PagesTaken: these frames were
// never accounted as an outstanding PPA allocation in the first place, they
// are the initial supply the rest of the counters are measured against.
func (p *PPA) seedFree(frame Frame, n uint64) {
	p.freeRange(frame, n)
}

// freeRange implements the shared bitmap-merge-reinsert logic used by both
// Free and the Init-time free-list seeding path. It reports whether frames
// were actually released (false for the idempotent already-free case).
func (p *PPA) freeRange(frame Frame, n uint64) bool {
	if !frame.IsValid() || n == 0 {
		return false
	}

	first := uint64(frame)
	if p.bm.get(first) {
		return false
	}

	p.stats.PagesFree += n
	p.bm.setRange(first, first+n-1, true)

	bottom := first
	total := n

	if first > 0 && p.bm.get(first-1) {
		start, count := runStartAndCount(Frame(first - 1))
		bottom = uint64(start)
		total += count
		p.free.erase(start)
	}
	if first+n < p.totalFrames && p.bm.get(first+n) {
		next := Frame(first + n)
		_, count := runStartAndCount(next)
		total += count
		p.free.erase(next)
	}

	p.free.insert(Frame(bottom), total)
	return true
}

// Reclaim converts every Reclaimable/LoaderReclaimable entry in the
// canonical memory map to Taken and returns its frames to the free list,
// then compacts adjacent same-type entries in place.
func (p *PPA) Reclaim() {
	for i := range p.memoryMap {
		entry := &p.memoryMap[i]
		if !entry.Type.Usable() {
			continue
		}
		p.seedFree(Frame(entry.Start/uint64(mem.PageSize)), entry.pageCount())
		entry.Type = MemoryTaken
	}

	moveCount := 0
	prev := &p.memoryMap[0]
	for i := 1; i < len(p.memoryMap); i++ {
		cur := &p.memoryMap[i]
		if cur.Type == prev.Type && cur.Start == prev.end() {
			prev.Size += cur.Size
			moveCount++
		} else {
			p.memoryMap[i-moveCount] = *cur
			prev = &p.memoryMap[i-moveCount]
		}
	}
	p.memoryMap = p.memoryMap[:len(p.memoryMap)-moveCount]
}

func pageAlign(n uint64) uint64 {
	mask := uint64(mem.PageSize) - 1
	return (n + mask) &^ mask
}
