package vmm

import (
	"github.com/MonstersEntmt/secureos/kernel"
	"github.com/MonstersEntmt/secureos/kernel/cpu"
	"github.com/MonstersEntmt/secureos/kernel/mem/pmm"
	"github.com/MonstersEntmt/secureos/kernel/mem/sizeclass"
)

var (
	// ErrNoSpace is returned when no free virtual range is large enough to
	// satisfy an Alloc request.
	ErrNoSpace = &kernel.Error{Module: "vmm", Message: "no virtual range large enough to satisfy the request"}
	// ErrRangeTaken is returned when AllocAt / Map / MapLinear target a
	// region that is not entirely free.
	ErrRangeTaken = &kernel.Error{Module: "vmm", Message: "requested virtual range is not entirely free"}
	// ErrRangeNotMapped is returned by Free / Protect when the target
	// range is not (entirely) backed by a mapping.
	ErrRangeNotMapped = &kernel.Error{Module: "vmm", Message: "virtual range is not currently mapped"}

	errVAMNotActive = &kernel.Error{Module: "vmm", Message: "Translate requires the VAM to be the currently active address space"}
)

// Active points to whichever VAM last called Activate. goruntime's sys*
// redirects carve the Go heap's arenas out of this address space; kmain must
// create and activate a VAM before calling goruntime.Init.
var Active *VAM

// Stats is a point-in-time snapshot of one VAM's bookkeeping state.
type Stats struct {
	PagesMapped uint64
	PagesFree   uint64
	AllocCalls  uint64
	FreeCalls   uint64
}

// VAM is one virtual address space: a page directory table (the hardware
// half) plus the range table described in rangetable.go (the bookkeeping
// half) that tracks what every page of it is doing.
type VAM struct {
	pdt   PageDirectoryTable
	slab  descriptorSlab
	ppa   *pmm.PPA
	alloc FrameAllocatorFn

	addrHead    *rangeDescriptor
	freeBuckets [sizeclass.NumBuckets]*rangeDescriptor
	freeTail    *rangeDescriptor

	stats Stats
}

// Create builds a new address space covering [base, base+length) pages, all
// initially free, backed by frames drawn from ppa.
func Create(ppa *pmm.PPA, base Page, length uint64) (*VAM, *kernel.Error) {
	v := &VAM{ppa: ppa}
	v.alloc = func() (pmm.Frame, *kernel.Error) { return ppa.Alloc(1, 12, 0) }
	v.slab.init(func() (pmm.Frame, *kernel.Error) { return ppa.Alloc(slabPageFrames, 12, 0) })

	pdtFrame, err := v.alloc()
	if err != nil {
		return nil, err
	}
	if err := v.pdt.Init(pdtFrame, v.alloc); err != nil {
		ppa.Free(pdtFrame, 1)
		return nil, err
	}

	root, err := v.slab.alloc()
	if err != nil {
		return nil, err
	}
	root.state = RangeFree
	root.start = base
	root.length = length
	v.addrHead = root
	v.freeInsert(root)
	v.stats.PagesFree = length

	return v, nil
}

// Stats returns a snapshot of this VAM's bookkeeping counters.
func (v *VAM) Stats() Stats { return v.stats }

// Activate installs this VAM's page directory table as the active one and
// records it as the package's Active address space.
func (v *VAM) Activate() {
	v.pdt.Activate()
	Active = v
}

// Translate resolves a virtual address to its backing physical address. Only
// supported while this VAM is the active address space: walking an inactive
// PDT would require the same temporary-mapping dance PageDirectoryTable.Map
// uses, which Translate does not implement.
func (v *VAM) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	if activePDTFn() != v.pdt.pdtFrame.Address() {
		return 0, errVAMNotActive
	}
	return Translate(virtAddr)
}

// ---- size-bucketed free list ----
//
// A structural port of the PPA's free list (pmm/freelist.go) onto
// slab-allocated descriptors instead of in-place frame headers: the whole
// free set is one doubly-linked list sorted into the bucket it was last
// inserted into, and freeBuckets only caches entry points into it, so
// looking up a fit can jump straight to the first run long enough, skipping
// forward through any empty buckets. This gives C2 the skip-forward
// invariant spec requires of the PPA's own free list, extended to the VAM's
// descriptors.

func (v *VAM) freeInsert(d *rangeDescriptor) {
	b := sizeclass.FloorIndex(d.length)

	head := v.freeBuckets[b]
	if head != nil {
		d.freePrev = head.freePrev
		d.freeNext = head
		if d.freePrev != nil {
			d.freePrev.freeNext = d
		}
		head.freePrev = d

		v.freeBuckets[b] = d
		for i := int(b) - 1; i >= 0 && v.freeBuckets[i] == head; i-- {
			v.freeBuckets[i] = d
		}
	} else {
		d.freePrev = v.freeTail
		d.freeNext = nil
		if v.freeTail != nil {
			v.freeTail.freeNext = d
		}
		v.freeTail = d

		for i := int(b); i >= 0 && v.freeBuckets[i] == nil; i-- {
			v.freeBuckets[i] = d
		}
	}
}

func (v *VAM) freeErase(d *rangeDescriptor) {
	b := sizeclass.FloorIndex(d.length)
	prev, next := d.freePrev, d.freeNext

	if prev != nil {
		prev.freeNext = next
	}
	if next != nil {
		next.freePrev = prev
	} else {
		v.freeTail = prev
	}

	for i := int(b); i >= 0 && v.freeBuckets[i] == d; i-- {
		v.freeBuckets[i] = next
	}

	d.freePrev, d.freeNext = nil, nil
}

// freeTakeFirstFit removes and returns the first free descriptor of length
// >= n, or nil if none exists.
func (v *VAM) freeTakeFirstFit(n uint64) *rangeDescriptor {
	if n == 0 {
		return nil
	}

	b := sizeclass.CeilIndex(n)
	if head := v.freeBuckets[b]; head != nil {
		if sizeclass.Value(b) >= n {
			v.freeErase(head)
			return head
		}
		// Value(b) < n only at a low/high-tier LUT boundary, where bucket
		// b mixes runs that don't all reach n. Walk the chain - which
		// continues on into larger buckets - for the first entry that does.
		for cur := head; cur != nil; cur = cur.freeNext {
			if cur.length >= n {
				v.freeErase(cur)
				return cur
			}
		}
		return nil
	}

	if b == 0 || sizeclass.Value(b) == n {
		return nil
	}
	for cur := v.freeBuckets[b-1]; cur != nil; cur = cur.freeNext {
		if cur.length >= n {
			v.freeErase(cur)
			return cur
		}
	}
	return nil
}

// freeTakeFirstAlignedFit removes and returns the first free descriptor of
// length >= n whose start can be advanced by at most alignPages-1 pages and
// still retain at least n pages, or nil if none exists. Used by Alloc to
// satisfy a huge-page size class's natural alignment requirement.
func (v *VAM) freeTakeFirstAlignedFit(n, alignPages uint64) *rangeDescriptor {
	if n == 0 || alignPages <= 1 {
		return nil
	}

	b := sizeclass.CeilIndex(n)
	cur := v.freeBuckets[b]
	if cur == nil {
		if b == 0 {
			return nil
		}
		cur = v.freeBuckets[b-1]
	}

	for ; cur != nil; cur = cur.freeNext {
		start := uint64(cur.start)
		aligned := (start + alignPages - 1) &^ (alignPages - 1)
		shift := aligned - start
		if shift <= alignPages-1 && cur.length >= shift+n {
			v.freeErase(cur)
			return cur
		}
	}
	return nil
}

// ---- address-ordered list ----

func (v *VAM) addrInsertBefore(at, n *rangeDescriptor) {
	n.addrPrev = at.addrPrev
	n.addrNext = at
	if at.addrPrev != nil {
		at.addrPrev.addrNext = n
	} else {
		v.addrHead = n
	}
	at.addrPrev = n
}

func (v *VAM) addrInsertAfter(at, n *rangeDescriptor) {
	n.addrNext = at.addrNext
	n.addrPrev = at
	if at.addrNext != nil {
		at.addrNext.addrPrev = n
	}
	at.addrNext = n
}

func (v *VAM) addrRemove(d *rangeDescriptor) {
	if d.addrPrev != nil {
		d.addrPrev.addrNext = d.addrNext
	} else {
		v.addrHead = d.addrNext
	}
	if d.addrNext != nil {
		d.addrNext.addrPrev = d.addrPrev
	}
	v.slab.free(d)
}

func (v *VAM) find(base Page) *rangeDescriptor {
	for d := v.addrHead; d != nil; d = d.addrNext {
		if base >= d.start && base < d.end() {
			return d
		}
	}
	return nil
}

// carveRange splits d, which must cover [start, start+length), down to
// exactly that sub-range, pushing any leftover head/tail portion out into
// sibling descriptors that keep d's original state, protection and (for a
// contiguous physical backing) frame offset. Free siblings are reinserted
// into the free-bucket list; non-free siblings simply take their place in
// the address-ordered list. Returns the descriptor now covering exactly
// [start, start+length).
func (v *VAM) carveRange(d *rangeDescriptor, start Page, length uint64) (*rangeDescriptor, *kernel.Error) {
	if d.start < start {
		head, err := v.slab.alloc()
		if err != nil {
			return nil, err
		}
		headLen := uint64(start - d.start)
		*head = rangeDescriptor{owner: head.owner, state: d.state, protect: d.protect, sizeClass: d.sizeClass, start: d.start, length: headLen, frame: d.frame}
		v.addrInsertBefore(d, head)

		if d.frame.IsValid() {
			d.frame += pmm.Frame(headLen)
		}
		d.start = start
		d.length -= headLen

		if head.state == RangeFree {
			v.freeInsert(head)
		}
	}

	if d.length > length {
		tail, err := v.slab.alloc()
		if err != nil {
			return nil, err
		}
		tailFrame := pmm.InvalidFrame
		if d.frame.IsValid() {
			tailFrame = d.frame + pmm.Frame(length)
		}
		*tail = rangeDescriptor{owner: tail.owner, state: d.state, protect: d.protect, sizeClass: d.sizeClass, start: start + Page(length), length: d.length - length, frame: tailFrame}
		v.addrInsertAfter(d, tail)
		d.length = length

		if tail.state == RangeFree {
			v.freeInsert(tail)
		}
	}

	return d, nil
}

// coalesceAndInsertFree marks d's addr-list neighbours as merge candidates,
// absorbing any that are also RangeFree before reinserting d (now possibly
// enlarged) into the free-bucket list. Mirrors the coalescing performed by
// pmm.PPA.freeRange over physical frame runs.
func (v *VAM) coalesceAndInsertFree(d *rangeDescriptor) {
	if prev := d.addrPrev; prev != nil && prev.state == RangeFree {
		v.freeErase(prev)
		prev.length += d.length
		v.addrRemove(d)
		d = prev
	}
	if next := d.addrNext; next != nil && next.state == RangeFree {
		v.freeErase(next)
		d.length += next.length
		v.addrRemove(next)
	}
	v.freeInsert(d)
}

// clampSizeClass implements the "1 GiB pages on systems without support
// degrade silently to 2 MiB" tie-break.
func clampSizeClass(sc SizeClass) SizeClass {
	if sc == SizeClass1GiB && !cpu.Supports1GiBPages() {
		return SizeClass2MiB
	}
	return sc
}

// commit backs d with physical frames at the granularity sc implies, or
// marks it reserved-but-unbacked when autoCommit is set.
func (v *VAM) commit(d *rangeDescriptor, protect RangeProtect, autoCommit bool, sc SizeClass) *kernel.Error {
	d.protect = protect
	d.sizeClass = sc

	if autoCommit {
		if sc == SizeClass4KiB {
			d.state = RangeAutoCommit
		} else {
			// The leaf for a huge reservation isn't decided yet at any
			// page-table level finer than sc; RangeSubTable tracks that.
			// No exported operation installs the leaf afterwards.
			d.state = RangeSubTable
		}
		d.frame = pmm.InvalidFrame
		return nil
	}

	level := pageLevelForSizeClass(sc)
	unitPages := sizeClassPages[sc]

	frame, err := v.ppa.Alloc(d.length, pageLevelShifts[level], 0)
	if err != nil {
		return err
	}
	for i := uint64(0); i < d.length; i += unitPages {
		var merr *kernel.Error
		if sc == SizeClass4KiB {
			merr = v.pdt.Map(d.start+Page(i), frame+pmm.Frame(i), FlagPresent|protectFlags(protect), v.alloc)
		} else {
			merr = v.pdt.MapHuge(d.start+Page(i), frame+pmm.Frame(i), FlagPresent|protectFlags(protect), level, v.alloc)
		}
		if merr != nil {
			v.ppa.Free(frame, d.length)
			return merr
		}
	}
	d.state = RangeMapped
	d.frame = frame
	return nil
}

// Alloc reserves the first free range of n pages of the given size class
// large enough to hold it, eagerly backing it with physical frames unless
// autoCommit is set (in which case the range is reserved but left unbacked;
// see RangeAutoCommit/RangeSubTable). n counts pages in units of sc: an
// sc of SizeClass2MiB and n=4 reserves 4 huge pages (8 MiB).
func (v *VAM) Alloc(n uint64, protect RangeProtect, autoCommit bool, sc SizeClass) (Page, *kernel.Error) {
	if n == 0 {
		return 0, ErrNoSpace
	}
	sc = clampSizeClass(sc)
	unitPages := sizeClassPages[sc]
	total := n * unitPages

	var d *rangeDescriptor
	if unitPages == 1 {
		d = v.freeTakeFirstFit(total)
	} else {
		d = v.freeTakeFirstAlignedFit(total, unitPages)
	}
	if d == nil {
		return 0, ErrNoSpace
	}

	start := d.start
	if unitPages > 1 {
		aligned := (uint64(d.start) + unitPages - 1) &^ (unitPages - 1)
		start = Page(aligned)
	}

	target, err := v.carveRange(d, start, total)
	if err != nil {
		v.freeInsert(d)
		return 0, err
	}

	if err := v.commit(target, protect, autoCommit, sc); err != nil {
		target.state = RangeFree
		v.coalesceAndInsertFree(target)
		return 0, err
	}

	v.stats.PagesFree -= total
	v.stats.PagesMapped += total
	v.stats.AllocCalls++
	return target.start, nil
}

// AllocAt reserves exactly [base, base+n) pages (n in units of sc), failing
// with ErrRangeTaken if that range is not entirely free. base must already
// be aligned to sc's natural alignment.
func (v *VAM) AllocAt(base Page, n uint64, protect RangeProtect, autoCommit bool, sc SizeClass) *kernel.Error {
	if n == 0 {
		return ErrNoSpace
	}
	sc = clampSizeClass(sc)
	total := n * sizeClassPages[sc]

	d := v.find(base)
	if d == nil || d.state != RangeFree || base+Page(total) > d.end() {
		return ErrRangeTaken
	}
	v.freeErase(d)

	target, err := v.carveRange(d, base, total)
	if err != nil {
		v.freeInsert(d)
		return err
	}

	if err := v.commit(target, protect, autoCommit, sc); err != nil {
		target.state = RangeFree
		v.coalesceAndInsertFree(target)
		return err
	}

	v.stats.PagesFree -= total
	v.stats.PagesMapped += total
	v.stats.AllocCalls++
	return nil
}

// Map installs a mapping from [base, base+n) onto n consecutive frames
// starting at frame, over a currently free range.
func (v *VAM) Map(base Page, frame pmm.Frame, n uint64, protect RangeProtect) *kernel.Error {
	if n == 0 {
		return nil
	}

	d := v.find(base)
	if d == nil || d.state != RangeFree || base+Page(n) > d.end() {
		return ErrRangeTaken
	}
	v.freeErase(d)

	target, err := v.carveRange(d, base, n)
	if err != nil {
		v.freeInsert(d)
		return err
	}

	for i := uint64(0); i < n; i++ {
		if perr := v.pdt.Map(target.start+Page(i), frame+pmm.Frame(i), FlagPresent|protectFlags(protect), v.alloc); perr != nil {
			target.state = RangeFree
			v.coalesceAndInsertFree(target)
			return perr
		}
	}

	target.state = RangeMapped
	target.protect = protect
	target.frame = frame
	v.stats.PagesFree -= n
	v.stats.PagesMapped += n
	v.stats.AllocCalls++
	return nil
}

// MapLinear maps frames[i] onto page base+i for each i, over a currently
// free range of len(frames) pages. Unlike Map, the backing frames need not
// be contiguous; the VAM treats them as externally owned and will not
// return them to the PPA when the range is later freed.
func (v *VAM) MapLinear(base Page, frames []pmm.Frame, protect RangeProtect) *kernel.Error {
	n := uint64(len(frames))
	if n == 0 {
		return nil
	}

	d := v.find(base)
	if d == nil || d.state != RangeFree || base+Page(n) > d.end() {
		return ErrRangeTaken
	}
	v.freeErase(d)

	target, err := v.carveRange(d, base, n)
	if err != nil {
		v.freeInsert(d)
		return err
	}

	for i, frame := range frames {
		if perr := v.pdt.Map(target.start+Page(i), frame, FlagPresent|protectFlags(protect), v.alloc); perr != nil {
			target.state = RangeFree
			v.coalesceAndInsertFree(target)
			return perr
		}
	}

	target.state = RangeMapped
	target.protect = protect
	target.frame = pmm.InvalidFrame
	v.stats.PagesFree -= n
	v.stats.PagesMapped += n
	v.stats.AllocCalls++
	return nil
}

// Protect updates the access protection of an already-mapped [base, base+n)
// range, splitting off the affected sub-range from its descriptor if needed.
func (v *VAM) Protect(base Page, n uint64, protect RangeProtect) *kernel.Error {
	if n == 0 {
		return nil
	}

	d := v.find(base)
	if d == nil || (d.state != RangeMapped && d.state != RangeSubTable) || base+Page(n) > d.end() {
		return ErrRangeNotMapped
	}

	target, err := v.carveRange(d, base, n)
	if err != nil {
		return err
	}
	target.protect = protect

	// A RangeSubTable range has no leaf installed at any level; there is
	// nothing to rewrite architecturally, only the recorded protection.
	if target.state != RangeMapped {
		return nil
	}

	for i := uint64(0); i < target.length; i++ {
		pte, _, perr := pteForAddress((target.start + Page(i)).Address())
		if perr != nil {
			return perr
		}
		pte.ClearFlags(FlagRW | FlagNoExecute)
		pte.SetFlags(protectFlags(protect))
	}
	return nil
}

// Free releases [base, base+n), which must exactly match (or subdivide) an
// existing mapped range, unmapping its pages and returning any VAM-owned
// physical frames to the PPA before coalescing the range back into the free
// list.
func (v *VAM) Free(base Page, n uint64) *kernel.Error {
	if n == 0 {
		return nil
	}

	d := v.find(base)
	if d == nil || d.state == RangeFree || base+Page(n) > d.end() {
		return ErrRangeNotMapped
	}

	target, err := v.carveRange(d, base, n)
	if err != nil {
		return err
	}

	if target.state == RangeMapped {
		level := pageLevelForSizeClass(target.sizeClass)
		unitPages := sizeClassPages[target.sizeClass]
		for i := uint64(0); i < target.length; i += unitPages {
			if target.sizeClass == SizeClass4KiB {
				_ = v.pdt.Unmap(target.start + Page(i))
			} else {
				_ = v.pdt.UnmapHuge(target.start+Page(i), level)
			}
		}
		if target.frame.IsValid() {
			v.ppa.Free(target.frame, target.length)
		}
	}

	target.state = RangeFree
	target.frame = pmm.InvalidFrame
	v.stats.PagesMapped -= n
	v.stats.PagesFree += n
	v.stats.FreeCalls++
	v.coalesceAndInsertFree(target)
	return nil
}

// Destroy tears down this address space: every mapped range's VAM-owned
// frames and every descriptor-slab page are returned to the PPA, followed by
// the page directory table's own root frame. Sub-table frames allocated
// along the way by PageDirectoryTable.Init / Map are intentionally left
// untouched — Destroy does not walk and free the page-table tree; address
// spaces here are expected to live for the
// lifetime of the kernel rather than be torn down on process exit.
func (v *VAM) Destroy() {
	for d := v.addrHead; d != nil; d = d.addrNext {
		if d.state == RangeMapped && d.frame.IsValid() {
			v.ppa.Free(d.frame, d.length)
		}
	}

	for _, head := range []pmm.Frame{v.slab.partial, v.slab.full} {
		for f := head; f.IsValid(); {
			next := slabPageAt(f).next
			v.ppa.Free(f, slabPageFrames)
			f = next
		}
	}

	v.ppa.Free(v.pdt.pdtFrame, 1)
}
