package pmm

import (
	"unsafe"

	"github.com/MonstersEntmt/secureos/kernel/mem/sizeclass"
)

// runHeader is the in-place descriptor written at the first frame of a free
// run: its count field is the positive run length, and prev/next link it
// into the globally size-sorted free list. When a run is longer than one
// frame, its last frame additionally carries a footer: only the count field
// written, as its negation, so that a frame adjacent to a merge candidate
// can be resolved back to its run's start in O(1) without walking the list.
type runHeader struct {
	count int64
	prev  Frame
	next  Frame
}

// header overlays a *runHeader on top of the frame's physical address. The
// frame must currently be free: writing through this pointer is exactly the
// "borrow the page while free" trick described in the design notes.
func header(f Frame) *runHeader {
	return (*runHeader)(unsafe.Pointer(f.Address()))
}

// writeFooter stamps the negated run length at the last frame of a
// multi-frame run so that PMMGetFirstPage-style resolution can recover the
// run's start from either endpoint.
func writeFooter(first Frame, count uint64) {
	if count <= 1 {
		return
	}
	last := first + Frame(count) - 1
	header(last).count = -int64(count)
}

// runStartAndCount resolves the run that frame belongs to, given that frame
// is known to be either the first or the last frame of that run (the only
// two cases the PPA ever needs to resolve, since coalescing only ever
// examines the frames immediately bordering a freshly-freed range).
func runStartAndCount(frame Frame) (start Frame, count uint64) {
	c := header(frame).count
	if c > 0 {
		return frame, uint64(c)
	}
	count = uint64(-c)
	return frame - Frame(count) + 1, count
}

// freeList is the doubly-linked, size-bucketed free-range list described in
// spec.md §4.2. The structure is really a single list sorted ascending by
// run length; the bucket array only caches entry points into it so that a
// request for n pages can jump straight to the first run long enough to
// satisfy it, skipping forward through any empty buckets.
type freeList struct {
	buckets [sizeclass.NumBuckets]Frame
	tail    Frame
}

func (fl *freeList) initEmpty() {
	for i := range fl.buckets {
		fl.buckets[i] = InvalidFrame
	}
	fl.tail = InvalidFrame
}

// insert adds a new free run [first, first+count-1] to the list.
func (fl *freeList) insert(first Frame, count uint64) {
	b := sizeclass.FloorIndex(count)
	hdr := header(first)
	hdr.count = int64(count)

	head := fl.buckets[b]
	if head.IsValid() {
		hdr.prev = header(head).prev
		hdr.next = head
		if hdr.prev.IsValid() {
			header(hdr.prev).next = first
		}
		header(head).prev = first

		fl.buckets[b] = first
		for i := int(b) - 1; i >= 0 && fl.buckets[i] == head; i-- {
			fl.buckets[i] = first
		}
	} else {
		hdr.prev = fl.tail
		hdr.next = InvalidFrame
		if fl.tail.IsValid() {
			header(fl.tail).next = first
		}
		fl.tail = first

		for i := int(b); i >= 0 && !fl.buckets[i].IsValid(); i-- {
			fl.buckets[i] = first
		}
	}

	writeFooter(first, count)
}

// erase removes the run starting at first from the list. first must be the
// start of a run currently present in the list.
func (fl *freeList) erase(first Frame) {
	hdr := header(first)
	count := uint64(hdr.count)
	b := sizeclass.FloorIndex(count)
	prev, next := hdr.prev, hdr.next

	if prev.IsValid() {
		header(prev).next = next
	}
	if next.IsValid() {
		header(next).prev = prev
	} else {
		fl.tail = prev
	}

	for i := int(b); i >= 0 && fl.buckets[i] == first; i-- {
		fl.buckets[i] = next
	}
}

// takeFirstFit removes and returns the first run with length >= n, or
// (InvalidFrame, 0, false) if none exists.
func (fl *freeList) takeFirstFit(n uint64) (Frame, uint64, bool) {
	if n == 0 {
		return InvalidFrame, 0, false
	}

	b := sizeclass.CeilIndex(n)
	if head := fl.buckets[b]; head.IsValid() {
		if sizeclass.Value(b) >= n {
			count := uint64(header(head).count)
			fl.erase(head)
			return head, count, true
		}
		// Value(b) < n only at a low/high-tier LUT boundary, where bucket
		// b mixes runs that don't all reach n (e.g. bucket 191 holds both
		// length-192 and length-193 runs). The cached head isn't
		// guaranteed to satisfy n on its own, so walk its chain - which
		// continues on into larger buckets, since this is one globally
		// size-sorted list - for the first entry that does.
		for cur := head; cur.IsValid(); cur = header(cur).next {
			if count := uint64(header(cur).count); count >= n {
				fl.erase(cur)
				return cur, count, true
			}
		}
		return InvalidFrame, 0, false
	}
	// No run reaches bucket b at all. A fallback walk is only worthwhile
	// when n sits strictly inside the geometric bucket's length range
	// (Value(b) != n): if n is itself an exact bucket boundary there is
	// nothing shorter in bucket b-1 that could still satisfy it.
	if b == 0 || sizeclass.Value(b) == n {
		return InvalidFrame, 0, false
	}

	// n falls strictly inside the length range covered by the previous
	// bucket, which may still hold a run long enough. Walk its chain
	// forward (ascending length order, since the whole structure is one
	// globally size-sorted list).
	for cur := fl.buckets[b-1]; cur.IsValid(); cur = header(cur).next {
		if count := uint64(header(cur).count); count >= n {
			fl.erase(cur)
			return cur, count, true
		}
	}
	return InvalidFrame, 0, false
}

// takeFirstAlignedFit removes and returns the first run of length >= n whose
// start can be advanced by at most align-1 pages (align given in pages, a
// power of two) and still retain at least n pages, or false if none exists.
func (fl *freeList) takeFirstAlignedFit(n, alignPages uint64) (Frame, uint64, bool) {
	if n == 0 || alignPages <= 1 {
		return InvalidFrame, 0, false
	}

	b := sizeclass.CeilIndex(n)
	cur := fl.buckets[b]
	if !cur.IsValid() {
		if b == 0 {
			return InvalidFrame, 0, false
		}
		cur = fl.buckets[b-1]
	}

	for ; cur.IsValid(); cur = header(cur).next {
		count := uint64(header(cur).count)
		start := uint64(cur)
		aligned := (start + alignPages - 1) &^ (alignPages - 1)
		shift := aligned - start
		if shift <= alignPages-1 && count >= shift+n {
			fl.erase(cur)
			return cur, count, true
		}
	}
	return InvalidFrame, 0, false
}
