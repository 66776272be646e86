package vmm

import (
	"github.com/MonstersEntmt/secureos/kernel"
	"github.com/MonstersEntmt/secureos/kernel/mem"
	"github.com/MonstersEntmt/secureos/kernel/mem/pmm"
)

// ErrInvalidMapping is returned when trying to lookup a virtual memory
// address that is not yet mapped.
var ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// pageTableEntry describes a page table entry. These entries encode a
// physical frame address and a set of flags. The actual format of the entry
// and flags is architecture-dependent.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags on the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((uintptr(pte) & ptePhysPageMask) >> mem.PageShift)
}

// SetFrame updates the page table entry to point to the given physical frame.
func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// protectFlags translates a RangeProtect value into the present/writable/
// no-execute bits understood by the MMU. None of the results include
// FlagPresent; the caller adds it when establishing the mapping.
func protectFlags(p RangeProtect) PageTableEntryFlag {
	var flags PageTableEntryFlag
	switch p {
	case ProtectRO:
		flags = FlagNoExecute
	case ProtectRW:
		flags = FlagRW | FlagNoExecute
	case ProtectRX:
		// executable, not writable: no flags beyond presence.
	case ProtectRWX:
		flags = FlagRW
	}
	return flags
}

// pteForAddress returns the page table entry that corresponds to a
// particular virtual address, along with the paging level it was found at.
// The function performs a page table walk until it reaches either the final
// (4 KiB) page table entry or an earlier huge-page leaf, returning
// ErrInvalidMapping if the page is not present.
func pteForAddress(virtAddr uintptr) (*pageTableEntry, uint8, *kernel.Error) {
	var (
		err        *kernel.Error
		entry      *pageTableEntry
		entryLevel uint8
	)

	walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}

		entry = pte
		entryLevel = pteLevel
		return pteLevel != pageLevels-1 && !pte.HasFlags(FlagHugePage)
	})

	return entry, entryLevel, err
}
