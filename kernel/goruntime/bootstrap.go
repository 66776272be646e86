// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
package goruntime

import (
	"unsafe"

	"github.com/MonstersEntmt/secureos/kernel"
	"github.com/MonstersEntmt/secureos/kernel/mem"
	"github.com/MonstersEntmt/secureos/kernel/mem/vmm"
)

var errNoActiveVAM = &kernel.Error{Module: "goruntime", Message: "no active VAM; kmain must call vmm.Create/Activate before goruntime.Init"}

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// sysReserve reserves address space and backs it with mapped frames.
//
// Unlike the original runtime.sysReserve, which only reserves address space
// and leaves the actual backing to a later sysMap call, this tree has no
// page-fault handler to promote an unbacked range on first touch (see
// DESIGN.md), so the region is fully committed here: sysMap below becomes a
// no-op over an already-backed range.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	if vmm.Active == nil {
		panic(errNoActiveVAM)
	}

	pageCount := (mem.Size(size) + mem.PageSize - 1) >> mem.PageShift
	base, err := vmm.Active.Alloc(uint64(pageCount), vmm.ProtectRW, false, vmm.SizeClass4KiB)
	if err != nil {
		panic(err)
	}

	*reserved = true
	return unsafe.Pointer(base.Address())
}

// sysMap establishes a mapping for a region previously reserved via
// sysReserve. sysReserve above already commits real frames eagerly, so there
// is nothing left to map; this only validates the precondition and accounts
// for the call the way the original sysMap did.
//
// This function replaces runtime.sysMap and is required for initializing the
// Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	regionSize := (mem.Size(size) + mem.PageSize - 1) & ^(mem.PageSize - 1)
	mSysStatInc(sysStat, uintptr(regionSize))
	return virtAddr
}

// sysAlloc reserves enough physical frames to satisfy the allocation request
// and establishes a mapping for them, returning the virtual region start.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	if vmm.Active == nil {
		return unsafe.Pointer(uintptr(0))
	}

	pageCount := (mem.Size(size) + mem.PageSize - 1) >> mem.PageShift
	base, err := vmm.Active.Alloc(uint64(pageCount), vmm.ProtectRW, false, vmm.SizeClass4KiB)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	regionSize := (mem.Size(size) + mem.PageSize - 1) & ^(mem.PageSize - 1)
	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(base.Address())
}

// keepLinked keeps sysReserve/sysMap/sysAlloc referenced so the compiler does
// not discard them; they are called only through the //go:redirect-from
// linkname mechanism, never directly from Go code in this tree.
var keepLinked = [3]interface{}{sysReserve, sysMap, sysAlloc}

// Init verifies that a VAM has already been created and activated (kmain
// must do this before calling Init) so the sys* redirects above have
// somewhere to carve Go heap arenas out of.
func Init() *kernel.Error {
	if vmm.Active == nil {
		return errNoActiveVAM
	}
	return nil
}
