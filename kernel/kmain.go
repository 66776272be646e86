package kernel

import (
	_ "unsafe" // required for go:linkname

	"github.com/MonstersEntmt/secureos/kernel/cmdline"
	"github.com/MonstersEntmt/secureos/kernel/goruntime"
	"github.com/MonstersEntmt/secureos/kernel/hal"
	"github.com/MonstersEntmt/secureos/kernel/hal/multiboot"
	"github.com/MonstersEntmt/secureos/kernel/kfmt/early"
	"github.com/MonstersEntmt/secureos/kernel/mem/allocsel"
	"github.com/MonstersEntmt/secureos/kernel/mem/pmm"
	"github.com/MonstersEntmt/secureos/kernel/mem/vmm"
)

var errKmainReturned = &Error{Module: "kmain", Message: "Kmain returned"}

// kernelVirtualBase/kernelVirtualPages describe the address space a VAM
// built by Kmain manages: a 1GiB window reserved for the kernel's own heap
// and dynamic mappings, well clear of the identity-mapped low memory the PPA
// and page tables themselves live in.
const (
	kernelVirtualBase  = 0xffff900000000000
	kernelVirtualPages = (1 << 30) / 4096 // 1GiB worth of pages to start
)

// ppaImpls/vamImpls register the one PPA/VAM implementation this tree ships
// (spec's "freelut") against the allocsel selector, so a future second
// implementation only needs a new Register call here, not a rewired Kmain.
var (
	ppaImpls allocsel.Registry[string]
	vamImpls allocsel.Registry[string]
)

func init() {
	ppaImpls.Register("freelut", "freelut")
	vamImpls.Register("freelut", "freelut")
}

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function is invoked by the rt0 assembly code
// after setting up the GDT and a minimal g0 struct that allows Go code to
// run on the 4K stack the assembly code allocated.
//
// The rt0 code passes the address of the multiboot info payload provided by
// the bootloader, along with the physical bounds of the loaded kernel image
// so the PPA can exclude them from its free list.
//
// Kmain is not expected to return. If it does, the kernel panics.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)
	hal.InitTerminal()
	early.Printf("Starting secureos\n")

	args := cmdline.Parse(multiboot.CommandLine())
	ppaName, _ := args.Get("pmm")
	vamName, _ := args.Get("vmm")
	early.Printf("selected pmm=%s vmm=%s\n", ppaImpls.Resolve(ppaName), vamImpls.Resolve(vamName))

	var ppa pmm.PPA
	getter, entryCount := multiboot.PMMMemoryMap(uint64(kernelStart), uint64(kernelEnd))
	if err := ppa.Init(getter, entryCount); err != nil {
		Panic(err)
	}

	v, err := vmm.Create(&ppa, vmm.PageFromAddress(kernelVirtualBase), kernelVirtualPages)
	if err != nil {
		Panic(err)
	}
	v.Activate()

	if err := goruntime.Init(); err != nil {
		Panic(err)
	}

	Panic(errKmainReturned)
}
