package vmm

import "github.com/MonstersEntmt/secureos/kernel"

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, level, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address. A huge-page leaf found
	// at an earlier level carries a wider in-frame offset than a 4 KiB one.
	physAddr := pte.Frame().Address() + (virtAddr & ((1 << pageLevelShifts[level]) - 1))

	return physAddr, nil
}
