package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// OutByte writes a single byte to the given I/O port.
func OutByte(port uint16, value byte)

// InByte reads a single byte from the given I/O port.
func InByte(port uint16) byte

// Supports1GiBPages reports whether the running CPU implements 1 GiB pages
// (CPUID leaf 0x80000001, EDX bit 26). The VAM consults this before
// honouring a 1 GiB alloc request, silently degrading to 2 MiB when false.
func Supports1GiBPages() bool
