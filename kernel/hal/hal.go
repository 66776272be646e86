package hal

import "github.com/MonstersEntmt/secureos/kernel/cpu"

// debugConsolePort is the standard "Bochs/QEMU debug console" I/O port: a
// byte written here is echoed to the emulator's stderr, giving the kernel a
// console before any framebuffer or serial driver exists.
const debugConsolePort = 0xe9

// debugConsole is a Write/WriteByte sink that emits to debugConsolePort.
type debugConsole struct{}

// WriteByte implements io.ByteWriter.
func (debugConsole) WriteByte(b byte) error {
	cpu.OutByte(debugConsolePort, b)
	return nil
}

// Write implements io.Writer.
func (d debugConsole) Write(data []byte) (int, error) {
	for _, b := range data {
		cpu.OutByte(debugConsolePort, b)
	}
	return len(data), nil
}

// Console is the minimal early-console sink that kfmt/early writes through.
type Console interface {
	Write(data []byte) (int, error)
	WriteByte(b byte) error
}

// ActiveTerminal points to the currently active early-console sink. It is a
// package variable, rather than a hard dependency baked into kfmt/early, so
// tests can swap in a recording sink.
var ActiveTerminal Console = debugConsole{}

// InitTerminal is a no-op placeholder kept for symmetry with the boot
// sequence; the debug console needs no setup before its first OutByte call.
func InitTerminal() {}
