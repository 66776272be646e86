package kernel

import (
	"bytes"
	"testing"

	"github.com/MonstersEntmt/secureos/kernel/cpu"
	"github.com/MonstersEntmt/secureos/kernel/hal"
)

// recordingConsole implements hal.Console by buffering everything written to
// it, so tests can assert on Panic's output without a real debug console port.
type recordingConsole struct {
	bytes.Buffer
}

func (c *recordingConsole) WriteByte(b byte) error {
	return c.Buffer.WriteByte(b)
}

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
	}()

	var cpuHaltCalled bool
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}

	t.Run("with error", func(t *testing.T) {
		cpuHaltCalled = false
		rec := mockTTY()
		err := &Error{Module: "test", Message: "panic test"}

		Panic(err)

		exp := "\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := rec.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})

	t.Run("without error", func(t *testing.T) {
		cpuHaltCalled = false
		rec := mockTTY()

		Panic(nil)

		exp := "\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := rec.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})
}

func mockTTY() *recordingConsole {
	rec := &recordingConsole{}
	hal.ActiveTerminal = rec
	return rec
}
