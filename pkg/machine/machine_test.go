// Copyright 2024 The Halcyon Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package machine

import (
	"testing"
	"time"

	"github.com/halcyon-os/halcyon/pkg/arch"
)

func TestHaltIPIStopsTarget(t *testing.T) {
	m := New(Options{CPUs: 2})
	defer m.Shutdown()

	c1 := m.CPU(1)
	c1.Sti()
	if !c1.Tick() {
		t.Fatalf("running core should tick")
	}

	m.SendIPI(1, FatalHaltICR)
	if !c1.Halted() {
		t.Errorf("core 1 should be halted after NMI stop")
	}
	if c1.InterruptsEnabled() {
		t.Errorf("core 1 should have interrupts masked after NMI stop")
	}
	if c1.Tick() {
		t.Errorf("halted core should not tick")
	}
	before := c1.Retired()
	c1.Tick()
	if got := c1.Retired(); got != before {
		t.Errorf("halted core retired instructions: %d -> %d", before, got)
	}
}

func TestIretLoadsFrame(t *testing.T) {
	m := New(Options{CPUs: 1})
	defer m.Shutdown()

	c := m.CPU(0)
	f := arch.TrapFrame{
		Rip:    0x401000,
		Cs:     uint64(arch.Ucode),
		Eflags: arch.UserFlagsSet,
		Rsp:    0x7ffffff0,
		Ss:     uint64(arch.Udata),
	}
	if v := c.Iret(&f); v != VectorNone {
		t.Fatalf("Iret with no user engine returned %v, want %v", v, VectorNone)
	}

	regs := c.Snapshot()
	if regs.Rip != f.Rip || regs.Rsp != f.Rsp {
		t.Errorf("Iret did not load Rip/Rsp: got %#x/%#x", regs.Rip, regs.Rsp)
	}
	if c.Ring() != arch.UserRPL {
		t.Errorf("Ring() = %d, want %d", c.Ring(), arch.UserRPL)
	}
	if !c.InterruptsEnabled() {
		t.Errorf("interrupts should be enabled after loading a user frame")
	}
}

func TestClearedIDTTripleFaults(t *testing.T) {
	m := New(Options{CPUs: 1})
	defer m.Shutdown()

	c := m.CPU(0)
	c.Exception(GeneralProtectionFault)
	if m.ResetRequested() {
		t.Fatalf("fault with a valid IDT should not reset the machine")
	}

	m.LoadIDT(nil)
	c.Exception(GeneralProtectionFault)
	if !m.ResetRequested() {
		t.Errorf("fault with a cleared IDT should triple fault and reset")
	}
}

func TestPortBus(t *testing.T) {
	m := New(Options{CPUs: 1})
	defer m.Shutdown()

	u, err := NewUART(m, 0x3f8, 4)
	if err != nil {
		t.Fatalf("NewUART: %v", err)
	}

	// Unmapped ports float high.
	if got := m.Inb(0x9999); got != 0xff {
		t.Errorf("Inb(unmapped) = %#x, want 0xff", got)
	}

	// Status register with no data.
	if got := m.Inb(0x3f8 + UARTOffLineStatus); got&UARTStatusDataReady != 0 {
		t.Errorf("LSR reports data ready on an empty FIFO: %#x", got)
	}

	u.Push('x')
	if got := m.Inb(0x3f8 + UARTOffLineStatus); got&UARTStatusDataReady == 0 {
		t.Errorf("LSR should report data ready: %#x", got)
	}
	if got := m.Inb(0x3f8 + UARTOffData); got != 'x' {
		t.Errorf("data register read = %q, want %q", got, byte('x'))
	}

	m.Outb(0x3f8+UARTOffData, 'y')
	if got := u.Output(); len(got) != 1 || got[0] != 'y' {
		t.Errorf("transmit capture = %q, want %q", got, "y")
	}
}

func TestUARTDivisorLatch(t *testing.T) {
	m := New(Options{CPUs: 1})
	defer m.Shutdown()

	u, err := NewUART(m, 0x2f8, 3)
	if err != nil {
		t.Fatalf("NewUART: %v", err)
	}

	// Program the divisor through the latch; the data register must not
	// capture the divisor bytes as transmit data.
	m.Outb(0x2f8+UARTOffLineCtl, 0x80)
	m.Outb(0x2f8+UARTOffData, 0x01)
	m.Outb(0x2f8+UARTOffIntEnable, 0x00)
	m.Outb(0x2f8+UARTOffLineCtl, 0x03)

	if got := u.Divisor(); got != 1 {
		t.Errorf("Divisor() = %d, want 1", got)
	}
	if got := u.Output(); len(got) != 0 {
		t.Errorf("divisor writes leaked into transmit capture: %q", got)
	}
}

func TestIRQCoalescing(t *testing.T) {
	m := New(Options{CPUs: 1})
	defer m.Shutdown()

	var calls int
	handler := func(regs *arch.Registers) {
		calls++
		// No Ack: the line stays in service.
	}
	if err := m.PIC().InstallHandler(5, handler, "test"); err != nil {
		t.Fatalf("InstallHandler: %v", err)
	}

	m.PIC().Raise(5)
	m.PIC().Raise(5) // held: line still in service
	if calls != 1 {
		t.Fatalf("handler ran %d times before ack, want 1", calls)
	}

	// Ack redelivers the held raise.
	m.PIC().Ack(5)
	if calls != 2 {
		t.Errorf("handler ran %d times after ack, want 2", calls)
	}
}

func TestSparseMemory(t *testing.T) {
	mem := NewSparseMemory()

	// Untouched memory reads zero.
	v, err := mem.ReadUint64(0x7fff0000)
	if err != nil || v != 0 {
		t.Errorf("ReadUint64(untouched) = %#x, %v", v, err)
	}

	if err := mem.WriteUint64(0x7fff0000, 0xdeadbeef); err != nil {
		t.Fatalf("WriteUint64: %v", err)
	}
	v, err = mem.ReadUint64(0x7fff0000)
	if err != nil || v != 0xdeadbeef {
		t.Errorf("ReadUint64 = %#x, %v, want 0xdeadbeef", v, err)
	}

	if err := mem.WriteUint64(pageSize-4, 1); err == nil {
		t.Errorf("straddling write should fail")
	}
}

// pauseUntil runs Pause on its own goroutine and returns a channel closed
// when it comes back.
func pauseUntil(c *CPU) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Pause()
	}()
	return done
}

func waitForInterruptsEnabled(t *testing.T, c *CPU) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !c.InterruptsEnabled() {
		if time.Now().After(deadline) {
			t.Fatalf("core %d never opened its interrupt window", c.ID())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPauseLiftedByIPI(t *testing.T) {
	m := New(Options{CPUs: 2})
	defer m.Shutdown()

	c := m.CPU(1)
	done := pauseUntil(c)
	waitForInterruptsEnabled(t, c)

	// Fixed delivery, not the NMI stop: the idling core wakes and keeps
	// running.
	m.SendIPI(1, 0x30)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("fixed-delivery IPI did not lift the pause")
	}
	if c.Halted() {
		t.Errorf("idle wake must not halt the core")
	}
	if c.InterruptsEnabled() {
		t.Errorf("interrupts must be masked again after the pause")
	}
}

func TestPauseLiftedByIRQ(t *testing.T) {
	m := New(Options{CPUs: 1})
	defer m.Shutdown()

	const line = 5
	if err := m.PIC().InstallHandler(line, func(*arch.Registers) {
		m.PIC().Ack(line)
	}, "test device"); err != nil {
		t.Fatalf("InstallHandler: %v", err)
	}

	c := m.CPU(0)
	done := pauseUntil(c)
	waitForInterruptsEnabled(t, c)

	m.PIC().Raise(line)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("device interrupt did not lift the pause")
	}
	if c.InterruptsEnabled() {
		t.Errorf("interrupts must be masked again after the pause")
	}
}

func TestPauseReturnsAtTeardown(t *testing.T) {
	m := New(Options{CPUs: 1})

	done := pauseUntil(m.CPU(0))
	waitForInterruptsEnabled(t, m.CPU(0))

	m.Shutdown()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("teardown did not lift the pause")
	}
}
