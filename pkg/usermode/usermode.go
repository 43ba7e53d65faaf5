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

// Package usermode implements the privilege transition layer: the one-way
// jump from kernel to user execution, the resume trampoline for suspended
// threads, floating-point save/restore, and the fatal-halt and reboot
// primitives.
//
// The transition entry points follow the same shape: build a trap frame with
// user selectors and interrupts enabled, load argument registers, and hand
// the frame to the CPU. The call ends the invoking kernel code path; the
// value returned is the vector of the *next* kernel entry, after user
// execution has trapped back in. None of the entry points validate their
// inputs; validation is the caller's responsibility, and checking on this hot
// path would be wasted work.
package usermode

import (
	"fmt"

	"github.com/halcyon-os/halcyon/pkg/arch"
	"github.com/halcyon-os/halcyon/pkg/arch/fpu"
	"github.com/halcyon-os/halcyon/pkg/machine"
)

// SignalReturnSentinel is the return address planted below a signal handler
// frame. A user-level return instruction lands on it, which the fault path
// recognizes as "signal handler is returning".
const SignalReturnSentinel = 0x00000008deadbeef

// signalRedZone is how far below the interrupted stack pointer the handler
// frame is placed, clear of the ABI red zone plus the return slot.
const signalRedZone = 128 + 8

// Thread is the register-state subset of a thread that the transition layer
// borrows by reference. The process machinery owns it.
type Thread struct {
	// SyscallRegisters is the most recent trap-entry register snapshot,
	// present whenever the thread is in a trapped state.
	SyscallRegisters *arch.Registers

	// FPState is the thread's floating-point state block.
	FPState fpu.State

	// kernelStack holds the thread's suspended context between a
	// SaveContext and the matching Resume.
	kernelStack []uint64
}

// NewThread returns a thread with an initialized floating-point block.
func NewThread() *Thread {
	return &Thread{FPState: fpu.NewState()}
}

// NewUserFrame builds a trap frame targeting user privilege: user code and
// stack selectors, interrupts enabled, and the reserved ID bit set.
func NewUserFrame(entry, stack uintptr) arch.TrapFrame {
	return arch.TrapFrame{
		Rip:    uint64(entry),
		Cs:     uint64(arch.Ucode),
		Eflags: arch.UserFlagsSet,
		Rsp:    uint64(stack),
		Ss:     uint64(arch.Udata),
	}
}

// UserOpts are the inputs to EnterUser. Entry and Stack must already be
// validated user addresses; Argv and Envp must point at vectors placed in
// user-accessible memory.
type UserOpts struct {
	Entry uintptr
	Stack uintptr
	Argc  int
	Argv  uintptr
	Envp  uintptr
}

// EnterUser enters userspace, called by process startup. Argc, Argv and Envp
// ride in the argument registers of the entry convention.
//
// The calling kernel code path ends here for this invocation: the return
// value is the vector that next interrupted user execution.
func EnterUser(c *machine.CPU, opts UserOpts) machine.Vector {
	regs := c.Registers()
	regs.Rdi = uint64(opts.Argc)
	regs.Rsi = uint64(opts.Argv)
	regs.Rdx = uint64(opts.Envp)

	frame := NewUserFrame(opts.Entry, opts.Stack)
	return c.Iret(&frame)
}

// EnterSignalHandler enters a userspace signal handler. Similar to EnterUser
// but the handler stack is derived from the thread's recorded trap-entry
// stack pointer, a sentinel return address is planted at the computed slot,
// and signum is the sole argument.
//
// It must only be invoked while the thread is in a trapped state, with
// SyscallRegisters populated.
func EnterSignalHandler(c *machine.CPU, t *Thread, entry uintptr, signum int) machine.Vector {
	if t.SyscallRegisters == nil {
		panic("EnterSignalHandler invoked without a trap-entry snapshot")
	}

	// Step past the red zone and align; the slot itself holds the
	// sentinel the return instruction will pop.
	sp := (uintptr(t.SyscallRegisters.Rsp) - signalRedZone) &^ 0xf
	if err := c.Machine().Memory().WriteUint64(sp, SignalReturnSentinel); err != nil {
		panic(fmt.Sprintf("signal frame at %#x is not writable: %v", sp, err))
	}

	regs := c.Registers()
	regs.Rdi = uint64(signum)

	frame := NewUserFrame(entry, sp)
	return c.Iret(&frame)
}

// SaveFloating copies the core's floating-point register file into the
// thread's state block. The caller guarantees the block is correctly sized
// and aligned; nothing is validated here.
func SaveFloating(c *machine.CPU, t *Thread) {
	copy(t.FPState, c.FloatingPoint())
}

// RestoreFloating loads the thread's state block into the core's
// floating-point register file.
func RestoreFloating(c *machine.CPU, t *Thread) {
	copy(c.FloatingPoint(), t.FPState)
}
