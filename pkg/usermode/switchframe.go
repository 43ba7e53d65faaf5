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

package usermode

import (
	"fmt"

	"github.com/halcyon-os/halcyon/pkg/arch"
	"github.com/halcyon-os/halcyon/pkg/machine"
)

// switchFrameVersion tags the kernel-stack layout of a suspended thread. The
// save path pushes it last so the resume path can verify it first; any change
// to SwitchFrame must bump it.
const switchFrameVersion uint64 = 0x53464d31 // "SFM1"

// SwitchFrame is the explicit contract between the scheduler's save path and
// the resume trampoline: the exact content of a suspended thread's kernel
// stack. Fields appear in pop order: general-purpose registers first, then
// the two slack slots a trap entry leaves (vector and error code, skipped on
// resume), then the trap frame the final interrupt return consumes.
type SwitchFrame struct {
	R15 uint64
	R14 uint64
	R13 uint64
	R12 uint64
	R11 uint64
	R10 uint64
	R9  uint64
	R8  uint64
	Rbp uint64
	Rdi uint64
	Rsi uint64
	Rdx uint64
	Rcx uint64
	Rbx uint64
	Rax uint64

	// Vector and ErrorCode are pushed by trap entry and stepped over on
	// resume.
	Vector    uint64
	ErrorCode uint64

	Frame arch.TrapFrame
}

// frameFromRegisters captures the suspendable subset of a register file.
func frameFromRegisters(regs *arch.Registers, trap arch.TrapFrame) SwitchFrame {
	return SwitchFrame{
		R15:   regs.R15,
		R14:   regs.R14,
		R13:   regs.R13,
		R12:   regs.R12,
		R11:   regs.R11,
		R10:   regs.R10,
		R9:    regs.R9,
		R8:    regs.R8,
		Rbp:   regs.Rbp,
		Rdi:   regs.Rdi,
		Rsi:   regs.Rsi,
		Rdx:   regs.Rdx,
		Rcx:   regs.Rcx,
		Rbx:   regs.Rbx,
		Rax:   regs.Rax,
		Frame: trap,
	}
}

// apply loads the frame's general-purpose registers into a register file.
func (f *SwitchFrame) apply(regs *arch.Registers) {
	regs.R15 = f.R15
	regs.R14 = f.R14
	regs.R13 = f.R13
	regs.R12 = f.R12
	regs.R11 = f.R11
	regs.R10 = f.R10
	regs.R9 = f.R9
	regs.R8 = f.R8
	regs.Rbp = f.Rbp
	regs.Rdi = f.Rdi
	regs.Rsi = f.Rsi
	regs.Rdx = f.Rdx
	regs.Rcx = f.Rcx
	regs.Rbx = f.Rbx
	regs.Rax = f.Rax
}

// SaveContext suspends a thread's context onto its kernel stack: the trap
// frame goes deepest, then the slack slots, then the register file in push
// order, then the layout version. Resume replays it exactly.
func SaveContext(t *Thread, regs *arch.Registers, trap arch.TrapFrame) {
	f := frameFromRegisters(regs, trap)

	// Push order is the reverse of SwitchFrame's pop order.
	t.push(f.Frame.Ss, f.Frame.Rsp, f.Frame.Eflags, f.Frame.Cs, f.Frame.Rip)
	t.push(f.ErrorCode, f.Vector)
	t.push(f.Rax, f.Rbx, f.Rcx, f.Rdx, f.Rsi, f.Rdi, f.Rbp)
	t.push(f.R8, f.R9, f.R10, f.R11, f.R12, f.R13, f.R14, f.R15)
	t.push(switchFrameVersion)
}

// Resume is the trampoline installed as the return point of a freshly
// created or just-switched-to thread. It pops the thread's saved register
// file off its kernel stack and performs the same privilege-restoring jump
// as EnterUser, consuming the trap frame saved below the register file.
//
// A stack whose layout does not match the save path is a scheduler bug, not
// a runtime condition; it panics.
func Resume(c *machine.CPU, t *Thread) machine.Vector {
	if v := t.pop(); v != switchFrameVersion {
		panic(fmt.Sprintf("suspended stack layout mismatch: version %#x, want %#x", v, switchFrameVersion))
	}

	var f SwitchFrame
	f.R15 = t.pop()
	f.R14 = t.pop()
	f.R13 = t.pop()
	f.R12 = t.pop()
	f.R11 = t.pop()
	f.R10 = t.pop()
	f.R9 = t.pop()
	f.R8 = t.pop()
	f.Rbp = t.pop()
	f.Rdi = t.pop()
	f.Rsi = t.pop()
	f.Rdx = t.pop()
	f.Rcx = t.pop()
	f.Rbx = t.pop()
	f.Rax = t.pop()
	f.Vector = t.pop()
	f.ErrorCode = t.pop()
	f.Frame.Rip = t.pop()
	f.Frame.Cs = t.pop()
	f.Frame.Eflags = t.pop()
	f.Frame.Rsp = t.pop()
	f.Frame.Ss = t.pop()

	f.apply(c.Registers())
	return c.Iret(&f.Frame)
}

// Suspended returns whether the thread has a saved context pending resume.
func (t *Thread) Suspended() bool {
	return len(t.kernelStack) > 0
}

func (t *Thread) push(words ...uint64) {
	t.kernelStack = append(t.kernelStack, words...)
}

func (t *Thread) pop() uint64 {
	if len(t.kernelStack) == 0 {
		panic("pop from an empty kernel stack")
	}
	w := t.kernelStack[len(t.kernelStack)-1]
	t.kernelStack = t.kernelStack[:len(t.kernelStack)-1]
	return w
}
