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

// Package arch provides the architecture-level register model shared by the
// privilege transition layer, the scheduler and the syscall dispatcher.
//
// All knowledge about register-to-field mapping lives here; the rest of the
// kernel never depends on field order.
package arch

import "fmt"

// Selector is a segment selector.
type Selector uint16

// UserRPL is the requested privilege level encoded into every user selector.
const UserRPL = 3

// Segment selectors. The GDT layout is fixed at boot: null, kernel code,
// kernel data, user code, user data.
const (
	Kcode Selector = 0x08
	Kdata Selector = 0x10
	Ucode Selector = 0x18 | UserRPL
	Udata Selector = 0x20 | UserRPL
)

// RPL returns the selector's requested privilege level.
func (s Selector) RPL() int {
	return int(s & 3)
}

// RFLAGS bits.
const (
	// RFlagsIF is the interrupt enable flag.
	RFlagsIF uint64 = 1 << 9

	// RFlagsID is the CPUID detection flag, deliberately left visible to
	// userspace.
	RFlagsID uint64 = 1 << 21
)

// UserFlagsSet are always set in the flags of a user trap frame.
const UserFlagsSet = RFlagsID | RFlagsIF

// Registers is the general-purpose register file captured at trap entry, in
// ptrace order. It is the "saved registers" structure the syscall accessors
// project fields from and the state the resume trampoline replays.
type Registers struct {
	R15    uint64
	R14    uint64
	R13    uint64
	R12    uint64
	Rbp    uint64
	Rbx    uint64
	R11    uint64
	R10    uint64
	R9     uint64
	R8     uint64
	Rax    uint64
	Rcx    uint64
	Rdx    uint64
	Rsi    uint64
	Rdi    uint64
	Rip    uint64
	Cs     uint64
	Eflags uint64
	Rsp    uint64
	Ss     uint64
}

// TrapFrame is the minimal processor state consumed by the privilege-level
// restoring jump: exactly the five words an interrupt return pops, in pop
// order. It is constructed on the kernel stack immediately before a
// transition and never read again afterward.
type TrapFrame struct {
	Rip    uint64
	Cs     uint64
	Eflags uint64
	Rsp    uint64
	Ss     uint64
}

// IsUser returns whether the frame targets user privilege level.
func (f *TrapFrame) IsUser() bool {
	return Selector(f.Cs).RPL() == UserRPL && Selector(f.Ss).RPL() == UserRPL
}

// String implements fmt.Stringer.
func (f *TrapFrame) String() string {
	return fmt.Sprintf("{Rip: %#x Cs: %#x Eflags: %#x Rsp: %#x Ss: %#x}", f.Rip, f.Cs, f.Eflags, f.Rsp, f.Ss)
}

// Frame packages the register file's control state as a trap frame.
func (r *Registers) Frame() TrapFrame {
	return TrapFrame{
		Rip:    r.Rip,
		Cs:     r.Cs,
		Eflags: r.Eflags,
		Rsp:    r.Rsp,
		Ss:     r.Ss,
	}
}

// The syscall convention routes the number through RAX and up to five
// arguments through RBX, RCX, RDX, RSI, RDI; the return value lands back in
// RAX. These accessors are pure field projections with no validation.

// SyscallNumber returns the syscall number at trap entry.
func (r *Registers) SyscallNumber() uintptr {
	return uintptr(r.Rax)
}

// SyscallArg0 returns the first syscall argument.
func (r *Registers) SyscallArg0() uintptr {
	return uintptr(r.Rbx)
}

// SyscallArg1 returns the second syscall argument.
func (r *Registers) SyscallArg1() uintptr {
	return uintptr(r.Rcx)
}

// SyscallArg2 returns the third syscall argument.
func (r *Registers) SyscallArg2() uintptr {
	return uintptr(r.Rdx)
}

// SyscallArg3 returns the fourth syscall argument.
func (r *Registers) SyscallArg3() uintptr {
	return uintptr(r.Rsi)
}

// SyscallArg4 returns the fifth syscall argument.
func (r *Registers) SyscallArg4() uintptr {
	return uintptr(r.Rdi)
}

// SetSyscallReturn sets the syscall return value.
func (r *Registers) SetSyscallReturn(value uintptr) {
	r.Rax = uint64(value)
}

// IP returns the current instruction pointer.
func (r *Registers) IP() uintptr {
	return uintptr(r.Rip)
}

// SetIP sets the current instruction pointer.
func (r *Registers) SetIP(value uintptr) {
	r.Rip = uint64(value)
}

// Stack returns the current stack pointer.
func (r *Registers) Stack() uintptr {
	return uintptr(r.Rsp)
}

// SetStack sets the current stack pointer.
func (r *Registers) SetStack(value uintptr) {
	r.Rsp = uint64(value)
}
