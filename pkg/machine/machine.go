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

// Package machine implements the modeled multi-core amd64 machine the kernel
// core runs against: CPUs with privilege state, inter-processor interrupts,
// a port I/O bus, an interrupt controller and the small set of platform
// devices the core touches.
//
// All register-layout and device knowledge is kept behind this boundary. The
// privilege transition layer constructs processor state and hands it to a
// CPU; drivers see only the port bus and the interrupt controller.
package machine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/halcyon-os/halcyon/pkg/arch"
	"github.com/halcyon-os/halcyon/pkg/arch/fpu"
	"github.com/halcyon-os/halcyon/pkg/log"
)

// Vector is an exception or interrupt vector.
type Vector uintptr

// Defined vectors.
const (
	DivideByZero           Vector = 0
	Debug                  Vector = 1
	NMI                    Vector = 2
	Breakpoint             Vector = 3
	Overflow               Vector = 4
	BoundRangeExceeded     Vector = 5
	InvalidOpcode          Vector = 6
	DeviceNotAvailable     Vector = 7
	DoubleFault            Vector = 8
	InvalidTSS             Vector = 10
	SegmentNotPresent      Vector = 11
	StackSegmentFault      Vector = 12
	GeneralProtectionFault Vector = 13
	PageFault              Vector = 14

	// Syscall is the software interrupt vector used for system calls.
	Syscall Vector = 0x7f

	// VectorNone indicates that user execution was handed to a CPU with no
	// user engine installed; the state is loaded but nothing ran.
	VectorNone Vector = ^Vector(0)
)

// String implements fmt.Stringer.
func (v Vector) String() string {
	switch v {
	case DivideByZero:
		return "#DE"
	case Debug:
		return "#DB"
	case NMI:
		return "NMI"
	case Breakpoint:
		return "#BP"
	case GeneralProtectionFault:
		return "#GP"
	case PageFault:
		return "#PF"
	case DoubleFault:
		return "#DF"
	case Syscall:
		return "syscall"
	case VectorNone:
		return "none"
	default:
		return fmt.Sprintf("vector(%d)", uintptr(v))
	}
}

// FatalHaltICR is the interrupt command written to stop a peer core dead: NMI
// delivery mode, so the target halts even with interrupts masked.
const FatalHaltICR uint32 = 0x447d

// icrDeliveryNMI is the delivery mode field of an NMI-class IPI.
const icrDeliveryNMI uint32 = 0x400

// UserEngine executes user-level instructions for a CPU whose state has just
// been loaded by an interrupt return. It runs until user execution traps back
// into the kernel and returns the trap vector. Test harnesses install small
// engines that inspect or mutate CPU state directly.
type UserEngine interface {
	Execute(c *CPU) Vector
}

// UserEngineFunc is a func adapter for UserEngine.
type UserEngineFunc func(c *CPU) Vector

// Execute implements UserEngine.Execute.
func (f UserEngineFunc) Execute(c *CPU) Vector {
	return f(c)
}

// Gate is a single interrupt descriptor.
type Gate struct {
	Present bool
}

// IDT is the interrupt descriptor table. A nil *IDT models a cleared table:
// any subsequent fault escalates to a triple fault.
type IDT struct {
	Gates [256]Gate
}

// NewIDT returns a table with every gate present.
func NewIDT() *IDT {
	idt := &IDT{}
	for i := range idt.Gates {
		idt.Gates[i].Present = true
	}
	return idt
}

// Options configures a Machine.
type Options struct {
	// CPUs is the number of cores. Zero means one.
	CPUs int

	// Memory is the user memory model. Nil means a fresh sparse memory.
	Memory Memory

	// IgnoreResetPulse makes the keyboard controller swallow the reset
	// command, modeling hardware that does not honor it.
	IgnoreResetPulse bool
}

// Machine is a modeled multi-core machine.
type Machine struct {
	cpus []*CPU
	mem  Memory
	pic  *PIC
	kbd  *KeyboardController

	// portMu protects ports. The map is keyed by individual port number
	// so device lookup on the I/O path is O(1).
	portMu sync.RWMutex
	ports  map[uint16]portMapping

	// idt is the currently loaded descriptor table; nil after LoadIDT(nil).
	idt atomic.Pointer[IDT]
	// idtCleared records that a null table was deliberately loaded, since
	// atomic.Pointer cannot distinguish "nil stored" from "never stored".
	idtCleared atomic.Bool

	resetRequested atomic.Bool
	resetOnce      sync.Once
	resetCh        chan struct{}

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	userEngine UserEngine
}

// New creates a machine with the given options.
func New(opts Options) *Machine {
	n := opts.CPUs
	if n <= 0 {
		n = 1
	}
	mem := opts.Memory
	if mem == nil {
		mem = NewSparseMemory()
	}

	m := &Machine{
		mem:        mem,
		ports:      make(map[uint16]portMapping),
		resetCh:    make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
	m.idt.Store(NewIDT())
	m.pic = newPIC(m)

	for i := 0; i < n; i++ {
		c := &CPU{
			id:      i,
			machine: m,
			fp:      fpu.NewState(),
			wake:    make(chan struct{}, 1),
		}
		// Cores come up in kernel mode with interrupts off.
		c.regs.Cs = uint64(arch.Kcode)
		c.regs.Ss = uint64(arch.Kdata)
		m.cpus = append(m.cpus, c)
	}

	m.kbd = newKeyboardController(m, !opts.IgnoreResetPulse)
	if err := m.RegisterPorts(kbdPortBase, kbdPortCount, m.kbd); err != nil {
		panic(err)
	}

	log.Debugf("machine: %d core(s) online", n)
	return m
}

// NumCPUs returns the number of cores.
func (m *Machine) NumCPUs() int {
	return len(m.cpus)
}

// CPU returns core i.
func (m *Machine) CPU(i int) *CPU {
	return m.cpus[i]
}

// Memory returns the machine's user memory.
func (m *Machine) Memory() Memory {
	return m.mem
}

// PIC returns the interrupt controller.
func (m *Machine) PIC() *PIC {
	return m.pic
}

// Keyboard returns the keyboard controller.
func (m *Machine) Keyboard() *KeyboardController {
	return m.kbd
}

// SetUserEngine installs the user execution engine invoked whenever a CPU
// loads a user-privilege trap frame.
func (m *Machine) SetUserEngine(e UserEngine) {
	m.userEngine = e
}

// LoadIDT installs the given descriptor table. Passing nil loads an empty
// table: the next fault on any core cannot be dispatched and triple-faults.
func (m *Machine) LoadIDT(idt *IDT) {
	m.idt.Store(idt)
	m.idtCleared.Store(idt == nil)
}

// IDT returns the currently loaded table, or nil if it was cleared.
func (m *Machine) IDT() *IDT {
	if m.idtCleared.Load() {
		return nil
	}
	return m.idt.Load()
}

// SendIPI delivers an inter-processor interrupt to the target core. The icr
// value carries the vector and delivery mode; NMI-class IPIs are delivered
// even when the target has interrupts masked.
func (m *Machine) SendIPI(target int, icr uint32) {
	c := m.cpus[target]
	if icr&icrDeliveryNMI != 0 {
		// NMI delivery: the stop request used by the fatal path. The
		// target masks interrupts and halts; nothing it was doing can
		// resume.
		c.intEnabled.Store(false)
		c.halted.Store(true)
		c.kick()
		return
	}
	// Fixed delivery only matters to a core idling in Pause.
	c.kick()
}

// RequestReset records that the platform reset line was pulsed. The machine
// does not literally restart; runners observe ResetRequested and tear down.
func (m *Machine) RequestReset() {
	m.resetOnce.Do(func() {
		m.resetRequested.Store(true)
		close(m.resetCh)
	})
}

// ResetRequested returns whether a reset was requested.
func (m *Machine) ResetRequested() bool {
	return m.resetRequested.Load()
}

// ResetChan returns a channel closed when a reset is requested.
func (m *Machine) ResetChan() <-chan struct{} {
	return m.resetCh
}

// Shutdown tears the model down, unparking every halted core. It is the only
// way a core halted by the fatal path ever unblocks.
func (m *Machine) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
	})
}

// ShutdownChan returns a channel closed at teardown.
func (m *Machine) ShutdownChan() <-chan struct{} {
	return m.shutdownCh
}

// tripleFault models the unrecoverable fault cascade: the platform resets.
func (m *Machine) tripleFault() {
	log.Warningf("machine: triple fault, resetting")
	m.RequestReset()
}

// CPU is a single modeled core.
type CPU struct {
	id      int
	machine *Machine

	// mu protects regs. A core's register state is normally touched only
	// by the goroutine driving that core; the lock exists so tests and
	// crash reporting can take consistent snapshots.
	mu   sync.Mutex
	regs arch.Registers

	// fp is the hardware floating-point register file.
	fp fpu.State

	intEnabled atomic.Bool
	halted     atomic.Bool

	// retired counts modeled instructions. It stops advancing the moment
	// the core halts, which is what the fatal-path tests observe.
	retired atomic.Uint64

	// wake is signalled by interrupt delivery to lift a Pause.
	wake chan struct{}
}

// ID returns the core number.
func (c *CPU) ID() int {
	return c.id
}

// Machine returns the owning machine.
func (c *CPU) Machine() *Machine {
	return c.machine
}

// Registers returns the core's live register file. Only the goroutine
// driving the core may mutate it.
func (c *CPU) Registers() *arch.Registers {
	return &c.regs
}

// Snapshot returns a consistent copy of the register file.
func (c *CPU) Snapshot() arch.Registers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs
}

// FloatingPoint returns the core's floating-point register file.
func (c *CPU) FloatingPoint() fpu.State {
	return c.fp
}

// Ring returns the core's current privilege level.
func (c *CPU) Ring() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return arch.Selector(c.regs.Cs).RPL()
}

// InterruptsEnabled returns whether the core accepts maskable interrupts.
func (c *CPU) InterruptsEnabled() bool {
	return c.intEnabled.Load()
}

// Halted returns whether the core has stopped executing.
func (c *CPU) Halted() bool {
	return c.halted.Load()
}

// Retired returns the number of modeled instructions the core has executed.
func (c *CPU) Retired() uint64 {
	return c.retired.Load()
}

// Tick models the execution of one instruction. It returns false once the
// core has halted; harness loops use it as their run condition.
func (c *CPU) Tick() bool {
	if c.halted.Load() {
		return false
	}
	c.retired.Add(1)
	return true
}

// Cli masks maskable interrupts.
func (c *CPU) Cli() {
	c.intEnabled.Store(false)
}

// Sti unmasks maskable interrupts.
func (c *CPU) Sti() {
	c.intEnabled.Store(true)
}

// kick delivers a wake signal without blocking.
func (c *CPU) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Pause is called in a loop by kernel idle tasks: enable interrupts, halt
// until something arrives, mask again. It returns early at machine teardown.
func (c *CPU) Pause() {
	c.Sti()
	select {
	case <-c.wake:
	case <-c.machine.shutdownCh:
	}
	c.Cli()
}

// HaltForever stops the core and parks the calling goroutine until machine
// teardown. The stop cannot be interrupted; this is the terminal state of
// the fatal path.
func (c *CPU) HaltForever() {
	c.Cli()
	c.halted.Store(true)
	<-c.machine.shutdownCh
}

// Iret atomically consumes a trap frame: control state is replaced, the
// privilege level comes from the frame's selectors, and the interrupt flag
// from its Eflags image. If the frame targets user level and a user engine is
// installed, user execution runs until it traps back and the trap vector is
// returned.
func (c *CPU) Iret(f *arch.TrapFrame) Vector {
	c.mu.Lock()
	c.regs.Rip = f.Rip
	c.regs.Cs = f.Cs
	c.regs.Eflags = f.Eflags
	c.regs.Rsp = f.Rsp
	c.regs.Ss = f.Ss
	c.mu.Unlock()

	c.intEnabled.Store(f.Eflags&arch.RFlagsIF != 0)
	c.retired.Add(1)

	if engine := c.machine.userEngine; engine != nil && f.IsUser() {
		return engine.Execute(c)
	}
	return VectorNone
}

// Exception dispatches a fault on this core through the loaded IDT. With a
// cleared table the fault cannot be handled and the cascade ends in a triple
// fault.
func (c *CPU) Exception(v Vector) {
	idt := c.machine.IDT()
	if idt == nil || int(v) >= len(idt.Gates) || !idt.Gates[v].Present {
		c.machine.tripleFault()
		c.halted.Store(true)
		return
	}
	// Dispatch is not modeled further; the core is left in kernel mode at
	// the gate.
	c.mu.Lock()
	c.regs.Cs = uint64(arch.Kcode)
	c.regs.Ss = uint64(arch.Kdata)
	c.mu.Unlock()
	c.intEnabled.Store(false)
}
