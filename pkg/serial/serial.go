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

// Package serial drives the PC serial ports and attaches them to line
// discipline endpoints.
//
// Input is interrupt-driven but processed in kernel workers so that blocking
// is handled smoothly: the interrupt handler only acknowledges the line and
// wakes the worker's wait queue, and the worker reads the hardware. Two
// ports share each IRQ line; after a wake the worker polls both ports of the
// pair and drains whichever actually has data, so neither port starves the
// other.
package serial

import (
	"errors"
	"fmt"
	"sync"

	"github.com/halcyon-os/halcyon/pkg/arch"
	"github.com/halcyon-os/halcyon/pkg/devfs"
	"github.com/halcyon-os/halcyon/pkg/log"
	"github.com/halcyon-os/halcyon/pkg/machine"
	"github.com/halcyon-os/halcyon/pkg/sched"
	"github.com/halcyon-os/halcyon/pkg/tty"
	"github.com/halcyon-os/halcyon/pkg/waiter"
)

// Port base addresses of the four standard PC serial ports.
const (
	PortA uint16 = 0x3f8
	PortB uint16 = 0x2f8
	PortC uint16 = 0x3e8
	PortD uint16 = 0x2e8
)

// IRQ lines. Ports A and C share one line, B and D the other.
const (
	IRQAC = 4
	IRQBD = 3
)

// Device node metadata: the dialout group owns the nodes.
const (
	dialoutGID = 2
	nodeMode   = 0660
)

// ErrNoSuchPort is returned when a port base is not part of the subsystem.
var ErrNoSuchPort = errors.New("no such serial port")

// InstallIRQFunc registers an interrupt handler on a line.
type InstallIRQFunc func(line int, h machine.IRQHandler, name string) error

// Options configures the subsystem.
type Options struct {
	Machine   *machine.Machine
	Scheduler *sched.Scheduler

	// Devfs, when set, receives a character-device node per port.
	Devfs *devfs.Registry

	// InstallIRQ overrides interrupt-handler registration. Nil means the
	// machine's interrupt controller.
	InstallIRQ InstallIRQFunc
}

// Device is one physical serial port bound to its line discipline endpoint.
type Device struct {
	sub      *Subsystem
	base     uint16
	irq      int
	index    int
	endpoint *tty.Endpoint

	// txMu serializes the transmit path. Concurrent tasks may write the
	// same device through its endpoint; interleaving below byte
	// granularity is this layer's problem, not the caller's.
	txMu sync.Mutex
}

// Base returns the device's port base address.
func (d *Device) Base() uint16 {
	return d.base
}

// IRQ returns the interrupt line the device shares.
func (d *Device) IRQ() int {
	return d.irq
}

// Endpoint returns the device's line discipline endpoint.
func (d *Device) Endpoint() *tty.Endpoint {
	return d.endpoint
}

// Path returns the device's node path, e.g. "/dev/ttyS0".
func (d *Device) Path() string {
	return fmt.Sprintf("/dev/ttyS%d", d.index)
}

// rcvd reports whether the port has a received byte ready.
func (d *Device) rcvd() bool {
	return d.sub.machine.Inb(d.base+machine.UARTOffLineStatus)&machine.UARTStatusDataReady != 0
}

// recv reads one byte, yielding to the scheduler until the port reports data
// ready. There is no timeout: the interrupt has already fired, or the caller
// accepts waiting forever on dead hardware.
func (d *Device) recv() byte {
	for !d.rcvd() {
		d.sub.sched.Yield()
	}
	return d.sub.machine.Inb(d.base + machine.UARTOffData)
}

// send writes one byte, yielding to the scheduler until the transmit buffer
// is empty. May be called from any task context.
func (d *Device) send(b byte) {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	m := d.sub.machine
	for m.Inb(d.base+machine.UARTOffLineStatus)&machine.UARTStatusTxEmpty == 0 {
		d.sub.sched.Yield()
	}
	m.Outb(d.base+machine.UARTOffData, b)
}

// linePair is the shared-IRQ-line state: the wait queue its worker suspends
// on and the two ports that alias the line.
type linePair struct {
	irq    int
	queue  *waiter.Queue
	worker *sched.Worker

	// mu protects ports: the second port of a pair is attached after the
	// line's worker is already running.
	mu    sync.Mutex
	ports []*Device
}

func (p *linePair) attach(d *Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ports = append(p.ports, d)
}

func (p *linePair) devices() []*Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Device(nil), p.ports...)
}

// Subsystem owns the serial ports: an explicit registry from port base to
// device state and from IRQ line to its one-time handler registration.
type Subsystem struct {
	machine    *machine.Machine
	sched      *sched.Scheduler
	devfs      *devfs.Registry
	installIRQ InstallIRQFunc

	mu      sync.Mutex
	devices map[uint16]*Device
	pairs   map[int]*linePair

	// irqInstalled guards handler registration: exactly one per line no
	// matter how many ports share it.
	irqInstalled [machine.NumIRQLines]bool
}

// New creates the subsystem. Call Start to bring the ports up.
func New(opts Options) *Subsystem {
	s := &Subsystem{
		machine:    opts.Machine,
		sched:      opts.Scheduler,
		devfs:      opts.Devfs,
		installIRQ: opts.InstallIRQ,
		devices:    make(map[uint16]*Device),
		pairs:      make(map[int]*linePair),
	}
	if s.installIRQ == nil {
		s.installIRQ = opts.Machine.PIC().InstallHandler
	}
	return s
}

// Start brings up all four standard ports: per-port hardware initialization,
// endpoint binding and device-node registration, a worker per shared IRQ
// line, and one interrupt handler per line.
func (s *Subsystem) Start() error {
	for _, p := range []struct {
		base uint16
		irq  int
	}{
		{PortA, IRQAC},
		{PortB, IRQBD},
		{PortC, IRQAC},
		{PortD, IRQBD},
	} {
		if err := s.createDevice(p.base, p.irq); err != nil {
			return fmt.Errorf("serial port %#x: %w", p.base, err)
		}
	}
	return nil
}

// Device returns the device at the given port base.
func (s *Subsystem) Device(base uint16) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[base]
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrNoSuchPort, base)
	}
	return d, nil
}

// Worker returns the worker draining the given IRQ line, for state
// inspection.
func (s *Subsystem) Worker(irq int) *sched.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pair, ok := s.pairs[irq]; ok {
		return pair.worker
	}
	return nil
}

func (s *Subsystem) createDevice(base uint16, irq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[base]; ok {
		return fmt.Errorf("port already registered")
	}

	d := &Device{
		sub:      s,
		base:     base,
		irq:      irq,
		index:    len(s.devices),
		endpoint: tty.NewEndpoint(),
	}
	d.endpoint.Bind(
		func(_ *tty.Endpoint, b byte) { d.send(b) },
		func(_ *tty.Endpoint) string { return d.Path() },
	)

	s.enable(base)

	pair, ok := s.pairs[irq]
	if !ok {
		pair = &linePair{
			irq:   irq,
			queue: waiter.NewQueue(fmt.Sprintf("serial irq %d", irq)),
		}
		pair.worker = s.sched.SpawnWorker(
			fmt.Sprintf("[serial irq %d]", irq), pair.queue, func(w *sched.Worker) {
				s.processLine(pair, w)
			})
		s.pairs[irq] = pair
	}
	pair.attach(d)

	if !s.irqInstalled[irq] {
		line := irq
		handler := func(_ *arch.Registers) {
			// Interrupt context: acknowledge so further interrupts
			// can be delivered, wake the worker, nothing else. No
			// port I/O, no blocking, no allocation.
			s.machine.PIC().Ack(line)
			sched.Wakeup(pair.queue)
		}
		if err := s.installIRQ(line, handler, fmt.Sprintf("serial irq %d", line)); err != nil {
			return err
		}
		s.irqInstalled[irq] = true
	}

	s.devices[base] = d
	if s.devfs != nil {
		if err := s.devfs.Mount(devfs.Node{
			Path:   d.Path(),
			GID:    dialoutGID,
			Mode:   nodeMode,
			Device: d,
		}); err != nil {
			return err
		}
	}
	log.Infof("serial: port %#x up as %s (irq %d)", base, d.Path(), irq)
	return nil
}

// enable programs a port: interrupts off, divisor latch selected, 115200
// baud, 8n1, FIFO enabled and cleared, modem lines set, receive interrupts
// armed.
func (s *Subsystem) enable(base uint16) {
	m := s.machine
	m.Outb(base+machine.UARTOffIntEnable, 0x00)
	m.Outb(base+machine.UARTOffLineCtl, 0x80)
	m.Outb(base+machine.UARTOffData, 0x01)
	m.Outb(base+machine.UARTOffIntEnable, 0x00)
	m.Outb(base+machine.UARTOffLineCtl, 0x03)
	m.Outb(base+machine.UARTOffIntIdent, 0xc7)
	m.Outb(base+machine.UARTOffModemCtl, 0x0b)
	m.Outb(base+machine.UARTOffIntEnable, 0x01)
}

// processLine is the worker loop for one shared IRQ line. It suspends on the
// line's wait queue; on wake it polls each port of the pair for data and
// drains until neither reports any, then suspends again. Which port raised
// the interrupt is determined purely from port state, never from the wakeup
// itself.
func (s *Subsystem) processLine(pair *linePair, w *sched.Worker) {
	for w.Sleep() {
		for {
			drained := false
			for _, d := range pair.devices() {
				for d.rcvd() {
					d.endpoint.FeedInput(d.recv())
					drained = true
					w.Yield()
				}
			}
			if !drained {
				break
			}
		}
	}
}
