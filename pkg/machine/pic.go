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
	"fmt"
	"sync"

	"github.com/halcyon-os/halcyon/pkg/arch"
	"github.com/halcyon-os/halcyon/pkg/log"
)

// NumIRQLines is the number of interrupt request lines the controller
// exposes.
const NumIRQLines = 16

// IRQHandler handles one delivery of an interrupt line. It runs in interrupt
// context: further interrupts for the line are held off until the handler
// acknowledges, and the handler must not block or allocate. The register
// snapshot of the interrupted context is passed through and may be nil for
// lines raised by modeled devices.
type IRQHandler func(regs *arch.Registers)

type irqLine struct {
	handlers []installedHandler

	// inService is set from delivery until Ack; a raise arriving in that
	// window is recorded in pending and redelivered on Ack.
	inService bool
	pending   bool
}

type installedHandler struct {
	h    IRQHandler
	name string
}

// PIC models the interrupt controller: handler registration, line raising
// and end-of-interrupt acknowledgment.
type PIC struct {
	machine *Machine

	mu    sync.Mutex
	lines [NumIRQLines]irqLine
}

func newPIC(m *Machine) *PIC {
	return &PIC{machine: m}
}

// InstallHandler registers a handler for a line. Multiple handlers may share
// a line; each delivery invokes all of them in registration order.
func (p *PIC) InstallHandler(line int, h IRQHandler, name string) error {
	if line < 0 || line >= NumIRQLines {
		return fmt.Errorf("irq line %d out of range", line)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines[line].handlers = append(p.lines[line].handlers, installedHandler{h: h, name: name})
	log.Debugf("irq: installed handler %q on line %d", name, line)
	return nil
}

// Ack acknowledges delivery on a line, allowing further interrupts to be
// delivered. Handlers call this first, before doing anything else.
func (p *PIC) Ack(line int) {
	p.mu.Lock()
	l := &p.lines[line]
	l.inService = false
	redeliver := l.pending
	l.pending = false
	p.mu.Unlock()

	if redeliver {
		p.Raise(line)
	}
}

// Raise asserts an interrupt line. The line's handlers run synchronously on
// the calling goroutine, which stands in for interrupt context. A raise that
// arrives while the line is still in service is coalesced and redelivered
// when the in-service handler acknowledges.
func (p *PIC) Raise(line int) {
	p.mu.Lock()
	l := &p.lines[line]
	if l.inService {
		l.pending = true
		p.mu.Unlock()
		return
	}
	l.inService = true
	handlers := l.handlers
	p.mu.Unlock()

	for _, ih := range handlers {
		ih.h(nil)
	}

	// Lift any core idling in Pause.
	for _, c := range p.machine.cpus {
		if c.InterruptsEnabled() {
			c.kick()
		}
	}
}

// Handlers returns the names of the handlers installed on a line.
func (p *PIC) Handlers(line int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var names []string
	for _, ih := range p.lines[line].handlers {
		names = append(names, ih.name)
	}
	return names
}
