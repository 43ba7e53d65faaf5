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
	"time"

	"github.com/halcyon-os/halcyon/pkg/log"
)

// unmappedLog reports unmapped port traffic. A driver probing an absent
// device retries in a tight loop, so the warning is rate limited rather than
// repeated per access.
var unmappedLog = log.BasicRateLimitedLogger(5 * time.Second)

// PortDevice is a device mapped into the port I/O space. Offsets are relative
// to the device's base port.
type PortDevice interface {
	PortRead(off uint16) uint8
	PortWrite(off uint16, v uint8)
}

type portMapping struct {
	base uint16
	dev  PortDevice
}

// RegisterPorts maps a device at [base, base+count). Overlapping mappings are
// a bring-up bug and are rejected.
func (m *Machine) RegisterPorts(base, count uint16, dev PortDevice) error {
	m.portMu.Lock()
	defer m.portMu.Unlock()
	for off := uint16(0); off < count; off++ {
		if _, ok := m.ports[base+off]; ok {
			return fmt.Errorf("port %#x already mapped", base+off)
		}
	}
	for off := uint16(0); off < count; off++ {
		m.ports[base+off] = portMapping{base: base, dev: dev}
	}
	return nil
}

// Inb reads one byte from a port. Unmapped ports float high, as the real bus
// does.
func (m *Machine) Inb(port uint16) uint8 {
	m.portMu.RLock()
	pm, ok := m.ports[port]
	m.portMu.RUnlock()
	if !ok {
		unmappedLog.Warningf("machine: read from unmapped port %#x", port)
		return 0xff
	}
	return pm.dev.PortRead(port - pm.base)
}

// Outb writes one byte to a port. Writes to unmapped ports are dropped.
func (m *Machine) Outb(port uint16, v uint8) {
	m.portMu.RLock()
	pm, ok := m.ports[port]
	m.portMu.RUnlock()
	if !ok {
		unmappedLog.Warningf("machine: write to unmapped port %#x", port)
		return
	}
	pm.dev.PortWrite(port-pm.base, v)
}
