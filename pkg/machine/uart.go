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

import "sync"

// 8250 register offsets (some alias depending on the divisor latch bit).
const (
	UARTOffData       = 0 // RBR on read, THR on write, DLL with DLAB set
	UARTOffIntEnable  = 1 // IER, DLM with DLAB set
	UARTOffIntIdent   = 2 // IIR on read, FCR on write
	UARTOffLineCtl    = 3 // LCR
	UARTOffModemCtl   = 4 // MCR
	UARTOffLineStatus = 5 // LSR
)

// Line status bits.
const (
	UARTStatusDataReady = 0x01
	UARTStatusTxEmpty   = 0x20
)

// Interrupt identification values.
const (
	uartIIRNone      = 0x01
	uartIIRDataReady = 0x04
)

// IER bits.
const uartIERRxAvail = 0x01

// LCR bits.
const uartLCRDivisorLatch = 0x80

// UART models an 8250-style serial port: a receive FIFO fed by the host side
// of the model, a transmit register whose output is captured, and the handful
// of configuration registers the bring-up sequence programs.
type UART struct {
	machine *Machine
	irq     int

	mu  sync.Mutex
	rx  []byte
	tx  []byte
	ier uint8
	fcr uint8
	lcr uint8
	mcr uint8
	dll uint8
	dlm uint8
}

// NewUART creates a UART raising the given IRQ line and maps it at base.
func NewUART(m *Machine, base uint16, irq int) (*UART, error) {
	u := &UART{machine: m, irq: irq}
	if err := m.RegisterPorts(base, 8, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Push feeds bytes into the receive FIFO from the host side and raises the
// port's interrupt line if receive interrupts are armed.
func (u *UART) Push(data ...byte) {
	u.mu.Lock()
	u.rx = append(u.rx, data...)
	raise := u.ier&uartIERRxAvail != 0
	u.mu.Unlock()

	if raise {
		u.machine.pic.Raise(u.irq)
	}
}

// Output drains and returns everything written to the transmit register.
func (u *UART) Output() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := u.tx
	u.tx = nil
	return out
}

// Divisor returns the programmed baud-rate divisor.
func (u *UART) Divisor() uint16 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return uint16(u.dlm)<<8 | uint16(u.dll)
}

// FIFOControl returns the last value written to the FIFO control register.
func (u *UART) FIFOControl() uint8 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.fcr
}

// PortRead implements PortDevice.PortRead.
func (u *UART) PortRead(off uint16) uint8 {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch off {
	case UARTOffData:
		if u.lcr&uartLCRDivisorLatch != 0 {
			return u.dll
		}
		if len(u.rx) == 0 {
			return 0
		}
		b := u.rx[0]
		u.rx = u.rx[1:]
		return b
	case UARTOffIntEnable:
		if u.lcr&uartLCRDivisorLatch != 0 {
			return u.dlm
		}
		return u.ier
	case UARTOffIntIdent:
		if len(u.rx) > 0 {
			return uartIIRDataReady
		}
		return uartIIRNone
	case UARTOffLineCtl:
		return u.lcr
	case UARTOffModemCtl:
		return u.mcr
	case UARTOffLineStatus:
		// Transmit never backs up in the model.
		status := uint8(UARTStatusTxEmpty | 0x40)
		if len(u.rx) > 0 {
			status |= UARTStatusDataReady
		}
		return status
	default:
		return 0
	}
}

// PortWrite implements PortDevice.PortWrite.
func (u *UART) PortWrite(off uint16, v uint8) {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch off {
	case UARTOffData:
		if u.lcr&uartLCRDivisorLatch != 0 {
			u.dll = v
			return
		}
		u.tx = append(u.tx, v)
	case UARTOffIntEnable:
		if u.lcr&uartLCRDivisorLatch != 0 {
			u.dlm = v
			return
		}
		u.ier = v
	case UARTOffIntIdent:
		u.fcr = v
	case UARTOffLineCtl:
		u.lcr = v
	case UARTOffModemCtl:
		u.mcr = v
	}
}
