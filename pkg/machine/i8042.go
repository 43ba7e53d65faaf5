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

// Keyboard controller port space.
const (
	// KbdPortData is the controller's data port.
	KbdPortData = 0x60

	// KbdPortCommand is the controller's status/command port.
	KbdPortCommand = 0x64
)

const (
	kbdPortBase  = KbdPortData
	kbdPortCount = KbdPortCommand - KbdPortData + 1

	kbdOffData    = 0x0
	kbdOffCommand = 0x4
)

// Keyboard controller status bits and commands.
const (
	// KbdStatusInputFull reports that the controller has not yet consumed
	// the last byte written to it.
	KbdStatusInputFull = 0x02

	// KbdCmdPulseReset asks the controller to pulse the platform reset
	// line.
	KbdCmdPulseReset = 0xfe
)

// KeyboardController models the i8042, reduced to the pieces the reboot path
// touches: the status register's input-buffer-full bit and the reset pulse
// command.
type KeyboardController struct {
	machine *Machine

	mu sync.Mutex
	// busy models the input buffer: while set, the controller reports
	// input-buffer-full and commands must wait.
	busy bool
	// honorReset is false on hardware that swallows the reset pulse.
	honorReset bool
}

func newKeyboardController(m *Machine, honorReset bool) *KeyboardController {
	return &KeyboardController{machine: m, honorReset: honorReset}
}

// SetBusy sets the input-buffer-full condition, for tests that exercise the
// wait-for-ready loop.
func (k *KeyboardController) SetBusy(busy bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.busy = busy
}

// PortRead implements PortDevice.PortRead.
func (k *KeyboardController) PortRead(off uint16) uint8 {
	k.mu.Lock()
	defer k.mu.Unlock()
	switch off {
	case kbdOffCommand:
		var status uint8
		if k.busy {
			status |= KbdStatusInputFull
		}
		return status
	default:
		return 0
	}
}

// PortWrite implements PortDevice.PortWrite.
func (k *KeyboardController) PortWrite(off uint16, v uint8) {
	k.mu.Lock()
	honor := k.honorReset
	k.mu.Unlock()

	if off == kbdOffCommand && v == KbdCmdPulseReset && honor {
		k.machine.RequestReset()
	}
}
