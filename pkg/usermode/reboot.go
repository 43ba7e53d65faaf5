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
	"errors"
	"runtime"

	"github.com/halcyon-os/halcyon/pkg/log"
	"github.com/halcyon-os/halcyon/pkg/machine"
)

// ErrRebootNotHonored is returned by Reboot when neither the keyboard
// controller reset pulse nor the triple-fault fallback brought the machine
// down.
var ErrRebootNotHonored = errors.New("reboot request was not honored")

// kbdDrainSpins bounds the wait for the i8042 input buffer to empty before
// the reset pulse is sent anyway.
const kbdDrainSpins = 1 << 12

// Reboot restarts the machine. It clears the interrupt descriptor table
// first, so that any interrupt taken from here on triple-faults the
// processor; on hardware where the i8042 pulse is wired to nothing, that
// fault is what actually resets the box. It then waits for the keyboard
// controller to drain and pulses the CPU reset line.
//
// Reboot returns only if the request was not honored.
func Reboot(m *machine.Machine) error {
	log.Infof("reboot: pulsing reset line")

	m.LoadIDT(nil)

	for i := 0; i < kbdDrainSpins; i++ {
		if m.Inb(machine.KbdPortCommand)&machine.KbdStatusInputFull == 0 {
			break
		}
		runtime.Gosched()
	}
	m.Outb(machine.KbdPortCommand, machine.KbdCmdPulseReset)

	if !m.ResetRequested() {
		return ErrRebootNotHonored
	}
	return nil
}
