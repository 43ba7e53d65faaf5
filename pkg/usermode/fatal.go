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
	"github.com/halcyon-os/halcyon/pkg/log"
	"github.com/halcyon-os/halcyon/pkg/machine"
)

// FatalPrepare stops every core except the caller's: each receives an
// NMI-class IPI that masks its interrupts and halts it in place. Once it
// returns, no other core can observe or mutate shared state, so crash
// reporting may proceed without locks.
//
// This path must never take a lock; a peer core frozen mid-critical-section
// would deadlock it.
func FatalPrepare(c *machine.CPU) {
	m := c.Machine()
	for i := 0; i < m.NumCPUs(); i++ {
		if i == c.ID() {
			continue
		}
		m.SendIPI(i, machine.FatalHaltICR)
	}
}

// Fatal halts all processors, including this one. It does not return: the
// calling core parks in its terminal halt (lifted only at model teardown).
//
// See FatalPrepare.
func Fatal(c *machine.CPU) {
	FatalPrepare(c)
	// Peers are stopped; dump diagnostics before this core goes dark too.
	log.TracebackAll("fatal: all cores halted by core %d", c.ID())
	c.HaltForever()
}
