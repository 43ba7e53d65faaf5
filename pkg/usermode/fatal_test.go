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
	"testing"
	"time"

	"github.com/halcyon-os/halcyon/pkg/machine"
)

func TestFatalPrepareStopsPeers(t *testing.T) {
	m := machine.New(machine.Options{CPUs: 4})
	caller := m.CPU(1)

	FatalPrepare(caller)

	for i := 0; i < m.NumCPUs(); i++ {
		c := m.CPU(i)
		if i == caller.ID() {
			if c.Halted() {
				t.Errorf("core %d: the announcing core must keep running", i)
			}
			continue
		}
		if !c.Halted() {
			t.Errorf("core %d still running after FatalPrepare", i)
		}
		if c.InterruptsEnabled() {
			t.Errorf("core %d still has interrupts enabled after FatalPrepare", i)
		}
		before := c.Retired()
		if c.Tick() {
			t.Errorf("core %d executed an instruction after its stop IPI", i)
		}
		if got := c.Retired(); got != before {
			t.Errorf("core %d retired-instruction count advanced %d -> %d after halt", i, before, got)
		}
	}
}

func TestFatalParksUntilTeardown(t *testing.T) {
	m := machine.New(machine.Options{CPUs: 2})
	caller := m.CPU(0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		Fatal(caller)
	}()

	waitForHalt(t, caller)
	if !m.CPU(1).Halted() {
		t.Errorf("peer core not halted by Fatal")
	}
	select {
	case <-done:
		t.Fatalf("Fatal returned before machine teardown")
	case <-time.After(10 * time.Millisecond):
	}

	m.Shutdown()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Fatal did not unpark at machine teardown")
	}
}

func waitForHalt(t *testing.T, c *machine.CPU) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !c.Halted() {
		if time.Now().After(deadline) {
			t.Fatalf("core %d never halted", c.ID())
		}
		time.Sleep(time.Millisecond)
	}
}
