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

package sched

import (
	"testing"
	"time"

	"github.com/halcyon-os/halcyon/pkg/waiter"
)

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWorkerWakeup(t *testing.T) {
	s := New()
	defer s.Shutdown()
	q := waiter.NewQueue("test queue")

	drained := make(chan struct{}, 16)
	w := s.SpawnWorker("[test]", q, func(w *Worker) {
		for w.Sleep() {
			drained <- struct{}{}
		}
	})

	waitFor(t, "worker to suspend", func() bool { return w.State() == StateSuspended })

	Wakeup(q)
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker was not woken")
	}

	waitFor(t, "worker to suspend again", func() bool { return w.State() == StateSuspended })
	if got := w.Wakeups(); got != 1 {
		t.Errorf("Wakeups() = %d, want 1", got)
	}
}

func TestWakeupBeforeSleepNotLost(t *testing.T) {
	s := New()
	defer s.Shutdown()
	q := waiter.NewQueue("test queue")

	release := make(chan struct{})
	drained := make(chan struct{}, 16)
	w := s.SpawnWorker("[test]", q, func(w *Worker) {
		<-release // hold the worker out of its first sleep
		for w.Sleep() {
			drained <- struct{}{}
		}
	})

	// The wakeup fires before the worker ever sleeps. It must be retained.
	Wakeup(q)
	close(release)

	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatalf("pre-sleep wakeup was lost")
	}
	_ = w
}

func TestWakeupLiveness(t *testing.T) {
	s := New()
	defer s.Shutdown()
	q := waiter.NewQueue("test queue")

	resumed := make(chan struct{})
	w := s.SpawnWorker("[test]", q, func(w *Worker) {
		for w.Sleep() {
			resumed <- struct{}{}
		}
	})

	// N wakeups with no intervening starvation produce at least N
	// resumptions.
	const n = 50
	for i := 0; i < n; i++ {
		waitFor(t, "worker to suspend", func() bool { return w.State() == StateSuspended })
		Wakeup(q)
		select {
		case <-resumed:
		case <-time.After(5 * time.Second):
			t.Fatalf("wakeup %d was lost", i)
		}
	}
	if got := w.Wakeups(); got < n {
		t.Errorf("Wakeups() = %d, want at least %d", got, n)
	}
}

func TestShutdownUnblocksWorker(t *testing.T) {
	s := New()
	q := waiter.NewQueue("test queue")

	exited := make(chan struct{})
	s.SpawnWorker("[test]", q, func(w *Worker) {
		for w.Sleep() {
		}
		close(exited)
	})

	s.Shutdown()
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not exit at shutdown")
	}
}
