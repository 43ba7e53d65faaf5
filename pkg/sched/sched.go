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

// Package sched provides the cooperative scheduling primitives the kernel
// core relies on: a voluntary yield, and long-lived workers that suspend on
// a wait queue and are woken by interrupt handlers.
//
// A worker's wait-queue registration is established once at spawn and never
// dropped, so a wakeup that races the worker's own suspend is retained and
// satisfies the next sleep rather than being lost.
package sched

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/halcyon-os/halcyon/pkg/log"
	"github.com/halcyon-os/halcyon/pkg/waiter"
)

// WorkerState is the observable state of a worker.
type WorkerState int32

// Worker states.
const (
	// StateSuspended means the worker is enqueued on its wait queue and
	// not runnable.
	StateSuspended WorkerState = iota

	// StateRunning means the worker is between Sleep calls, actively
	// draining work.
	StateRunning
)

// String implements fmt.Stringer.
func (s WorkerState) String() string {
	switch s {
	case StateSuspended:
		return "suspended"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Scheduler owns the kernel-level workers. Ordinary tasks and workers share
// the underlying cores; Yield is the voluntary give-up point the polling
// primitives call while waiting on hardware.
type Scheduler struct {
	mu      sync.Mutex
	workers []*Worker

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New creates a scheduler.
func New() *Scheduler {
	return &Scheduler{shutdownCh: make(chan struct{})}
}

// Yield voluntarily gives up the current core.
func (s *Scheduler) Yield() {
	runtime.Gosched()
}

// Wakeup marks every waiter on the queue runnable. It is safe to call from
// interrupt context and performs no allocation.
func Wakeup(q *waiter.Queue) {
	q.Notify()
}

// SpawnWorker creates a long-lived worker bound one-to-one with the given
// wait queue and starts it on fn. The worker loops forever; it only winds
// down at scheduler shutdown, when Sleep returns false.
func (s *Scheduler) SpawnWorker(name string, q *waiter.Queue, fn func(w *Worker)) *Worker {
	w := &Worker{
		name:  name,
		queue: q,
		sched: s,
	}
	w.entry, w.wake = waiter.NewChannelEntry(nil)
	w.state.Store(int32(StateRunning))
	q.EventRegister(&w.entry)

	s.mu.Lock()
	s.workers = append(s.workers, w)
	s.mu.Unlock()

	log.Debugf("sched: spawned worker %q on queue %q", name, q.Name())
	go fn(w)
	return w
}

// Shutdown unblocks every sleeping worker with a false return from Sleep.
// Intended for tests and model teardown; a running kernel never calls it.
func (s *Scheduler) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
	})
}

// Worker is a long-lived kernel task dedicated to draining one class of
// interrupt-signaled event.
type Worker struct {
	name  string
	queue *waiter.Queue
	sched *Scheduler

	entry waiter.Entry
	wake  chan struct{}

	state   atomic.Int32
	wakeups atomic.Uint64
}

// Name returns the worker's name.
func (w *Worker) Name() string {
	return w.name
}

// Queue returns the wait queue the worker is bound to.
func (w *Worker) Queue() *waiter.Queue {
	return w.queue
}

// State returns the worker's observable state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// Wakeups returns how many times the worker has resumed from suspension.
func (w *Worker) Wakeups() uint64 {
	return w.wakeups.Load()
}

// Yield voluntarily gives up the current core.
func (w *Worker) Yield() {
	w.sched.Yield()
}

// Sleep suspends the worker on its queue until a wakeup arrives. It returns
// false only at scheduler shutdown. A wakeup delivered while the worker was
// still draining is retained and makes the next Sleep return immediately.
func (w *Worker) Sleep() bool {
	w.state.Store(int32(StateSuspended))
	select {
	case <-w.wake:
		w.state.Store(int32(StateRunning))
		w.wakeups.Add(1)
		return true
	case <-w.sched.shutdownCh:
		return false
	}
}
