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

// Package waiter provides the implementation of a wait queue, where waiters
// can be enqueued to be notified when an event of interest happens.
//
// A queue has a single semantic purpose (for example, "this line pair has
// unread data"), is created once at subsystem initialization, and lives for
// the kernel's lifetime. Producers running in interrupt context wake every
// waiter with Notify; waiters suspend with a pattern similar to this:
//
//	e, ch := waiter.NewChannelEntry(nil)
//	q.EventRegister(&e)
//	for !conditionSatisfied() {
//		<-ch
//	}
//	q.EventUnregister(&e)
//
// Waiters must always re-check the condition they slept on after waking:
// wakeups are level-like, not counted, and two producer notifications that
// race a single sleep coalesce into one wake.
package waiter

import (
	"sync"

	"github.com/halcyon-os/halcyon/pkg/ilist"
)

// EntryCallback provides a notify callback.
type EntryCallback interface {
	// Callback is the function to be called when the waiter entry is
	// notified. It is responsible for doing whatever is needed to wake up
	// the waiter.
	//
	// The callback is supposed to perform minimal work, and cannot call
	// any method on the queue itself because it will be locked while the
	// callback is running. It may run in interrupt context and therefore
	// must not block or allocate.
	Callback(e *Entry)
}

// Entry represents a waiter that can be added to a wait queue. It can only be
// in one queue at a time, and is added "intrusively" to the queue with no
// extra memory allocations.
type Entry struct {
	// Context stores any state the waiter may wish to store in the entry
	// itself, which may be used at wake up time.
	//
	// Note that use of this field is optional and state may alternatively
	// be stored in the callback itself.
	Context any

	Callback EntryCallback

	ilist.Entry
}

type channelCallback struct{}

// Callback implements EntryCallback.Callback.
func (*channelCallback) Callback(e *Entry) {
	ch := e.Context.(chan struct{})
	select {
	case ch <- struct{}{}:
	default:
	}
}

// NewChannelEntry initializes a new Entry that does a non-blocking write to a
// struct{} channel when the callback is called. It returns the new Entry
// instance and the channel being used.
//
// The channel has a buffer of one: a notification delivered while the waiter
// is not blocked is retained and satisfies the waiter's next wait, so a wake
// issued between a condition check and the subsequent sleep is never lost.
//
// If a channel isn't specified (i.e., if "c" is nil), then NewChannelEntry
// allocates a new channel.
func NewChannelEntry(c chan struct{}) (Entry, chan struct{}) {
	if c == nil {
		c = make(chan struct{}, 1)
	}

	return Entry{Context: c, Callback: &channelCallback{}}, c
}

// Queue represents the wait queue where waiters can be added and notifiers
// can notify them when events happen.
//
// The zero value for waiter.Queue is an empty queue ready for use.
type Queue struct {
	list ilist.List
	mu   sync.RWMutex

	// name identifies the queue in logs and diagnostics. It carries no
	// semantic weight.
	name string
}

// NewQueue returns a new named queue.
func NewQueue(name string) *Queue {
	return &Queue{name: name}
}

// Name returns the queue's diagnostic name.
func (q *Queue) Name() string {
	return q.name
}

// EventRegister adds a waiter to the wait queue.
func (q *Queue) EventRegister(e *Entry) {
	q.mu.Lock()
	q.list.PushBack(e)
	q.mu.Unlock()
}

// EventUnregister removes the given waiter entry from the wait queue.
func (q *Queue) EventUnregister(e *Entry) {
	q.mu.Lock()
	q.list.Remove(e)
	q.mu.Unlock()
}

// Notify marks every waiter on the queue runnable.
//
// Notify is safe to call from interrupt context: it takes only the queue's
// read lock, performs no allocation, and the entry callbacks it invokes are
// required to be non-blocking.
func (q *Queue) Notify() {
	q.mu.RLock()
	for it := q.list.Front(); it != nil; it = it.Next() {
		e := it.(*Entry)
		e.Callback.Callback(e)
	}
	q.mu.RUnlock()
}

// IsEmpty returns if the wait queue is empty or not.
func (q *Queue) IsEmpty() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.list.Front() == nil
}
