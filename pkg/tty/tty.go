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

// Package tty provides the line-discipline endpoint that sits between a
// character device driver and terminal semantics. The driver feeds received
// bytes in and registers two callbacks: one for emitting a byte out through
// the device, one for producing the device's display name.
package tty

import (
	"errors"
	"sync"
)

// ErrNotBound is returned when output is written to an endpoint no device
// has registered with.
var ErrNotBound = errors.New("endpoint is not bound to a device")

// WriteOutFunc emits one byte through the endpoint's device.
type WriteOutFunc func(e *Endpoint, b byte)

// FillNameFunc produces the display name of the endpoint's device.
type FillNameFunc func(e *Endpoint) string

// Endpoint is one logical line device's attachment point. The device side
// calls FeedInput and registers the callbacks; the terminal side reads
// buffered input and writes output.
type Endpoint struct {
	mu    sync.Mutex
	input []byte

	writeOut WriteOutFunc
	fillName FillNameFunc

	// fed counts FeedInput calls, cheap enough to keep unconditionally
	// and what drain accounting is checked against.
	fed uint64
}

// NewEndpoint returns an unbound endpoint.
func NewEndpoint() *Endpoint {
	return &Endpoint{}
}

// Bind registers the device-side callbacks.
func (e *Endpoint) Bind(writeOut WriteOutFunc, fillName FillNameFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writeOut = writeOut
	e.fillName = fillName
}

// FeedInput delivers one received byte from the device into the input
// buffer. Called by the device's drain path.
func (e *Endpoint) FeedInput(b byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.input = append(e.input, b)
	e.fed++
}

// TakeInput drains and returns all buffered input.
func (e *Endpoint) TakeInput() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	in := e.input
	e.input = nil
	return in
}

// InputLen returns the number of buffered input bytes.
func (e *Endpoint) InputLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.input)
}

// FedCount returns the total number of bytes ever fed in.
func (e *Endpoint) FedCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fed
}

// WriteByte emits one byte out through the bound device.
func (e *Endpoint) WriteByte(b byte) error {
	e.mu.Lock()
	out := e.writeOut
	e.mu.Unlock()
	if out == nil {
		return ErrNotBound
	}
	// The callback runs outside the endpoint lock: the device's transmit
	// path yields while waiting on hardware.
	out(e, b)
	return nil
}

// Write implements io.Writer over WriteByte.
func (e *Endpoint) Write(p []byte) (int, error) {
	for i, b := range p {
		if err := e.WriteByte(b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

// Name returns the device's display name, or "" if unbound.
func (e *Endpoint) Name() string {
	e.mu.Lock()
	fill := e.fillName
	e.mu.Unlock()
	if fill == nil {
		return ""
	}
	return fill(e)
}
