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

// Package fpu provides basic floating point helpers.
package fpu

// State represents a floating-point register file in the FXSAVE memory
// layout.
//
// This is a simple byte slice, but may have architecture-specific methods
// attached to it.
type State []byte

const (
	// stateSize is the size in bytes of the FXSAVE area.
	stateSize = 512

	// stateAlign is the byte alignment the save/restore instructions
	// require of the area.
	stateAlign = 16
)

// alignedBytes returns a slice of size bytes, aligned in memory to the given
// alignment. This is used because we require certain structures to be aligned
// in a specific way (for example, the FXSAVE area must be 16-byte aligned).
func alignedBytes(size, alignment uint) []byte {
	data := make([]byte, size+alignment-1)
	offset := uint(uintptr(unsafePointer(&data[0])) % uintptr(alignment))
	if offset == 0 {
		return data[:size:size]
	}
	return data[alignment-offset:][:size:size]
}

// NewState returns a zeroed floating point state block, correctly sized and
// aligned for the hardware save/restore instructions.
func NewState() State {
	return State(alignedBytes(stateSize, stateAlign))
}
