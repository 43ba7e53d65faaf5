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

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// pageSize is the granularity of the sparse memory model.
const pageSize = 4096

// Memory models user-accessible memory. Word accesses are little-endian.
type Memory interface {
	ReadUint64(addr uintptr) (uint64, error)
	WriteUint64(addr uintptr, v uint64) error
}

// SparseMemory is a page-granular sparse memory: pages are allocated on
// first touch, so any address is writable. Use it when no fault model is
// needed.
type SparseMemory struct {
	mu    sync.RWMutex
	pages map[uintptr]*[pageSize]byte
}

// NewSparseMemory returns an empty sparse memory.
func NewSparseMemory() *SparseMemory {
	return &SparseMemory{pages: make(map[uintptr]*[pageSize]byte)}
}

func (m *SparseMemory) page(addr uintptr, alloc bool) *[pageSize]byte {
	key := addr &^ (pageSize - 1)
	if !alloc {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.pages[key]
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[key]
	if !ok {
		p = &[pageSize]byte{}
		m.pages[key] = p
	}
	return p
}

// ReadUint64 implements Memory.ReadUint64.
func (m *SparseMemory) ReadUint64(addr uintptr) (uint64, error) {
	if addr%pageSize > pageSize-8 {
		return 0, fmt.Errorf("unaligned word access straddles a page at %#x", addr)
	}
	p := m.page(addr, false)
	if p == nil {
		return 0, nil
	}
	return binary.LittleEndian.Uint64(p[addr%pageSize:]), nil
}

// WriteUint64 implements Memory.WriteUint64.
func (m *SparseMemory) WriteUint64(addr uintptr, v uint64) error {
	if addr%pageSize > pageSize-8 {
		return fmt.Errorf("unaligned word access straddles a page at %#x", addr)
	}
	p := m.page(addr, true)
	binary.LittleEndian.PutUint64(p[addr%pageSize:], v)
	return nil
}
