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

// Package devfs is the character-device node registry: drivers mount their
// devices at fixed textual paths with ownership and permission metadata, and
// the filesystem layer looks them up by path.
package devfs

import (
	"fmt"
	"io/fs"
	"sort"
	"sync"
)

// Node is one mounted character device.
type Node struct {
	// Path is the absolute device path, e.g. "/dev/ttyS0".
	Path string

	// UID and GID own the node.
	UID int
	GID int

	// Mode is the node's permission bits.
	Mode fs.FileMode

	// Device is the driver-side object behind the node.
	Device any
}

// Registry maps device paths to nodes.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]Node
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]Node)}
}

// Mount registers a node. Mounting over an existing path is a driver bug and
// fails.
func (r *Registry) Mount(n Node) error {
	if n.Path == "" {
		return fmt.Errorf("device node has no path")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[n.Path]; ok {
		return fmt.Errorf("device node %q already mounted", n.Path)
	}
	r.nodes[n.Path] = n
	return nil
}

// Lookup returns the node mounted at path.
func (r *Registry) Lookup(path string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[path]
	return n, ok
}

// Paths returns all mounted paths in sorted order.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.nodes))
	for p := range r.nodes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
