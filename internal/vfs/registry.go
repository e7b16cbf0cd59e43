// Copyright 2025 CacheFS Authors
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

package vfs

import (
	"sort"
	"strings"
	"sync"
)

type mount struct {
	prefix string
	dev    Device
}

// Registry maps path prefixes to devices. Lookup picks the longest
// matching prefix; paths matching no mount go to the fallback device.
type Registry struct {
	mu       sync.RWMutex
	mounts   []mount
	fallback Device
}

// NewRegistry creates a Registry whose unmatched paths resolve to
// fallback. fallback may be nil, in which case unmatched lookups
// return nil.
func NewRegistry(fallback Device) *Registry {
	return &Registry{fallback: fallback}
}

// Mount registers dev at prefix, replacing any existing mount with the
// same prefix.
func (r *Registry) Mount(prefix string, dev Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.mounts {
		if r.mounts[i].prefix == prefix {
			r.mounts[i].dev = dev
			return
		}
	}
	r.mounts = append(r.mounts, mount{prefix: prefix, dev: dev})
	// Longest prefix first so lookup can take the first match.
	sort.SliceStable(r.mounts, func(i, j int) bool {
		return len(r.mounts[i].prefix) > len(r.mounts[j].prefix)
	})
}

// Unmount removes the mount at prefix, if any.
func (r *Registry) Unmount(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.mounts {
		if r.mounts[i].prefix == prefix {
			r.mounts = append(r.mounts[:i], r.mounts[i+1:]...)
			return
		}
	}
}

// DeviceFor resolves path to its device and returns the path relative to
// the mount prefix. Paths matching no mount resolve to the fallback
// device with the path unchanged.
func (r *Registry) DeviceFor(path string) (Device, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.mounts {
		if strings.HasPrefix(path, m.prefix) {
			return m.dev, strings.TrimPrefix(path, m.prefix)
		}
	}
	return r.fallback, path
}
