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

// Package manifest tracks the remote files the caching device may serve:
// per-resource lists of entries carrying the content hash, remote URL and
// declared size used to fetch and verify each file.
package manifest

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"cachefs/internal/common"
)

// Entry describes one remotely hosted file.
type Entry struct {
	// ReferenceHash is the content hash identifying this file in the
	// local cache store.
	ReferenceHash string `yaml:"hash"`

	// Basename is the file name within its resource.
	Basename string `yaml:"name"`

	// ResourceName is the resource the entry belongs to.
	ResourceName string `yaml:"-"`

	// RemoteURL is where the file is fetched from on a cache miss.
	RemoteURL string `yaml:"url"`

	// Size is the size declared by the publisher, in bytes. It is used
	// as a length fallback before the file has been fetched; the
	// authoritative size is whatever the transfer yields.
	Size uint64 `yaml:"size"`

	// ExtData carries opaque publisher metadata, such as format version
	// and flag words surfaced through the device control interface.
	ExtData map[string]string `yaml:"ext,omitempty"`
}

// Manifest is a concurrency-safe registry of entries grouped by resource.
type Manifest struct {
	mu        sync.RWMutex
	resources map[string]map[string]Entry
}

// New creates an empty Manifest.
func New() *Manifest {
	return &Manifest{resources: make(map[string]map[string]Entry)}
}

// AddResource registers (or extends) a resource with the given entries.
// Each entry's ResourceName is set to name.
func (m *Manifest) AddResource(name string, entries []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := m.resources[name]
	if items == nil {
		items = make(map[string]Entry, len(entries))
		m.resources[name] = items
	}
	for _, e := range entries {
		e.ResourceName = name
		items[e.Basename] = e
	}
}

// RemoveResource forgets all entries of a resource.
func (m *Manifest) RemoveResource(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resources, name)
}

// Entry returns the entry for item within resource.
func (m *Manifest) Entry(resource, item string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items, ok := m.resources[resource]
	if !ok {
		return Entry{}, fmt.Errorf("resource %q: %w", resource, common.ErrNotFound)
	}
	e, ok := items[item]
	if !ok {
		return Entry{}, fmt.Errorf("%s/%s: %w", resource, item, common.ErrNotFound)
	}
	return e, nil
}

// Resolve splits a relative virtual path of the form "resource/item" and
// returns the matching entry.
func (m *Manifest) Resolve(relPath string) (Entry, error) {
	resource, item, ok := strings.Cut(relPath, "/")
	if !ok || resource == "" || item == "" {
		return Entry{}, fmt.Errorf("path %q: %w", relPath, common.ErrNotFound)
	}
	return m.Entry(resource, item)
}

// Resources returns the registered resource names.
func (m *Manifest) Resources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.resources))
	for name := range m.resources {
		names = append(names, name)
	}
	return names
}

// Entries returns all entries of a resource.
func (m *Manifest) Entries(resource string) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := m.resources[resource]
	entries := make([]Entry, 0, len(items))
	for _, e := range items {
		entries = append(entries, e)
	}
	return entries
}

type manifestFile struct {
	Resources map[string][]Entry `yaml:"resources"`
}

// Load reads a manifest file and returns the populated Manifest.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file manifestFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	m := New()
	for name, entries := range file.Resources {
		m.AddResource(name, entries)
	}
	return m, nil
}
