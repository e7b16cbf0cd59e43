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

package device

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"cachefs/internal/common"
	"cachefs/internal/download"
	"cachefs/internal/manifest"
	"cachefs/internal/vfs"
)

// Status is the lifecycle state of one handle. Within a fetch cycle
// transitions are monotonic: NotFetched, Fetching, then Fetched or
// Error. Only Close resets a handle back to Empty.
type Status int

const (
	StatusEmpty Status = iota
	StatusNotFetched
	StatusFetching
	StatusFetched
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusNotFetched:
		return "not-fetched"
	case StatusFetching:
		return "fetching"
	case StatusFetched:
		return "fetched"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// handleData is the per-open-file state. mu guards status and the
// underlying-device fields; progress counters are advisory atomics
// updated from the transfer goroutine.
type handleData struct {
	mu     sync.Mutex
	status Status

	entry manifest.Entry
	bulk  bool

	// Valid only while status is Fetched.
	parent       vfs.Device
	parentHandle vfs.Handle
	bulkBase     uint64

	progress atomic.Uint64
	total    atomic.Uint64

	// In-flight transfer, cleared by the completion handler.
	req download.Request

	// done is created when the handle enters Fetching and closed exactly
	// once by the completion handler, after every field above is final.
	done chan struct{}
}

// Table is a fixed-capacity pool of handle slots. Capacity never grows:
// exhaustion means a caller is leaking handles and is treated as
// unrecoverable via the OnExhausted hook.
type Table struct {
	mu    sync.Mutex
	slots []*handleData

	onExhausted func()
}

// NewTable creates a Table with the given capacity. onExhausted runs when
// allocation finds no empty slot; nil installs a log.Fatalf hook.
func NewTable(capacity int, onExhausted func()) *Table {
	if onExhausted == nil {
		onExhausted = func() {
			log.Fatalf("file handle table exhausted (%d slots): handle leak", capacity)
		}
	}
	slots := make([]*handleData, capacity)
	for i := range slots {
		slots[i] = &handleData{}
	}
	return &Table{slots: slots, onExhausted: onExhausted}
}

// Allocate claims the first empty slot and returns its handle. The slot
// is claimed with StatusError while the table lock is held so no
// concurrent Allocate can pick it; the caller populates the slot and sets
// the real status before handing the handle out.
func (t *Table) Allocate() (vfs.Handle, *handleData, error) {
	t.mu.Lock()
	for i, hd := range t.slots {
		hd.mu.Lock()
		if hd.status == StatusEmpty {
			hd.status = StatusError
			hd.mu.Unlock()
			t.mu.Unlock()
			return vfs.Handle(i), hd, nil
		}
		hd.mu.Unlock()
	}
	t.mu.Unlock()

	t.onExhausted()
	return vfs.InvalidHandle, nil, common.ErrIO
}

// Get returns the slot for h. Empty slots are reported as invalid.
func (t *Table) Get(h vfs.Handle) (*handleData, error) {
	if int(h) >= len(t.slots) {
		return nil, common.ErrInvalidHandle
	}
	hd := t.slots[h]
	hd.mu.Lock()
	empty := hd.status == StatusEmpty
	hd.mu.Unlock()
	if empty {
		return nil, common.ErrInvalidHandle
	}
	return hd, nil
}

// Release resets the slot to Empty, making it available again. The
// caller must have closed any underlying device handle first.
func (t *Table) Release(h vfs.Handle) {
	if int(h) >= len(t.slots) {
		return
	}
	hd := t.slots[h]
	hd.mu.Lock()
	hd.status = StatusEmpty
	hd.entry = manifest.Entry{}
	hd.bulk = false
	hd.parent = nil
	hd.parentHandle = vfs.InvalidHandle
	hd.bulkBase = 0
	hd.progress.Store(0)
	hd.total.Store(0)
	hd.req = nil
	hd.done = nil
	hd.mu.Unlock()
}
