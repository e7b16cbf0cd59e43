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
	"cachefs/internal/events"
	"cachefs/internal/session"
	"cachefs/internal/vfs"
)

// Pair is the blocking and non-blocking view over one cache.
type Pair struct {
	Blocking    *Device
	NonBlocking *Device
	Registry    *vfs.Registry
}

// MountPair registers two device instances over the same cache in the
// registry: one that suspends readers during a fetch and one whose
// readers poll. They share the store, manifest, downloader, session and
// event bus but keep separate handle tables. Without a registry in opts
// one is created over the host filesystem.
func MountPair(blockingPrefix, nonBlockingPrefix string, opts Options) Pair {
	// Materialize shared collaborators before copying so both instances
	// use the same ones.
	if opts.Session == nil {
		opts.Session = session.New()
	}
	if opts.Events == nil {
		opts.Events = events.NewBroadcaster()
	}
	if opts.Registry == nil {
		opts.Registry = vfs.NewRegistry(vfs.NewOSDevice())
	}

	blocking := opts
	blocking.Blocking = true
	blocking.Prefix = blockingPrefix

	nonBlocking := opts
	nonBlocking.Blocking = false
	nonBlocking.Prefix = nonBlockingPrefix

	p := Pair{
		Blocking:    New(blocking),
		NonBlocking: New(nonBlocking),
		Registry:    opts.Registry,
	}
	opts.Registry.Mount(blockingPrefix, p.Blocking)
	opts.Registry.Mount(nonBlockingPrefix, p.NonBlocking)
	return p
}
