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

// Package vfs defines the device abstraction the caching layer plugs
// into: a namespace of path prefixes, each served by a Device that
// performs raw byte I/O through opaque handles.
package vfs

// Handle identifies one open file on a Device. Handles are only
// meaningful on the device that issued them.
type Handle uint32

// InvalidHandle is returned by Open/OpenBulk on failure paths that
// predate error returns; devices in this module report errors instead,
// but the constant remains part of the handle space.
const InvalidHandle Handle = ^Handle(0)

// Reserved ReadBulk sizes. These are control requests embedded in the
// size argument for callers bound to the handle-based contract; they are
// never data reads and never touch the output buffer. New code should
// prefer the device's explicit priority operation.
const (
	// BulkSizeMarkActive signals the file is actively needed now; an
	// in-flight download is raised to top priority.
	BulkSizeMarkActive uint32 = 0xFFFFFFFE
	// BulkSizeMarkInactive signals the file is not actively needed; an
	// in-flight download is dropped below default priority.
	BulkSizeMarkInactive uint32 = 0xFFFFFFFD
)

// BulkControlAck is the size acknowledged for a reserved-size ReadBulk
// once the underlying file is fully available.
const BulkControlAck uint32 = 2048

// AttrExists is the only attribute value this namespace models: the path
// resolves to a known file. No mode/time bits are carried.
const AttrExists uint32 = 0

// FindData describes one directory entry during enumeration.
type FindData struct {
	Name       string
	Attributes uint32
}

// Device is a mounted filesystem endpoint. All methods must be safe for
// concurrent use. Blocking behavior (whether a read suspends the caller
// while data is being materialized) is a property of the device instance,
// not of the call.
type Device interface {
	// Open opens path for reading and returns a handle. Devices in this
	// namespace are read-only; readOnly=false must fail.
	Open(path string, readOnly bool) (Handle, error)

	// OpenBulk opens path for offset-based bulk reads and returns the
	// handle plus the base offset callers must treat as position zero.
	OpenBulk(path string) (Handle, uint64, error)

	// Read reads up to len(p) bytes at the handle's current position.
	Read(h Handle, p []byte) (int, error)

	// ReadBulk reads up to size bytes at offset into p (size <= len(p)),
	// independent of the handle's position. Reserved sizes are control
	// requests on devices that support them.
	ReadBulk(h Handle, offset uint64, size uint32, p []byte) (uint32, error)

	// Seek repositions the handle. whence is io.SeekStart/Current/End.
	Seek(h Handle, offset int64, whence int) (int64, error)

	// Close releases a handle obtained from Open.
	Close(h Handle) error

	// CloseBulk releases a handle obtained from OpenBulk.
	CloseBulk(h Handle) error

	// Length returns the byte length of the open file.
	Length(h Handle) (int64, error)

	// LengthByPath returns the byte length of path without opening it.
	LengthByPath(path string) (int64, error)

	// Attributes reports whether path exists (AttrExists) or an error.
	Attributes(path string) (uint32, error)

	// FindFirst begins directory enumeration under folder.
	FindFirst(folder string, data *FindData) (Handle, error)
	// FindNext continues an enumeration started by FindFirst.
	FindNext(h Handle, data *FindData) error
	// FindClose ends an enumeration.
	FindClose(h Handle)

	// ExtensionCtl performs a device-specific control request. Unknown
	// codes return common.ErrNotSupported.
	ExtensionCtl(code int, data any) error
}
