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
	"io"
	"os"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"cachefs/internal/common"
)

type localFile struct {
	name string
	f    billy.File
}

// LocalDevice serves an on-disk (or in-memory, under test) filesystem
// through the Device interface. It is the fallback device cached files
// are read from once downloaded.
type LocalDevice struct {
	fs billy.Filesystem

	mu    sync.Mutex
	files map[Handle]*localFile
	next  Handle
}

var _ Device = (*LocalDevice)(nil)

// NewLocalDevice creates a LocalDevice over fs.
func NewLocalDevice(fs billy.Filesystem) *LocalDevice {
	return &LocalDevice{
		fs:    fs,
		files: make(map[Handle]*localFile),
	}
}

// NewOSDevice creates a LocalDevice rooted at the host filesystem root.
func NewOSDevice() *LocalDevice {
	return NewLocalDevice(osfs.New("/"))
}

func (d *LocalDevice) open(path string) (Handle, error) {
	f, err := d.fs.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return InvalidHandle, common.ErrNotFound
		}
		return InvalidHandle, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.next
	d.next++
	d.files[h] = &localFile{name: path, f: f}
	return h, nil
}

func (d *LocalDevice) file(h Handle) (*localFile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	lf, ok := d.files[h]
	if !ok {
		return nil, common.ErrInvalidHandle
	}
	return lf, nil
}

// Open opens path for reading. Write access is refused.
func (d *LocalDevice) Open(path string, readOnly bool) (Handle, error) {
	if !readOnly {
		return InvalidHandle, common.ErrReadOnly
	}
	return d.open(path)
}

// OpenBulk opens path for offset-based reads. The base offset is zero.
func (d *LocalDevice) OpenBulk(path string) (Handle, uint64, error) {
	h, err := d.open(path)
	return h, 0, err
}

func (d *LocalDevice) Read(h Handle, p []byte) (int, error) {
	lf, err := d.file(h)
	if err != nil {
		return 0, err
	}
	n, err := lf.f.Read(p)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (d *LocalDevice) ReadBulk(h Handle, offset uint64, size uint32, p []byte) (uint32, error) {
	switch size {
	case BulkSizeMarkActive, BulkSizeMarkInactive:
		// Local files have no transfer to reprioritize.
		return 0, common.ErrNotSupported
	}

	lf, err := d.file(h)
	if err != nil {
		return 0, err
	}
	if int(size) > len(p) {
		size = uint32(len(p))
	}
	n, err := lf.f.ReadAt(p[:size], int64(offset))
	if err == io.EOF && n > 0 {
		err = nil
	}
	return uint32(n), err
}

func (d *LocalDevice) Seek(h Handle, offset int64, whence int) (int64, error) {
	lf, err := d.file(h)
	if err != nil {
		return -1, err
	}
	return lf.f.Seek(offset, whence)
}

func (d *LocalDevice) closeHandle(h Handle) error {
	d.mu.Lock()
	lf, ok := d.files[h]
	delete(d.files, h)
	d.mu.Unlock()
	if !ok {
		return common.ErrInvalidHandle
	}
	return lf.f.Close()
}

func (d *LocalDevice) Close(h Handle) error     { return d.closeHandle(h) }
func (d *LocalDevice) CloseBulk(h Handle) error { return d.closeHandle(h) }

func (d *LocalDevice) Length(h Handle) (int64, error) {
	lf, err := d.file(h)
	if err != nil {
		return -1, err
	}
	fi, err := d.fs.Stat(lf.name)
	if err != nil {
		return -1, err
	}
	return fi.Size(), nil
}

func (d *LocalDevice) LengthByPath(path string) (int64, error) {
	fi, err := d.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return -1, common.ErrNotFound
		}
		return -1, err
	}
	return fi.Size(), nil
}

func (d *LocalDevice) Attributes(path string) (uint32, error) {
	if _, err := d.fs.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return 0, common.ErrNotFound
		}
		return 0, err
	}
	return AttrExists, nil
}

// Directory enumeration is not part of this device's contract.
func (d *LocalDevice) FindFirst(string, *FindData) (Handle, error) {
	return InvalidHandle, common.ErrNotSupported
}

func (d *LocalDevice) FindNext(Handle, *FindData) error { return common.ErrNotSupported }

func (d *LocalDevice) FindClose(Handle) {}

func (d *LocalDevice) ExtensionCtl(int, any) error { return common.ErrNotSupported }
