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
	"strconv"
	"strings"

	"cachefs/internal/common"
	"cachefs/internal/manifest"
)

// CtlEntryFlags retrieves an entry's format version and packed flag
// words from manifest metadata, without fetching the file.
const CtlEntryFlags = 0x20001

// EntryFlagsRequest is the argument for CtlEntryFlags. Path is the
// input; the remaining fields are filled from the entry's metadata.
type EntryFlagsRequest struct {
	Path string

	Version       int
	VirtualFlags  uint32
	PhysicalFlags uint32
}

// ExtensionCtl performs a device control request. Unknown codes return
// common.ErrNotSupported; unresolvable paths return common.ErrNotFound.
func (d *Device) ExtensionCtl(code int, data any) error {
	switch code {
	case CtlEntryFlags:
		req, ok := data.(*EntryFlagsRequest)
		if !ok {
			return common.ErrNotSupported
		}
		entry, err := d.entries.Resolve(strings.TrimPrefix(req.Path, d.prefix))
		if err != nil {
			return err
		}
		fillEntryFlags(req, entry)
		return nil
	default:
		return common.ErrNotSupported
	}
}

func fillEntryFlags(req *EntryFlagsRequest, entry manifest.Entry) {
	if v, err := strconv.Atoi(entry.ExtData["formatVersion"]); err == nil {
		req.Version = v
	}
	if v, err := strconv.ParseUint(entry.ExtData["virtualFlags"], 10, 32); err == nil {
		req.VirtualFlags = uint32(v)
	}
	if v, err := strconv.ParseUint(entry.ExtData["physicalFlags"], 10, 32); err == nil {
		req.PhysicalFlags = uint32(v)
	}
}
