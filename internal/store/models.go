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

package store

import (
	"time"

	"github.com/uptrace/bun"
)

// Bun ORM models for the cache store tables.

// RecordModel represents the cache_records table: one row per cached
// file, keyed by its content hash.
type RecordModel struct {
	bun.BaseModel `bun:"table:cache_records"`

	ReferenceHash string `bun:"hash,pk"`
	LocalPath     string `bun:"local_path,notnull"`
	CreatedAt     int64  `bun:"created_at,notnull"` // Unix timestamp
}

// MetaModel represents the cache_meta table: string metadata attached to
// a cached file (origin resource, source URL, original file name).
type MetaModel struct {
	bun.BaseModel `bun:"table:cache_meta"`

	ReferenceHash string `bun:"hash,pk"`
	Key           string `bun:"key,pk"`
	Value         string `bun:"value,notnull"`
}

// Record is the lookup result handed to callers.
type Record struct {
	ReferenceHash string
	LocalPath     string
	CreatedAt     time.Time
	Meta          map[string]string
}

// ToRecord converts a RecordModel to a Record (metadata attached separately).
func (m *RecordModel) ToRecord() *Record {
	return &Record{
		ReferenceHash: m.ReferenceHash,
		LocalPath:     m.LocalPath,
		CreatedAt:     time.Unix(m.CreatedAt, 0),
	}
}
