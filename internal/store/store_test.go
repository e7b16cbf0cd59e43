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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachefs/internal/common"
)

func TestStoreInsertLookup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Lookup(ctx, "abc123")
	assert.ErrorIs(t, err, common.ErrNotFound)

	meta := map[string]string{
		"filename": "downtown.ybn",
		"resource": "gta-city",
		"from":     "http://srv/dl/abc123",
	}
	require.NoError(t, s.Insert(ctx, "abc123", "/cache/ybn_abc123", meta))

	rec, err := s.Lookup(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "/cache/ybn_abc123", rec.LocalPath)
	assert.Equal(t, meta, rec.Meta)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestStoreInsertUpdatesExisting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Insert(ctx, "h1", "/cache/old", map[string]string{"resource": "a"}))
	require.NoError(t, s.Insert(ctx, "h1", "/cache/new", map[string]string{"resource": "b"}))

	rec, err := s.Lookup(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "/cache/new", rec.LocalPath)
	assert.Equal(t, "b", rec.Meta["resource"])

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStoreRemove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Insert(ctx, "h1", "/cache/f", map[string]string{"k": "v"}))
	require.NoError(t, s.Remove(ctx, "h1"))

	_, err = s.Lookup(ctx, "h1")
	assert.ErrorIs(t, err, common.ErrNotFound)

	// Removing again is a no-op.
	require.NoError(t, s.Remove(ctx, "h1"))
}

func TestStoreRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Insert(ctx, "h1", "/cache/a", nil))
	require.NoError(t, s.Insert(ctx, "h2", "/cache/b", nil))

	records, err := s.Records(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestStoreLockExcludesSecondOpen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	_, err = Open(dir)
	assert.ErrorIs(t, err, common.ErrExists)

	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestStoreReopenKeepsData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, "h1", "/cache/a", map[string]string{"filename": "a.ytd"}))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.Lookup(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "a.ytd", rec.Meta["filename"])
}
