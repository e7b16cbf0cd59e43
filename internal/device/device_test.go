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
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachefs/internal/common"
	"cachefs/internal/download"
	"cachefs/internal/manifest"
	"cachefs/internal/session"
	"cachefs/internal/store"
	"cachefs/internal/vfs"
)

type fakeStore struct {
	mu   sync.Mutex
	recs map[string]*store.Record
}

func newFakeStore() *fakeStore {
	return &fakeStore{recs: make(map[string]*store.Record)}
}

func (f *fakeStore) Lookup(ctx context.Context, hash string) (*store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[hash]
	if !ok {
		return nil, common.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) Insert(ctx context.Context, hash, localPath string, meta map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[hash] = &store.Record{ReferenceHash: hash, LocalPath: localPath, Meta: meta}
	return nil
}

type fakeRequest struct {
	weight atomic.Int64
}

func (r *fakeRequest) Weight() int     { return int(r.weight.Load()) }
func (r *fakeRequest) SetWeight(w int) { r.weight.Store(int64(w)) }

// fakeDownloader completes transfers on its own goroutine, optionally
// gated on a release channel so tests can hold a handle in Fetching.
type fakeDownloader struct {
	fs      billy.Filesystem
	content []byte
	err     error
	release chan struct{}

	started atomic.Int64
	lastReq atomic.Pointer[fakeRequest]
}

func (f *fakeDownloader) Get(ctx context.Context, url, dest string, opts download.Options, done download.DoneFunc) download.Request {
	f.started.Add(1)
	req := &fakeRequest{}
	req.SetWeight(opts.Weight)
	f.lastReq.Store(req)

	go func() {
		if f.release != nil {
			<-f.release
		}
		if f.err != nil {
			done(f.err, 0)
			return
		}
		if opts.Progress != nil {
			opts.Progress(download.ProgressInfo{
				BytesNow:   uint64(len(f.content)),
				BytesTotal: uint64(len(f.content)),
			})
		}
		if len(f.content) > 0 {
			if err := util.WriteFile(f.fs, dest, f.content, 0600); err != nil {
				done(err, 0)
				return
			}
		}
		done(nil, int64(len(f.content)))
	}()
	return req
}

// syncDownloader completes the transfer before Get returns, modeling a
// source with no queue wait at all.
type syncDownloader struct {
	fs      billy.Filesystem
	content []byte

	lastReq atomic.Pointer[fakeRequest]
}

func (f *syncDownloader) Get(ctx context.Context, url, dest string, opts download.Options, done download.DoneFunc) download.Request {
	req := &fakeRequest{}
	req.SetWeight(opts.Weight)
	f.lastReq.Store(req)

	if err := util.WriteFile(f.fs, dest, f.content, 0600); err != nil {
		done(err, 0)
		return req
	}
	done(nil, int64(len(f.content)))
	return req
}

type fixture struct {
	fs    billy.Filesystem
	store *fakeStore
	dl    *fakeDownloader
	sess  *session.Bag
	reg   *vfs.Registry
}

func newFixture() *fixture {
	fs := memfs.New()
	return &fixture{
		fs:    fs,
		store: newFakeStore(),
		dl:    &fakeDownloader{fs: fs, content: []byte("file-bytes")},
		sess:  session.New(),
		reg:   vfs.NewRegistry(vfs.NewLocalDevice(fs)),
	}
}

func (f *fixture) device(blocking bool, capacity int) *Device {
	m := manifest.New()
	m.AddResource("res", []manifest.Entry{{
		ReferenceHash: "abc123",
		Basename:      "asset.ytd",
		RemoteURL:     "http://srv/dl/abc123",
		Size:          999,
		ExtData: map[string]string{
			"formatVersion": "2",
			"virtualFlags":  "16",
			"physicalFlags": "4",
		},
	}})

	prefix := "cache:/"
	if !blocking {
		prefix = "cache_nb:/"
	}
	return New(Options{
		Store:          f.store,
		Entries:        m,
		Registry:       f.reg,
		Downloader:     f.dl,
		Session:        f.sess,
		Blocking:       blocking,
		Prefix:         prefix,
		CacheDir:       "/cache",
		HandleCapacity: capacity,
		OnExhausted:    func() {},
	})
}

func TestOpenRefusesWrites(t *testing.T) {
	t.Parallel()
	f := newFixture()
	d := f.device(true, 4)

	_, err := d.Open("res/asset.ytd", false)
	assert.ErrorIs(t, err, common.ErrReadOnly)
}

func TestOpenUnknownEntry(t *testing.T) {
	t.Parallel()
	f := newFixture()
	d := f.device(true, 4)

	_, err := d.Open("res/unknown.ytd", true)
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = d.Open("other/asset.ytd", true)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestCacheHitFastPath(t *testing.T) {
	t.Parallel()
	f := newFixture()
	require.NoError(t, util.WriteFile(f.fs, "/cache/ytd_abc123", []byte("cached"), 0600))
	require.NoError(t, f.store.Insert(context.Background(), "abc123", "/cache/ytd_abc123", nil))

	d := f.device(true, 4)
	h, err := d.Open("res/asset.ytd", true)
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := d.Read(h, buf)
	require.NoError(t, err)
	assert.Equal(t, "cached", string(buf[:n]))

	// No network activity for a cached hash.
	assert.Equal(t, int64(0), f.dl.started.Load())
	require.NoError(t, d.Close(h))
}

func TestBlockingReadWaitsForFetch(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.dl.release = make(chan struct{})

	d := f.device(true, 4)
	h, err := d.Open("res/asset.ytd", true)
	require.NoError(t, err)

	readDone := make(chan string, 1)
	go func() {
		buf := make([]byte, 32)
		n, err := d.Read(h, buf)
		if err != nil {
			readDone <- "error: " + err.Error()
			return
		}
		readDone <- string(buf[:n])
	}()

	select {
	case res := <-readDone:
		t.Fatalf("read returned %q while transfer was still running", res)
	case <-time.After(50 * time.Millisecond):
	}

	close(f.dl.release)
	select {
	case res := <-readDone:
		assert.Equal(t, "file-bytes", res)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked read never woke up")
	}

	// The cache store now indexes the artifact with its provenance.
	rec, err := f.store.Lookup(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "asset.ytd", rec.Meta["filename"])
	assert.Equal(t, "res", rec.Meta["resource"])
	assert.Equal(t, "http://srv/dl/abc123", rec.Meta["from"])
}

func TestNonBlockingReadPolls(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.dl.release = make(chan struct{})

	d := f.device(false, 4)
	h, err := d.Open("res/asset.ytd", true)
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := d.Read(h, buf)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, common.ErrNotReady)

	// Polling again must not start a second transfer.
	_, err = d.Read(h, buf)
	assert.ErrorIs(t, err, common.ErrNotReady)
	assert.Equal(t, int64(1), f.dl.started.Load())

	close(f.dl.release)
	require.Eventually(t, func() bool {
		n, err := d.Read(h, buf)
		return err == nil && n > 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestAtMostOneFetch(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.dl.release = make(chan struct{})

	d := f.device(true, 4)
	h, err := d.Open("res/asset.ytd", true)
	require.NoError(t, err)

	const callers = 8
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			buf := make([]byte, 32)
			_, err := d.Read(h, buf)
			results <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(f.dl.release)

	for i := 0; i < callers; i++ {
		select {
		case err := <-results:
			// The handle shares one file position, so whichever caller
			// drains the bytes leaves EOF for the rest.
			if err != nil {
				assert.ErrorIs(t, err, io.EOF)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("caller never woke up")
		}
	}
	assert.Equal(t, int64(1), f.dl.started.Load())
}

func TestZeroByteDownloadIsFailure(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.dl.content = nil

	d := f.device(true, 4)
	h, err := d.Open("res/asset.ytd", true)
	require.NoError(t, err)

	buf := make([]byte, 32)
	_, err = d.Read(h, buf)
	assert.ErrorIs(t, err, common.ErrFetchFailed)

	// Terminal: subsequent reads keep failing, no refetch.
	_, err = d.Read(h, buf)
	assert.ErrorIs(t, err, common.ErrFetchFailed)
	assert.Equal(t, int64(1), f.dl.started.Load())
}

func TestFetchFailureReportsToErrorSink(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.dl.err = fmt.Errorf("connection reset")
	f.sess.Set(session.CallerKey, "streaming thread")

	d := f.device(true, 4)
	h, err := d.Open("res/asset.ytd", true)
	require.NoError(t, err)

	buf := make([]byte, 32)
	_, err = d.Read(h, buf)
	assert.ErrorIs(t, err, common.ErrFetchFailed)

	msg, ok := f.sess.Get(session.ErrorKey)
	require.True(t, ok)
	assert.Contains(t, msg, "connection reset")
	assert.Contains(t, msg, "res/asset.ytd")
	assert.Contains(t, msg, "streaming thread")
}

func TestSentinelBulkReadProtocol(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.dl.release = make(chan struct{})

	d := f.device(false, 4)
	h, _, err := d.OpenBulk("res/asset.ytd")
	require.NoError(t, err)

	// Kick off the transfer.
	buf := []byte{0xAA, 0xAA, 0xAA, 0xAA}
	_, err = d.ReadBulk(h, 0, 4, buf)
	assert.ErrorIs(t, err, common.ErrNotReady)

	// Mark active: ack is 0 while fetching, weight goes to the top.
	n, err := d.ReadBulk(h, 0, vfs.BulkSizeMarkActive, buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), n)
	assert.Equal(t, download.WeightActive, f.dl.lastReq.Load().Weight())

	// Mark inactive drops below default.
	_, err = d.ReadBulk(h, 0, vfs.BulkSizeMarkInactive, buf)
	require.NoError(t, err)
	assert.Equal(t, download.WeightIdle, f.dl.lastReq.Load().Weight())

	// The sentinel calls never touched the buffer.
	assert.Equal(t, []byte{0xAA, 0xAA, 0xAA, 0xAA}, buf)

	close(f.dl.release)
	require.Eventually(t, func() bool {
		n, err := d.ReadBulk(h, 0, vfs.BulkSizeMarkActive, buf)
		return err == nil && n == vfs.BulkControlAck
	}, 5*time.Second, 5*time.Millisecond)

	// Normal bulk reads work once fetched.
	data := make([]byte, 4)
	n, err = d.ReadBulk(h, 5, 4, data)
	require.NoError(t, err)
	assert.Equal(t, "ytes", string(data[:n]))

	require.NoError(t, d.CloseBulk(h))
}

func TestSentinelReadStartsFetch(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.dl.release = make(chan struct{})

	d := f.device(false, 4)
	h, _, err := d.OpenBulk("res/asset.ytd")
	require.NoError(t, err)

	// A consumer speaking only the sentinel protocol: the first
	// mark-active read must itself start the transfer and raise its
	// weight, or the handle could never become Fetched.
	buf := []byte{0xAA, 0xAA}
	n, err := d.ReadBulk(h, 0, vfs.BulkSizeMarkActive, buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), n)
	assert.Equal(t, int64(1), f.dl.started.Load())
	assert.Equal(t, download.WeightActive, f.dl.lastReq.Load().Weight())
	assert.Equal(t, []byte{0xAA, 0xAA}, buf)

	close(f.dl.release)
	require.Eventually(t, func() bool {
		n, err := d.ReadBulk(h, 0, vfs.BulkSizeMarkActive, buf)
		return err == nil && n == vfs.BulkControlAck
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), f.dl.started.Load())
}

func TestSetDownloadPriority(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.dl.release = make(chan struct{})
	defer close(f.dl.release)

	d := f.device(false, 4)
	h, err := d.Open("res/asset.ytd", true)
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = d.Read(h, buf)
	assert.ErrorIs(t, err, common.ErrNotReady)

	require.NoError(t, d.SetDownloadPriority(h, true))
	assert.Equal(t, download.WeightActive, f.dl.lastReq.Load().Weight())

	require.NoError(t, d.SetDownloadPriority(h, false))
	assert.Equal(t, download.WeightIdle, f.dl.lastReq.Load().Weight())
}

func TestCompletedTransferDropsRequestRef(t *testing.T) {
	t.Parallel()
	f := newFixture()
	dl := &syncDownloader{fs: f.fs, content: []byte("file-bytes")}

	m := manifest.New()
	m.AddResource("res", []manifest.Entry{{
		ReferenceHash: "abc123",
		Basename:      "asset.ytd",
		RemoteURL:     "http://srv/dl/abc123",
	}})
	d := New(Options{
		Store:          f.store,
		Entries:        m,
		Registry:       f.reg,
		Downloader:     dl,
		Session:        f.sess,
		Blocking:       true,
		Prefix:         "cache:/",
		CacheDir:       "/cache",
		HandleCapacity: 4,
		OnExhausted:    func() {},
	})

	h, err := d.Open("res/asset.ytd", true)
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := d.Read(h, buf)
	require.NoError(t, err)
	assert.Equal(t, "file-bytes", string(buf[:n]))

	// The transfer finished before the scheduler call returned; the
	// handle must not hold on to the request, so priority changes are
	// no-ops.
	weight := dl.lastReq.Load().Weight()
	require.NoError(t, d.SetDownloadPriority(h, false))
	assert.Equal(t, weight, dl.lastReq.Load().Weight())
}

func TestCloseResetsSlot(t *testing.T) {
	t.Parallel()
	f := newFixture()

	d := f.device(true, 1)
	h, err := d.Open("res/asset.ytd", true)
	require.NoError(t, err)

	buf := make([]byte, 32)
	_, err = d.Read(h, buf)
	require.NoError(t, err)

	require.NoError(t, d.Close(h))

	// The slot is free again; a second open reuses it.
	h2, err := d.Open("res/asset.ytd", true)
	require.NoError(t, err)
	assert.Equal(t, h, h2)

	// The closed handle is invalid until reopened.
	require.NoError(t, d.Close(h2))
	_, err = d.Read(h2, buf)
	assert.ErrorIs(t, err, common.ErrInvalidHandle)
}

func TestHandleExhaustion(t *testing.T) {
	t.Parallel()
	f := newFixture()

	var exhausted atomic.Int64
	m := manifest.New()
	m.AddResource("res", []manifest.Entry{{ReferenceHash: "h", Basename: "a.ytd", RemoteURL: "http://srv/a"}})
	d := New(Options{
		Store:          f.store,
		Entries:        m,
		Registry:       f.reg,
		Downloader:     f.dl,
		Session:        f.sess,
		Blocking:       true,
		Prefix:         "cache:/",
		CacheDir:       "/cache",
		HandleCapacity: 1,
		OnExhausted:    func() { exhausted.Add(1) },
	})

	_, err := d.Open("res/a.ytd", true)
	require.NoError(t, err)

	_, err = d.Open("res/a.ytd", true)
	assert.Error(t, err)
	assert.Equal(t, int64(1), exhausted.Load())
}

func TestLengthFallsBackToDeclaredSize(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.dl.release = make(chan struct{})

	d := f.device(false, 4)
	h, err := d.Open("res/asset.ytd", true)
	require.NoError(t, err)

	// Pre-fetch: the manifest's declared size, possibly stale.
	length, err := d.Length(h)
	require.NoError(t, err)
	assert.Equal(t, int64(999), length)

	buf := make([]byte, 4)
	_, _ = d.Read(h, buf)
	close(f.dl.release)

	require.Eventually(t, func() bool {
		length, err := d.Length(h)
		return err == nil && length == int64(len("file-bytes"))
	}, 5*time.Second, 5*time.Millisecond)
}

func TestPathQueries(t *testing.T) {
	t.Parallel()
	f := newFixture()
	d := f.device(true, 4)

	length, err := d.LengthByPath("res/asset.ytd")
	require.NoError(t, err)
	assert.Equal(t, int64(999), length)

	attrs, err := d.Attributes("res/asset.ytd")
	require.NoError(t, err)
	assert.Equal(t, vfs.AttrExists, attrs)

	_, err = d.LengthByPath("res/missing.ytd")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = d.Attributes("res/missing.ytd")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = d.FindFirst("res", &vfs.FindData{})
	assert.ErrorIs(t, err, common.ErrNotSupported)
}

func TestExtensionCtlEntryFlags(t *testing.T) {
	t.Parallel()
	f := newFixture()
	d := f.device(true, 4)

	req := EntryFlagsRequest{Path: "cache:/res/asset.ytd"}
	require.NoError(t, d.ExtensionCtl(CtlEntryFlags, &req))
	assert.Equal(t, 2, req.Version)
	assert.Equal(t, uint32(16), req.VirtualFlags)
	assert.Equal(t, uint32(4), req.PhysicalFlags)

	req = EntryFlagsRequest{Path: "cache:/res/missing.ytd"}
	assert.ErrorIs(t, d.ExtensionCtl(CtlEntryFlags, &req), common.ErrNotFound)

	assert.ErrorIs(t, d.ExtensionCtl(0x99999, nil), common.ErrNotSupported)
	assert.ErrorIs(t, d.ExtensionCtl(CtlEntryFlags, "wrong type"), common.ErrNotSupported)
}

func TestSeekRequiresFetched(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.dl.release = make(chan struct{})

	d := f.device(false, 4)
	h, err := d.Open("res/asset.ytd", true)
	require.NoError(t, err)

	_, err = d.Seek(h, 0, 0)
	assert.ErrorIs(t, err, common.ErrNotReady)

	buf := make([]byte, 4)
	_, _ = d.Read(h, buf)
	close(f.dl.release)

	require.Eventually(t, func() bool {
		pos, err := d.Seek(h, 5, 0)
		return err == nil && pos == 5
	}, 5*time.Second, 5*time.Millisecond)
}
