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
	"path/filepath"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"

	"cachefs/internal/download"
	"cachefs/internal/session"
)

// downloadedHashes tracks every hash fetched during this process
// lifetime, for duplicate and stale-cache diagnostics only. Never
// authoritative for cache correctness.
var downloadedHashes = xsync.NewMapOf[string, struct{}]()

// ensureFetched drives the handle's fetch state machine and returns the
// status the caller should act on. In blocking mode it returns only a
// terminal status (Fetched or Error); in non-blocking mode it may return
// Fetching for the caller to poll.
func (d *Device) ensureFetched(hd *handleData) Status {
	return d.advanceFetch(hd, d.blocking)
}

// advanceFetch starts the transfer if the handle has none and, when wait
// is set, suspends the caller until it finishes.
func (d *Device) advanceFetch(hd *handleData, wait bool) Status {
	hd.mu.Lock()

	switch hd.status {
	case StatusFetched, StatusError:
		st := hd.status
		hd.mu.Unlock()
		return st

	case StatusFetching:
		// Someone else already started the transfer; never start a
		// second one for the same handle.
		done := hd.done
		hd.mu.Unlock()
		if !wait {
			return StatusFetching
		}
		<-done

	case StatusNotFetched:
		hd.status = StatusFetching
		hd.done = make(chan struct{})
		done := hd.done
		hd.mu.Unlock()

		d.startDownload(hd)

		if !wait {
			return StatusFetching
		}
		<-done

	default:
		st := hd.status
		hd.mu.Unlock()
		return st
	}

	hd.mu.Lock()
	st := hd.status
	hd.mu.Unlock()
	return st
}

func (d *Device) startDownload(hd *handleData) {
	entry := hd.entry
	vpath := d.virtualPath(entry)

	ext := strings.TrimPrefix(filepath.Ext(entry.Basename), ".")
	dest := filepath.Join(d.cacheDir, ext+"_"+entry.ReferenceHash)

	headers := map[string]string{}
	if token, ok := d.session.Token(); ok {
		headers["Authorization"] = "Bearer " + token
	}

	opts := download.Options{
		Weight:  download.WeightFor(entry.Basename),
		Headers: headers,
		Progress: func(p download.ProgressInfo) {
			hd.progress.Store(p.BytesNow)
			hd.total.Store(p.BytesTotal)
			if p.BytesTotal != 0 {
				d.events.Publish(vpath, p.BytesNow, p.BytesTotal)
			}
		},
	}

	log.WithFields(log.Fields{
		"path":   vpath,
		"url":    entry.RemoteURL,
		"weight": opts.Weight,
	}).Debug("starting transfer")

	start := time.Now()
	req := d.dl.Get(context.Background(), entry.RemoteURL, dest, opts, func(err error, size int64) {
		d.finishDownload(hd, dest, start, err, size)
	})

	// The completion handler may already have run and cleared the
	// request; only a still-fetching handle keeps the reference.
	hd.mu.Lock()
	if hd.status == StatusFetching {
		hd.req = req
	}
	hd.mu.Unlock()
}

// finishDownload runs on the transfer goroutine. It finalizes every
// handle field and only then closes the done channel, so a woken waiter
// never observes a torn state.
func (d *Device) finishDownload(hd *handleData, dest string, start time.Time, err error, size int64) {
	entry := hd.entry
	elapsed := time.Since(start).Milliseconds()

	// A transport success that produced an empty file is a failure.
	if err == nil && size == 0 {
		err = fmt.Errorf("transfer of %s produced a zero-byte file", entry.RemoteURL)
	}

	if err != nil {
		msg := fmt.Sprintf("fetching %s/%s from %s failed after %dms: %v",
			entry.ResourceName, entry.Basename, entry.RemoteURL, elapsed, err)
		if caller, ok := d.session.Get(session.CallerKey); ok {
			msg += fmt.Sprintf(" (caller %s", caller)
			if startedAt, ok := d.session.Get(session.CallerStartKey); ok {
				msg += fmt.Sprintf(", since %s", startedAt)
			}
			msg += ")"
		}
		log.WithFields(log.Fields{
			"resource": entry.ResourceName,
			"name":     entry.Basename,
			"elapsed":  elapsed,
		}).WithError(err).Error("fetch failed")
		d.session.SetError(msg)

		hd.mu.Lock()
		hd.status = StatusError
		hd.req = nil
		done := hd.done
		hd.mu.Unlock()
		if done != nil {
			close(done)
		}
		return
	}

	if _, dup := downloadedHashes.LoadOrStore(entry.ReferenceHash, struct{}{}); dup {
		log.WithFields(log.Fields{
			"hash": entry.ReferenceHash,
			"name": entry.Basename,
		}).Warn("hash downloaded twice this session")
	}

	meta := map[string]string{
		"filename": entry.Basename,
		"resource": entry.ResourceName,
		"from":     entry.RemoteURL,
	}
	if err := d.cache.Insert(context.Background(), entry.ReferenceHash, dest, meta); err != nil {
		// The file is on disk either way; the index catches up on the
		// next run.
		log.WithFields(log.Fields{
			"hash": entry.ReferenceHash,
		}).WithError(err).Error("failed to index downloaded file")
	}

	log.WithFields(log.Fields{
		"resource": entry.ResourceName,
		"name":     entry.Basename,
		"size":     size,
		"elapsed":  elapsed,
	}).Debug("fetch complete")

	attachErr := d.attachDownloaded(hd, dest)

	hd.mu.Lock()
	if attachErr != nil {
		hd.status = StatusError
	}
	hd.req = nil
	done := hd.done
	hd.mu.Unlock()
	if done != nil {
		close(done)
	}
}

// attachDownloaded opens dest in the handle's mode and marks it Fetched.
func (d *Device) attachDownloaded(hd *handleData, dest string) error {
	if err := d.attachLocal(hd, dest); err != nil {
		log.WithField("path", dest).WithError(err).Error("failed to open downloaded file")
		d.session.SetError(fmt.Sprintf("opening downloaded file %s failed: %v", dest, err))
		return err
	}
	return nil
}
