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

// Package download schedules HTTP transfers through a fixed number of
// slots, ordered by weight. Files are streamed to a temporary name and
// renamed into place so a destination path never holds partial data.
package download

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ProgressInfo reports transfer progress. BytesTotal is zero until the
// server declares a content length.
type ProgressInfo struct {
	BytesNow   uint64
	BytesTotal uint64
}

// Options configures one transfer.
type Options struct {
	// Weight orders the transfer against others waiting for a slot.
	Weight int

	// Headers are added to the HTTP request.
	Headers map[string]string

	// Progress, if set, is called as bytes arrive. It runs on the
	// transfer goroutine and must not block.
	Progress func(ProgressInfo)
}

// DoneFunc is called exactly once when a transfer finishes. On success
// err is nil and size is the number of bytes written; on failure the
// destination file is absent.
type DoneFunc func(err error, size int64)

// Request is a scheduled transfer whose weight can be adjusted while it
// waits for a slot. Reweighting a running transfer has no effect.
type Request interface {
	Weight() int
	SetWeight(int)
}

type request struct {
	client *Client

	url  string
	dest string
	opts Options
	done DoneFunc

	weight int
	seq    uint64
	index  int // heap index, -1 once dequeued
}

func (r *request) Weight() int {
	r.client.mu.Lock()
	defer r.client.mu.Unlock()
	return r.weight
}

func (r *request) SetWeight(w int) {
	r.client.mu.Lock()
	defer r.client.mu.Unlock()
	r.weight = w
	if r.index >= 0 {
		heap.Fix(&r.client.queue, r.index)
	}
}

// requestHeap orders by weight descending, FIFO within a weight.
type requestHeap []*request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].weight != h[j].weight {
		return h[i].weight > h[j].weight
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	r := x.(*request)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}

// Client runs transfers through a fixed number of concurrent slots.
type Client struct {
	hc    *http.Client
	slots int

	mu      sync.Mutex
	queue   requestHeap
	running int
	seq     uint64
}

// NewClient creates a Client with the given number of transfer slots.
func NewClient(slots int) *Client {
	if slots <= 0 {
		slots = 1
	}
	return &Client{
		hc:    &http.Client{Timeout: 10 * time.Minute},
		slots: slots,
	}
}

// Get schedules a transfer of url to destPath and returns immediately.
// done is invoked from the transfer goroutine when it finishes.
func (c *Client) Get(ctx context.Context, url, destPath string, opts Options, done DoneFunc) Request {
	r := &request{
		client: c,
		url:    url,
		dest:   destPath,
		opts:   opts,
		done:   done,
		weight: opts.Weight,
	}

	c.mu.Lock()
	r.seq = c.seq
	c.seq++
	heap.Push(&c.queue, r)
	c.dispatchLocked(ctx)
	c.mu.Unlock()

	return r
}

// QueueLen returns the number of transfers waiting for a slot.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Client) dispatchLocked(ctx context.Context) {
	for c.running < c.slots && len(c.queue) > 0 {
		r := heap.Pop(&c.queue).(*request)
		c.running++
		go c.run(ctx, r)
	}
}

func (c *Client) run(ctx context.Context, r *request) {
	size, err := c.transfer(ctx, r)
	if err != nil {
		log.WithFields(log.Fields{
			"url":  r.url,
			"dest": r.dest,
		}).WithError(err).Debug("transfer failed")
	}
	if r.done != nil {
		r.done(err, size)
	}

	c.mu.Lock()
	c.running--
	c.dispatchLocked(ctx)
	c.mu.Unlock()
}

func (c *Client) transfer(ctx context.Context, r *request) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return 0, err
	}
	for k, v := range r.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %s fetching %s", resp.Status, r.url)
	}

	var total uint64
	if resp.ContentLength > 0 {
		total = uint64(resp.ContentLength)
	}

	if err := os.MkdirAll(filepath.Dir(r.dest), 0700); err != nil {
		return 0, err
	}

	// Stream to a temp name, rename into place on success.
	tmp := r.dest + ".part-" + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return 0, err
	}

	written, err := c.copyWithProgress(f, resp.Body, total, r.opts.Progress)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}

	if err := os.Rename(tmp, r.dest); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return written, nil
}

func (c *Client) copyWithProgress(dst io.Writer, src io.Reader, total uint64, progress func(ProgressInfo)) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			if progress != nil {
				progress(ProgressInfo{BytesNow: uint64(written), BytesTotal: total})
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
