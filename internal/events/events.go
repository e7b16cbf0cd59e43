// Package events provides the download-progress broadcast consumed by
// UI and telemetry code outside this module.
package events

import "sync"

// DownloadStatusFunc receives progress for one virtual path. bytesTotal is
// only reported once the transport knows the full size.
type DownloadStatusFunc func(virtualPath string, bytesNow, bytesTotal uint64)

// Broadcaster fans download-progress updates out to subscribers.
// Safe for concurrent use; callbacks run on the publisher's goroutine and
// must not block.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[int]DownloadStatusFunc
	next int
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]DownloadStatusFunc)}
}

// Subscribe registers fn and returns a cancel function removing it.
func (b *Broadcaster) Subscribe(fn DownloadStatusFunc) (cancel func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers one progress update to every subscriber.
func (b *Broadcaster) Publish(virtualPath string, bytesNow, bytesTotal uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.subs {
		fn(virtualPath, bytesNow, bytesTotal)
	}
}
