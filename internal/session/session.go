// Package session holds process-wide key/value context shared between the
// caching device and its host: the connection token injected into download
// requests, the diagnostic error sink, and optional caller provenance used
// to enrich failure reports.
package session

import "github.com/puzpuzpuz/xsync/v3"

// Well-known keys.
const (
	// TokenKey holds the bearer token attached to download requests.
	TokenKey = "connectionToken"

	// ErrorKey receives a human-readable description of the last fetch
	// failure. Consumers poll it; the device only ever overwrites it.
	ErrorKey = "cache:error"

	// CallerKey and CallerStartKey carry provenance of the operation that
	// triggered a blocking fetch (who asked, and when, as unix millis).
	// Both are optional.
	CallerKey      = "io:caller"
	CallerStartKey = "io:callerStart"
)

// Bag is a concurrency-safe string key/value store.
type Bag struct {
	data *xsync.MapOf[string, string]
}

// New creates an empty Bag.
func New() *Bag {
	return &Bag{data: xsync.NewMapOf[string, string]()}
}

// Get returns the value for key, if present.
func (b *Bag) Get(key string) (string, bool) {
	return b.data.Load(key)
}

// Set stores value under key, replacing any previous value.
func (b *Bag) Set(key, value string) {
	b.data.Store(key, value)
}

// Token returns the connection token, if one has been set.
func (b *Bag) Token() (string, bool) {
	return b.Get(TokenKey)
}

// SetError records a diagnostic failure description in the error sink.
func (b *Bag) SetError(msg string) {
	b.Set(ErrorKey, msg)
}
