package consumer

import (
	"sync"
	"time"

	"marketpipe/config"
)

// dedup is the TTL-bounded seen-key window. It is the fast path only: keys
// that age out of the window fall through to the storage layer's natural-key
// constraint, so correctness never depends on the window size.
type dedup struct {
	mu        sync.Mutex
	ttl       time.Duration
	maxKeys   int
	seen      map[string]time.Time
	lastSweep time.Time
}

func newDedup(cfg config.DedupConfig) *dedup {
	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1 << 20
	}
	return &dedup{
		ttl:     cfg.TTL(),
		maxKeys: maxKeys,
		seen:    make(map[string]time.Time),
	}
}

// Seen records the key and reports whether it was already inside the window.
func (d *dedup) Seen(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		return true
	}
	d.sweep(now)
	d.seen[key] = now
	return false
}

// Forget removes a key so a redelivery of the same message is not mistaken
// for a duplicate. Called when the message could not be persisted anywhere.
func (d *dedup) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// sweep drops expired keys; if the map is still over budget it evicts the
// oldest entries so memory stays bounded under sustained load.
func (d *dedup) sweep(now time.Time) {
	if len(d.seen) < d.maxKeys && now.Sub(d.lastSweep) < d.ttl {
		return
	}
	d.lastSweep = now
	for k, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, k)
		}
	}
	for len(d.seen) >= d.maxKeys {
		var oldestKey string
		var oldest time.Time
		for k, at := range d.seen {
			if oldestKey == "" || at.Before(oldest) {
				oldestKey, oldest = k, at
			}
		}
		delete(d.seen, oldestKey)
	}
}

// Len reports the current window size.
func (d *dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
