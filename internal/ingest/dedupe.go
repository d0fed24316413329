package ingest

import (
	"sync"
	"time"
)

// maxDedupeKeys bounds memory when a source floods unique attempts.
const maxDedupeKeys = 50000

type seenKey struct {
	key string
	at  time.Time
}

// Deduper remembers attempt keys for a window. Keys expire in arrival
// order, so expiry walks a FIFO instead of scanning the whole set.
type Deduper struct {
	mu    sync.Mutex
	last  map[string]time.Time
	order []seenKey
	head  int
}

func NewDeduper() *Deduper {
	return &Deduper{last: make(map[string]time.Time)}
}

// Duplicate reports whether key was already seen within window of now.
// A miss records the key.
func (d *Deduper) Duplicate(key string, now time.Time, window time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expire(now, window)
	if at, ok := d.last[key]; ok && now.Sub(at) <= window {
		return true
	}
	d.last[key] = now
	d.order = append(d.order, seenKey{key: key, at: now})
	for len(d.last) > maxDedupeKeys {
		d.drop()
	}
	return false
}

func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.last)
}

func (d *Deduper) expire(now time.Time, window time.Duration) {
	for d.head < len(d.order) && now.Sub(d.order[d.head].at) > window {
		d.drop()
	}
	if d.head > len(d.order)/2 && d.head > 1024 {
		d.order = append([]seenKey(nil), d.order[d.head:]...)
		d.head = 0
	}
}

// drop removes the oldest queued entry unless the key was re-recorded
// later.
func (d *Deduper) drop() {
	e := d.order[d.head]
	d.order[d.head] = seenKey{}
	d.head++
	if at, ok := d.last[e.key]; ok && at.Equal(e.at) {
		delete(d.last, e.key)
	}
}
