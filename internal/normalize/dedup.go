package normalize

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultDedupCapacity is the number of fingerprints a window remembers when
// no capacity is configured.
const DefaultDedupCapacity = 256

// DedupWindow remembers the most recent raw payload fingerprints seen by one
// adapter. It is owned by that adapter and must not be shared between
// adapters. The oldest fingerprint is evicted once the window is full.
type DedupWindow struct {
	mu     sync.Mutex
	bucket time.Duration
	ring   []uint64
	next   int
	full   bool
	seen   map[uint64]int
}

// NewDedupWindow returns a window holding up to capacity fingerprints. When
// bucket is non-zero the arrival time, truncated to bucket, is part of the
// fingerprint so that identical payloads arriving in different buckets are
// not treated as duplicates. A zero bucket deduplicates on content alone.
func NewDedupWindow(capacity int, bucket time.Duration) *DedupWindow {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &DedupWindow{
		bucket: bucket,
		ring:   make([]uint64, capacity),
		seen:   make(map[uint64]int, capacity),
	}
}

// Fingerprint hashes the trimmed raw payload together with its arrival bucket.
func (w *DedupWindow) Fingerprint(raw []byte, at time.Time) uint64 {
	d := xxhash.New()
	d.Write(bytes.TrimSpace(raw))
	if w.bucket > 0 {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(at.Truncate(w.bucket).UnixNano()))
		d.Write(b[:])
	}
	return d.Sum64()
}

// Seen reports whether fp is already held or reserved. If it is not, fp is
// reserved so that a concurrent copy of the same payload is caught, but it
// takes no slot until Commit.
func (w *DedupWindow) Seen(fp uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.seen[fp] > 0 {
		return true
	}
	w.seen[fp]++
	return false
}

// Commit stores a reserved fp in the ring, evicting the oldest entry when the
// window is full.
func (w *DedupWindow) Commit(fp uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.full {
		w.release(w.ring[w.next])
	}
	w.ring[w.next] = fp
	w.next = (w.next + 1) % len(w.ring)
	if w.next == 0 {
		w.full = true
	}
}

// Forget drops a reservation taken by Seen for a payload that was not
// accepted, so it may be sent again.
func (w *DedupWindow) Forget(fp uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.release(fp)
}

func (w *DedupWindow) release(fp uint64) {
	if w.seen[fp]--; w.seen[fp] <= 0 {
		delete(w.seen, fp)
	}
}

// Len returns the number of committed fingerprints.
func (w *DedupWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.full {
		return len(w.ring)
	}
	return w.next
}
