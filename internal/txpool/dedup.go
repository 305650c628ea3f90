package txpool

import (
	"sync"
	"time"
)

// Dedup remembers recently processed transaction ids so a command delivered
// twice by the queue is applied once. It is safe for concurrent use.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewDedup creates a Dedup that treats an id as a duplicate for ttl after it
// was first seen.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// Seen records txID and reports whether it was already recorded within the
// ttl.
func (d *Dedup) Seen(txID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if at, ok := d.seen[txID]; ok && now.Sub(at) < d.ttl {
		return true
	}
	d.seen[txID] = now
	return false
}

// Forget drops txID so a requeued command can be processed again.
func (d *Dedup) Forget(txID string) {
	d.mu.Lock()
	delete(d.seen, txID)
	d.mu.Unlock()
}

// Cleanup removes expired ids.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for id, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, id)
		}
	}
}
