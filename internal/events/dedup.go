package events

import "sync"

// DefaultDedupCapacity bounds the per-consumer id cache.
const DefaultDedupCapacity = 10_000

// Dedup is a bounded cache of recently-processed message ids, giving
// consumers cheap duplicate suppression on top of at-least-once delivery.
// Durable idempotency lives in the locks package; this only absorbs the
// common redelivery window.
//
// When occupancy crosses 80% of capacity the oldest ids are evicted FIFO
// back down to the watermark.
type Dedup struct {
	mu       sync.Mutex
	capacity int
	seen     map[string]struct{}
	order    []string
}

func NewDedup(capacity int) *Dedup {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &Dedup{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

// Seen records id and reports whether it was already present.
func (d *Dedup) Seen(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)

	if watermark := d.capacity * 8 / 10; len(d.order) > watermark {
		evict := len(d.order) - watermark
		for _, old := range d.order[:evict] {
			delete(d.seen, old)
		}
		d.order = d.order[evict:]
	}
	return false
}

// Forget drops id so a later delivery is processed again. Consumers call it
// before surfacing a retryable handler error, otherwise the redelivered
// message would be suppressed as a duplicate.
func (d *Dedup) Forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; !ok {
		return
	}
	delete(d.seen, id)
	for i, old := range d.order {
		if old == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Len returns the current number of remembered ids.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}
