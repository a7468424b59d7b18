package runtime

import (
	"container/list"
	"sync"
)

// dedupSet is a bounded LRU set of processed message ids. The transport
// gives at-least-once delivery; this set makes handler invocation
// at-most-once within the window. A restart clears it, which is why
// handlers must stay idempotent.
type dedupSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List               // front = most recent
	index    map[string]*list.Element // message id -> node
}

func newDedupSet(capacity int) *dedupSet {
	if capacity <= 0 {
		capacity = 10000
	}
	return &dedupSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// Seen records the id and reports whether it was already present.
// A hit refreshes the id's recency.
func (d *dedupSet) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.index[id]; ok {
		d.order.MoveToFront(el)
		return true
	}
	d.index[id] = d.order.PushFront(id)
	if d.order.Len() > d.capacity {
		oldest := d.order.Back()
		d.order.Remove(oldest)
		delete(d.index, oldest.Value.(string))
	}
	return false
}

// Contains reports membership without refreshing recency.
func (d *dedupSet) Contains(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.index[id]
	return ok
}

// Len returns the current number of tracked ids.
func (d *dedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
