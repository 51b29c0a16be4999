// Package waitmap implements the penetrate session's correlation-id table
// (spec §4.2, C2): each live visitor handler registers a single-shot wait
// slot under a freshly allocated 32-bit id and waits for its mapper stream.
//
// The source this was distilled from took two locks separately for the id
// counter and the wait list, which is racy: two concurrent pushes can both
// observe the same free id before either inserts. Map takes one lock around
// the whole read-modify-write instead (§9 "WaitMap double-lock").
package waitmap

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrExhausted is returned by Push when no free id could be found within
// the bounded scan, or the table has hit its configured capacity. Without
// this bound, scanning for a free id on a full table spins forever (§9
// "Id allocation loop").
var ErrExhausted = errors.New("waitmap: resource exhausted")

// Slot is the single-producer single-consumer channel a visitor handler
// parks while waiting for its mapper stream. Capacity is always 1.
type Slot chan interface{}

// Map is exclusively owned by one penetrate session.
type Map struct {
	mu      sync.Mutex
	nextID  uint32
	maxSize int
	items   map[uint32]Slot
}

// New builds an empty Map. maxSize <= 0 means unbounded (bounded only by
// the practical limits of the address space and memory).
func New(maxSize int) *Map {
	return &Map{items: make(map[uint32]Slot), maxSize: maxSize}
}

// Push allocates an id not currently present and binds it to slot. Id
// allocation is monotonic with wraparound; collisions with live ids are
// skipped.
func (m *Map) Push(slot Slot) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxSize > 0 && len(m.items) >= m.maxSize {
		return 0, ErrExhausted
	}

	id := m.nextID
	// By pigeonhole, scanning strictly more ids than there are live
	// entries must land on a free one unless the table is literally at
	// 2^32 capacity, which maxSize (or practical memory limits) rules out.
	bound := uint64(len(m.items)) + 1
	for scanned := uint64(0); ; scanned++ {
		if _, occupied := m.items[id]; !occupied {
			break
		}
		if scanned >= bound {
			return 0, ErrExhausted
		}
		id++ // wraps naturally at math.MaxUint32
	}

	m.items[id] = slot
	m.nextID = id + 1
	return id, nil
}

// Remove removes and returns the slot for id, if present.
func (m *Map) Remove(id uint32) (Slot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.items[id]
	if ok {
		delete(m.items, id)
	}
	return slot, ok
}

// Len reports the number of live wait slots.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
