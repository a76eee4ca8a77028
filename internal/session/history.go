package session

import (
	"sync"
)

// ScreenHistory is a thread-safe ring of recent screen snapshots.
// It maintains a bounded memory footprint by discarding older snapshots when
// capacity is reached.
type ScreenHistory struct {
	snapshots []string
	capacity  int
	start     int // Index of oldest snapshot
	count     int // Number of snapshots stored
	mu        sync.RWMutex
}

// NewScreenHistory creates a ring with the specified capacity.
// Capacity must be at least 1.
func NewScreenHistory(capacity int) *ScreenHistory {
	if capacity < 1 {
		capacity = 1
	}
	return &ScreenHistory{
		snapshots: make([]string, capacity),
		capacity:  capacity,
	}
}

// Push appends a snapshot. If the ring is full, the oldest snapshot is
// overwritten.
func (h *ScreenHistory) Push(snapshot string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count < h.capacity {
		h.snapshots[h.count] = snapshot
		h.count++
	} else {
		h.snapshots[h.start] = snapshot
		h.start = (h.start + 1) % h.capacity
	}
}

// LastN returns the last n snapshots in chronological order. If n exceeds
// the number stored, all are returned.
func (h *ScreenHistory) LastN(n int) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n > h.count {
		n = h.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]string, n)
	startIdx := h.count - n
	for i := 0; i < n; i++ {
		idx := (h.start + startIdx + i) % h.capacity
		result[i] = h.snapshots[idx]
	}
	return result
}

// Len returns the number of snapshots currently stored.
func (h *ScreenHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
