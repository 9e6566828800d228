package chat

import "sync"

// idWindow remembers the most recent delivery ids.
type idWindow struct {
	mu   sync.Mutex
	ids  map[string]struct{}
	ring []string
	next int
}

func newIDWindow(size int) *idWindow {
	return &idWindow{
		ids:  make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

// Add records id and reports whether it was new.
func (w *idWindow) Add(id string) bool {
	if id == "" {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.ids[id]; ok {
		return false
	}
	if old := w.ring[w.next]; old != "" {
		delete(w.ids, old)
	}
	w.ring[w.next] = id
	w.next = (w.next + 1) % len(w.ring)
	w.ids[id] = struct{}{}
	return true
}
