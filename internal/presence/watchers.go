package presence

import "sync"

// Watchers records which connections want PRESENCE events for which
// users. Subscriptions live in memory only.
type Watchers struct {
	mu     sync.RWMutex
	byUser map[string]map[string]Conn // watched user -> conn id -> conn
	byConn map[string][]string        // conn id -> watched users
}

// NewWatchers returns an empty subscription table.
func NewWatchers() *Watchers {
	return &Watchers{
		byUser: make(map[string]map[string]Conn),
		byConn: make(map[string][]string),
	}
}

// Watch subscribes conn to status changes of users.
func (w *Watchers) Watch(conn Conn, users []string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := conn.ID()
	for _, u := range users {
		subs, ok := w.byUser[u]
		if !ok {
			subs = make(map[string]Conn)
			w.byUser[u] = subs
		}
		if _, dup := subs[id]; dup {
			continue
		}
		subs[id] = conn
		w.byConn[id] = append(w.byConn[id], u)
	}
}

// Drop removes every subscription held by conn.
func (w *Watchers) Drop(conn Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := conn.ID()
	for _, u := range w.byConn[id] {
		subs := w.byUser[u]
		delete(subs, id)
		if len(subs) == 0 {
			delete(w.byUser, u)
		}
	}
	delete(w.byConn, id)
}

// Of returns the connections watching user.
func (w *Watchers) Of(user string) []Conn {
	w.mu.RLock()
	defer w.mu.RUnlock()

	subs := w.byUser[user]
	out := make([]Conn, 0, len(subs))
	for _, c := range subs {
		out = append(out, c)
	}
	return out
}
