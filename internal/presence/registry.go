// Package presence tracks which users are connected to the router and
// through which connection.
package presence

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/joaoipiraja/chat-mom-offline/internal/metrics"
	"github.com/joaoipiraja/chat-mom-offline/internal/models"
	"github.com/joaoipiraja/chat-mom-offline/internal/protocol"
)

const shardCount = 32

// Conn is the connection handle a record points at. The router owns it for
// the lifetime of the record.
type Conn interface {
	// ID is unique per connection.
	ID() string
	// Push writes one line to the connection.
	Push(v any) error
}

// Record is a user's presence. Values returned by the registry are copies.
type Record struct {
	User        string
	Conn        Conn
	Status      models.Status
	LastSeen    time.Time
	ConnectedAt time.Time
}

type shard struct {
	mu      sync.Mutex
	records map[string]*Record
}

// Registry maps users to presence records. Operations on one user are
// linearizable; different users hash to independent shards. No method does
// I/O while holding a shard lock.
type Registry struct {
	shards [shardCount]shard
	now    func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{now: time.Now}
	for i := range r.shards {
		r.shards[i].records = make(map[string]*Record)
	}
	return r
}

func (r *Registry) shard(user string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(user))
	return &r.shards[h.Sum32()%shardCount]
}

// Register creates an ONLINE record for user on conn. It fails with
// ErrDuplicateUser while another record for user exists.
func (r *Registry) Register(user string, conn Conn) (Record, error) {
	s := r.shard(user)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[user]; ok {
		return Record{}, protocol.Errorf(protocol.KindDuplicateUser, "user %q is already connected", user)
	}

	now := r.now()
	rec := &Record{
		User:        user,
		Conn:        conn,
		Status:      models.StatusOnline,
		LastSeen:    now,
		ConnectedAt: now,
	}
	s.records[user] = rec
	metrics.OnlineUsers.Inc()
	return *rec, nil
}

// Lookup returns a copy of user's record.
func (r *Registry) Lookup(user string) (Record, bool) {
	s := r.shard(user)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[user]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// SetStatus changes the status of user's record if it belongs to conn and
// returns the previous status.
func (r *Registry) SetStatus(user string, conn Conn, status models.Status) (models.Status, error) {
	s := r.shard(user)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[user]
	if !ok || rec.Conn.ID() != conn.ID() {
		return "", protocol.Errorf(protocol.KindNotRegistered, "user %q is not registered on this connection", user)
	}
	prev := rec.Status
	rec.Status = status
	rec.LastSeen = r.now()
	return prev, nil
}

// Touch refreshes LastSeen for user's record on conn.
func (r *Registry) Touch(user string, conn Conn) {
	s := r.shard(user)
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[user]; ok && rec.Conn.ID() == conn.ID() {
		rec.LastSeen = r.now()
	}
}

// Remove deletes user's record if it still belongs to conn. A stale
// disconnect never removes a newer registration.
func (r *Registry) Remove(user string, conn Conn) (Record, bool) {
	s := r.shard(user)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[user]
	if !ok || rec.Conn.ID() != conn.ID() {
		return Record{}, false
	}
	delete(s.records, user)
	metrics.OnlineUsers.Dec()
	return *rec, true
}

// Count returns the number of records.
func (r *Registry) Count() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}

// Snapshot returns copies of all records sorted by user. Shards are read
// one at a time, so the result is not a global atomic view.
func (r *Registry) Snapshot() []Record {
	var out []Record
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for _, rec := range s.records {
			out = append(out, *rec)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out
}
