// Package ids generates connection and delivery identifiers.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewSessionID returns a time-ordered UUID v7 for a client connection.
func NewSessionID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// DeliveryIDs issues ULIDs that increase strictly within one process, so
// ids from one sender sort in send order.
type DeliveryIDs struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewDeliveryIDs returns a generator seeded from crypto/rand.
func NewDeliveryIDs() *DeliveryIDs {
	return &DeliveryIDs{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Next returns a new id stamped with now.
func (g *DeliveryIDs) Next(now time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(now), g.entropy)
	if err != nil {
		// Entropy overflow within one millisecond.
		return ulid.Make().String()
	}
	return id.String()
}
