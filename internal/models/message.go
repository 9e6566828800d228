package models

// Envelope is a chat message in flight between two users.
// It is immutable once created by the router.
type Envelope struct {
	DeliveryID string `json:"delivery_id"` // ULID, dedup/ack key
	Sender     string `json:"sender"`
	Recipient  string `json:"recipient"`
	Body       string `json:"body"`
	CreatedAt  int64  `json:"created_at"` // Unix ms
}

// DeliveryMode reports which path an envelope took.
type DeliveryMode string

const (
	DeliveredInstant DeliveryMode = "INSTANT"
	DeliveredQueued  DeliveryMode = "QUEUED"
)
