package models

// Status is a user's presence status.
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
)

// QueueName returns the durable queue name for a user.
func QueueName(user string) string {
	return "queue." + user
}
