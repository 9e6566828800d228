package protocol

import (
	"encoding/json"

	"github.com/joaoipiraja/chat-mom-offline/internal/models"
)

// Type identifies a wire message.
type Type string

const (
	TypeRegister    Type = "REGISTER"
	TypeStatus      Type = "STATUS"
	TypeSend        Type = "SEND"
	TypeFetch       Type = "FETCH"
	TypeAck         Type = "ACK"
	TypePresence    Type = "PRESENCE"
	TypeWatch       Type = "WATCH"
	TypePing        Type = "PING"
	TypeCreateQueue Type = "CREATE_QUEUE"
	TypeEnqueue     Type = "ENQUEUE"

	TypeOK             Type = "OK"
	TypeError          Type = "ERROR"
	TypeSent           Type = "SENT"
	TypeFetchResult    Type = "FETCH_RESULT"
	TypePresenceResult Type = "PRESENCE_RESULT"
	TypePong           Type = "PONG"
	TypeDeliver        Type = "DELIVER"
)

// State values carried by STATUS requests.
const (
	StateOn  = "ON"
	StateOff = "OFF"
)

// Request is the union of all request shapes. Unused fields are omitted on
// the wire.
type Request struct {
	Type      Type             `json:"type"`
	User      string           `json:"user,omitempty"`
	State     string           `json:"state,omitempty"`
	Sender    string           `json:"sender,omitempty"`
	Recipient string           `json:"recipient,omitempty"`
	Body      string           `json:"body,omitempty"`
	Envelope  *models.Envelope `json:"envelope,omitempty"`
	IDs       []string         `json:"ids,omitempty"`
	Users     []string         `json:"users,omitempty"`
	Limit     int              `json:"limit,omitempty"`
	Peek      bool             `json:"peek,omitempty"`
}

// Response is the union of all response and push shapes. Decoders use it
// for every inbound line; encoders may write the narrower types below.
type Response struct {
	Type       Type                     `json:"type"`
	Error      ErrorKind                `json:"error,omitempty"`
	Message    string                   `json:"message,omitempty"`
	User       string                   `json:"user,omitempty"`
	Delivered  models.DeliveryMode      `json:"delivered,omitempty"`
	DeliveryID string                   `json:"delivery_id,omitempty"`
	Messages   []models.Envelope        `json:"messages,omitempty"`
	Presence   map[string]models.Status `json:"presence,omitempty"`
	Status     models.Status            `json:"status,omitempty"`
	Sender     string                   `json:"sender,omitempty"`
	Body       string                   `json:"body,omitempty"`
	CreatedAt  int64                    `json:"created_at,omitempty"`
}

// FetchResult always carries the messages array, even when empty.
type FetchResult struct {
	Type     Type              `json:"type"`
	User     string            `json:"user"`
	Messages []models.Envelope `json:"messages"`
}

// Deliver is pushed by the router to a recipient connection.
type Deliver struct {
	Type       Type   `json:"type"`
	Sender     string `json:"sender"`
	Body       string `json:"body"`
	CreatedAt  int64  `json:"created_at"`
	DeliveryID string `json:"delivery_id"`
}

// PresenceEvent is pushed to watchers when a user's status changes.
type PresenceEvent struct {
	Type   Type          `json:"type"`
	User   string        `json:"user"`
	Status models.Status `json:"status"`
}

// OK returns the plain acknowledgement response.
func OK() Response {
	return Response{Type: TypeOK}
}

// ErrorResponse converts err into an ERROR line. Errors that are not
// *Error are reported as InvalidRequest without leaking internals.
func ErrorResponse(err error) Response {
	pe := AsError(err)
	return Response{Type: TypeError, Error: pe.Kind, Message: pe.Message}
}

// NewFetchResult builds a FETCH_RESULT, normalising a nil batch to [].
func NewFetchResult(user string, msgs []models.Envelope) FetchResult {
	if msgs == nil {
		msgs = []models.Envelope{}
	}
	return FetchResult{Type: TypeFetchResult, User: user, Messages: msgs}
}

// NewDeliver builds the DELIVER push for an envelope.
func NewDeliver(env models.Envelope) Deliver {
	return Deliver{
		Type:       TypeDeliver,
		Sender:     env.Sender,
		Body:       env.Body,
		CreatedAt:  env.CreatedAt,
		DeliveryID: env.DeliveryID,
	}
}

// FitFetchResult returns the longest prefix of msgs whose FETCH_RESULT line
// for user stays within MaxLineSize. The first envelope is always kept; a
// single envelope is far below the limit.
func FitFetchResult(user string, msgs []models.Envelope) []models.Envelope {
	head, err := json.Marshal(NewFetchResult(user, nil))
	if err != nil {
		return msgs
	}
	size := len(head) + 1
	for i := range msgs {
		b, err := json.Marshal(&msgs[i])
		if err != nil {
			return msgs[:i]
		}
		size += len(b)
		if i > 0 {
			size++
		}
		if i > 0 && size > MaxLineSize {
			return msgs[:i]
		}
	}
	return msgs
}
