package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable error carried in ERROR responses.
type ErrorKind string

const (
	KindDuplicateUser    ErrorKind = "DuplicateUser"
	KindUnknownRecipient ErrorKind = "UnknownRecipient"
	KindQueueUnavailable ErrorKind = "QueueUnavailable"
	KindQueueFull        ErrorKind = "QueueFull"
	KindProtocolError    ErrorKind = "ProtocolError"
	KindNotRegistered    ErrorKind = "NotRegistered"
	KindInvalidRequest   ErrorKind = "InvalidRequest"
)

// Error is a protocol-level error. Two errors match under errors.Is when
// their kinds are equal, so wrapped values compare against the sentinels.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is reports kind equality.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrDuplicateUser    = &Error{Kind: KindDuplicateUser}
	ErrUnknownRecipient = &Error{Kind: KindUnknownRecipient}
	ErrQueueUnavailable = &Error{Kind: KindQueueUnavailable}
	ErrQueueFull        = &Error{Kind: KindQueueFull}
	ErrProtocol         = &Error{Kind: KindProtocolError}
	ErrNotRegistered    = &Error{Kind: KindNotRegistered}
	ErrInvalidRequest   = &Error{Kind: KindInvalidRequest}
)

// Errorf creates an error of the given kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts the *Error from err's chain, falling back to
// InvalidRequest.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: KindInvalidRequest, Message: "request failed"}
}

// FromResponse turns an ERROR response back into an *Error. It returns nil
// for any other response type.
func FromResponse(resp Response) error {
	if resp.Type != TypeError {
		return nil
	}
	kind := resp.Error
	if kind == "" {
		kind = KindInvalidRequest
	}
	return &Error{Kind: kind, Message: resp.Message}
}
