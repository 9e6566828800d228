package protocol

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxUserLength and MaxBodyLength bound identities and message bodies.
const (
	MaxUserLength = 64
	MaxBodyLength = 8192
)

// ValidateUser checks that a user identity is non-empty, at most
// MaxUserLength bytes, valid UTF-8 and free of whitespace and control
// characters. Identities are case-sensitive and otherwise opaque.
func ValidateUser(user string) error {
	if user == "" {
		return Errorf(KindInvalidRequest, "user is required")
	}
	if len(user) > MaxUserLength {
		return Errorf(KindInvalidRequest, "user too long (max %d bytes)", MaxUserLength)
	}
	if !utf8.ValidString(user) {
		return Errorf(KindInvalidRequest, "user must be valid UTF-8")
	}
	if strings.IndexFunc(user, func(r rune) bool {
		return unicode.IsControl(r) || unicode.IsSpace(r)
	}) >= 0 {
		return Errorf(KindInvalidRequest, "user contains whitespace or control characters")
	}
	return nil
}

// ValidateBody checks a message body.
func ValidateBody(body string) error {
	if body == "" {
		return Errorf(KindInvalidRequest, "body is required")
	}
	if len(body) > MaxBodyLength {
		return Errorf(KindInvalidRequest, "body too long (max %d bytes)", MaxBodyLength)
	}
	return nil
}
