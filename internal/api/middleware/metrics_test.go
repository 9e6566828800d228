package middleware

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/presence/ana": "/presence/:user",
		"/presence":     "/presence",
		"/queues/bia":   "/queues/:user",
		"/health":       "/health",
		"/favicon.ico":  "other",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizePath(in), in)
	}
}
