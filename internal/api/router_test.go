package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joaoipiraja/chat-mom-offline/internal/gateway"
	"github.com/joaoipiraja/chat-mom-offline/internal/handlers"
	"github.com/joaoipiraja/chat-mom-offline/internal/models"
	"github.com/joaoipiraja/chat-mom-offline/internal/presence"
	"github.com/joaoipiraja/chat-mom-offline/internal/protocol"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fakeQueues struct {
	depth func(ctx context.Context, user string) (int64, error)
	state gateway.State
}

func (q *fakeQueues) Depth(ctx context.Context, user string) (int64, error) { return q.depth(ctx, user) }
func (q *fakeQueues) State() gateway.State                                  { return q.state }

type conn string

func (c conn) ID() string     { return string(c) }
func (c conn) Push(any) error { return nil }

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func routerHandler(t *testing.T) (http.Handler, *presence.Registry) {
	t.Helper()
	reg := presence.NewRegistry()
	h := handlers.NewHandler("router", map[string]handlers.Pinger{
		"relay": pingFunc(func(context.Context) error { return nil }),
	}, reg, nil)
	return NewRouter(zerolog.Nop(), h), reg
}

func TestHealth(t *testing.T) {
	h, _ := routerHandler(t)
	rec, body := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	degraded := NewRouter(zerolog.Nop(), handlers.NewHandler("relay", map[string]handlers.Pinger{
		"queue_backend": pingFunc(func(context.Context) error { return errors.New("connection refused") }),
	}, nil, &fakeQueues{state: gateway.Disconnected}))
	rec, body = get(t, degraded, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
}

func TestPresenceRoutes(t *testing.T) {
	h, reg := routerHandler(t)
	_, err := reg.Register("ana", conn("c1"))
	require.NoError(t, err)
	_, err = reg.Register("bia", conn("c2"))
	require.NoError(t, err)
	_, err = reg.SetStatus("bia", conn("c2"), models.StatusOffline)
	require.NoError(t, err)

	rec, body := get(t, h, "/presence/ana")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ONLINE", body["status"])

	rec, _ = get(t, h, "/presence/carol")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = get(t, h, "/presence")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["count"])

	rec, body = get(t, h, "/stats")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["online"])
	assert.EqualValues(t, 1, body["offline"])

	rec, _ = get(t, h, "/queues/ana")
	assert.Equal(t, http.StatusNotFound, rec.Code, "queue routes are relay-only")
}

func TestQueueRoutes(t *testing.T) {
	q := &fakeQueues{state: gateway.Ready, depth: func(ctx context.Context, user string) (int64, error) {
		if user == "down" {
			return 0, protocol.Errorf(protocol.KindQueueUnavailable, "backend down")
		}
		return 3, nil
	}}
	h := NewRouter(zerolog.Nop(), handlers.NewHandler("relay", nil, nil, q))

	rec, body := get(t, h, "/queues/bia")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, body["depth"])
	assert.Equal(t, "queue.bia", body["queue"])

	rec, _ = get(t, h, "/queues/down")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	_, body = get(t, h, "/stats")
	assert.Equal(t, "READY", body["queue_backend"])
	assert.NotContains(t, body, "online")
}

func TestRejectsWritesAndTraversal(t *testing.T) {
	h, _ := routerHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec, _ = get(t, h, "/presence/..%2f..")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := routerHandler(t)
	get(t, h, "/health")

	rec, _ := get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chat_http_requests_total")
}
