package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joaoipiraja/chat-mom-offline/internal/gateway"
	"github.com/joaoipiraja/chat-mom-offline/internal/models"
	"github.com/joaoipiraja/chat-mom-offline/internal/protocol"
	"github.com/joaoipiraja/chat-mom-offline/internal/store"
)

func gatewayConfig() gateway.Config {
	return gateway.Config{
		ConnectTimeout: time.Second,
		CreateTimeout:  time.Second,
		EnqueueTimeout: time.Second,
		FetchTimeout:   time.Second,
		BackoffInitial: 50 * time.Millisecond,
		BackoffMax:     time.Second,
		HealthInterval: time.Second,
	}
}

func memoryGateway(t *testing.T, opts store.Options) *gateway.Gateway {
	t.Helper()
	mem := store.NewMemoryStore(opts)
	g := gateway.New(func(ctx context.Context) (store.QueueStore, error) { return mem, nil }, gatewayConfig(), zerolog.Nop())
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func startServer(t *testing.T, backend Backend, cfg Config) (string, *Server) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(backend, cfg, zerolog.Nop())
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return ln.Addr().String(), srv
}

type lineClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *lineClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &lineClient{conn: conn, r: bufio.NewReader(conn)}
}

func (c *lineClient) send(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = c.conn.Write(append(b, '\n'))
	require.NoError(t, err)
}

func (c *lineClient) sendRaw(t *testing.T, line string) {
	t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (c *lineClient) read(t *testing.T) protocol.Response {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadBytes('\n')
	require.NoError(t, err)
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(line, &resp))
	return resp
}

func (c *lineClient) call(t *testing.T, req protocol.Request) protocol.Response {
	t.Helper()
	c.send(t, req)
	return c.read(t)
}

func envelope(id, sender, recipient, body string) *models.Envelope {
	return &models.Envelope{DeliveryID: id, Sender: sender, Recipient: recipient, Body: body, CreatedAt: time.Now().UnixMilli()}
}

func TestCreateQueueIsIdempotent(t *testing.T) {
	addr, _ := startServer(t, memoryGateway(t, store.Options{}), Config{ReadTimeout: 5 * time.Second})
	c := dial(t, addr)

	for i := 0; i < 2; i++ {
		resp := c.call(t, protocol.Request{Type: protocol.TypeCreateQueue, User: "bia"})
		assert.Equal(t, protocol.TypeOK, resp.Type)
	}
}

func TestEnqueueRequiresQueue(t *testing.T) {
	addr, _ := startServer(t, memoryGateway(t, store.Options{}), Config{ReadTimeout: 5 * time.Second})
	c := dial(t, addr)

	resp := c.call(t, protocol.Request{Type: protocol.TypeEnqueue, User: "carol", Envelope: envelope("1", "ana", "carol", "hi")})
	assert.Equal(t, protocol.TypeError, resp.Type)
	assert.Equal(t, protocol.KindUnknownRecipient, resp.Error)
}

func TestEnqueueValidation(t *testing.T) {
	addr, _ := startServer(t, memoryGateway(t, store.Options{}), Config{ReadTimeout: 5 * time.Second})
	c := dial(t, addr)

	resp := c.call(t, protocol.Request{Type: protocol.TypeEnqueue, User: "bia"})
	assert.Equal(t, protocol.KindInvalidRequest, resp.Error)

	resp = c.call(t, protocol.Request{Type: protocol.TypeEnqueue, User: "bia", Envelope: envelope("1", "ana", "carol", "hi")})
	assert.Equal(t, protocol.KindInvalidRequest, resp.Error)

	resp = c.call(t, protocol.Request{Type: protocol.TypeCreateQueue, User: "bad user"})
	assert.Equal(t, protocol.KindInvalidRequest, resp.Error)
}

func TestFetchDrainsInOrder(t *testing.T) {
	addr, _ := startServer(t, memoryGateway(t, store.Options{}), Config{ReadTimeout: 5 * time.Second})
	c := dial(t, addr)

	require.Equal(t, protocol.TypeOK, c.call(t, protocol.Request{Type: protocol.TypeCreateQueue, User: "bia"}).Type)
	for i, body := range []string{"one", "two", "three"} {
		env := envelope(string(rune('a'+i)), "ana", "bia", body)
		require.Equal(t, protocol.TypeOK, c.call(t, protocol.Request{Type: protocol.TypeEnqueue, User: "bia", Envelope: env}).Type)
	}

	resp := c.call(t, protocol.Request{Type: protocol.TypeFetch, User: "bia"})
	require.Equal(t, protocol.TypeFetchResult, resp.Type)
	require.Len(t, resp.Messages, 3)
	assert.Equal(t, "one", resp.Messages[0].Body)
	assert.Equal(t, "two", resp.Messages[1].Body)
	assert.Equal(t, "three", resp.Messages[2].Body)

	// Drained; an empty fetch is repeatable.
	for i := 0; i < 2; i++ {
		resp = c.call(t, protocol.Request{Type: protocol.TypeFetch, User: "bia"})
		assert.Equal(t, protocol.TypeFetchResult, resp.Type)
		assert.Empty(t, resp.Messages)
	}
}

func TestFetchEmptyQueueHasMessagesArray(t *testing.T) {
	addr, _ := startServer(t, memoryGateway(t, store.Options{}), Config{ReadTimeout: 5 * time.Second})
	c := dial(t, addr)

	c.send(t, protocol.Request{Type: protocol.TypeFetch, User: "nobody"})
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadBytes('\n')
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"FETCH_RESULT","user":"nobody","messages":[]}`, string(line))
}

func TestFetchPeekThenAck(t *testing.T) {
	addr, _ := startServer(t, memoryGateway(t, store.Options{}), Config{ReadTimeout: 5 * time.Second})
	c := dial(t, addr)

	c.call(t, protocol.Request{Type: protocol.TypeCreateQueue, User: "bia"})
	c.call(t, protocol.Request{Type: protocol.TypeEnqueue, User: "bia", Envelope: envelope("a", "ana", "bia", "hi")})
	c.call(t, protocol.Request{Type: protocol.TypeEnqueue, User: "bia", Envelope: envelope("b", "ana", "bia", "yo")})

	resp := c.call(t, protocol.Request{Type: protocol.TypeFetch, User: "bia", Peek: true})
	require.Len(t, resp.Messages, 2)

	resp = c.call(t, protocol.Request{Type: protocol.TypeFetch, User: "bia", Peek: true, Limit: 1})
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "a", resp.Messages[0].DeliveryID)

	assert.Equal(t, protocol.TypeOK, c.call(t, protocol.Request{Type: protocol.TypeAck, User: "bia", IDs: []string{"a"}}).Type)
	assert.Equal(t, protocol.TypeOK, c.call(t, protocol.Request{Type: protocol.TypeAck, User: "bia", IDs: []string{"a"}}).Type)

	resp = c.call(t, protocol.Request{Type: protocol.TypeFetch, User: "bia", Peek: true})
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "b", resp.Messages[0].DeliveryID)
}

func TestFetchFitsOneLine(t *testing.T) {
	g := memoryGateway(t, store.Options{})
	addr, _ := startServer(t, g, Config{ReadTimeout: 5 * time.Second})
	c := dial(t, addr)
	ctx := context.Background()

	require.NoError(t, g.CreateQueue(ctx, "bia"))
	body := strings.Repeat("<", protocol.MaxBodyLength)
	for i := 0; i < 60; i++ {
		require.NoError(t, g.Enqueue(ctx, envelope(fmt.Sprintf("%03d", i), "ana", "bia", body)))
	}

	c.send(t, protocol.Request{Type: protocol.TypeFetch, User: "bia"})
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadBytes('\n')
	require.NoError(t, err)
	assert.LessOrEqual(t, len(line), protocol.MaxLineSize)

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(line, &resp))
	require.NotEmpty(t, resp.Messages)
	require.Less(t, len(resp.Messages), 60)
	assert.Equal(t, "000", resp.Messages[0].DeliveryID)

	require.Eventually(t, func() bool {
		n, err := g.Depth(ctx, "bia")
		return err == nil && n == int64(60-len(resp.Messages))
	}, time.Second, 10*time.Millisecond)

	next := c.call(t, protocol.Request{Type: protocol.TypeFetch, User: "bia"})
	require.NotEmpty(t, next.Messages)
	assert.Equal(t, fmt.Sprintf("%03d", len(resp.Messages)), next.Messages[0].DeliveryID)
}

func TestAckRejectsOversizedIDList(t *testing.T) {
	addr, _ := startServer(t, memoryGateway(t, store.Options{}), Config{ReadTimeout: 5 * time.Second, FetchLimit: 3})
	c := dial(t, addr)

	c.call(t, protocol.Request{Type: protocol.TypeCreateQueue, User: "bia"})
	resp := c.call(t, protocol.Request{Type: protocol.TypeAck, User: "bia", IDs: []string{"a", "b", "c", "d"}})
	assert.Equal(t, protocol.KindInvalidRequest, resp.Error)

	resp = c.call(t, protocol.Request{Type: protocol.TypeAck, User: "bia", IDs: []string{"a", "b", "c"}})
	assert.Equal(t, protocol.TypeOK, resp.Type)
}

func TestQueueFull(t *testing.T) {
	addr, _ := startServer(t, memoryGateway(t, store.Options{MaxDepth: 1}), Config{ReadTimeout: 5 * time.Second})
	c := dial(t, addr)

	c.call(t, protocol.Request{Type: protocol.TypeCreateQueue, User: "bia"})
	c.call(t, protocol.Request{Type: protocol.TypeEnqueue, User: "bia", Envelope: envelope("a", "ana", "bia", "hi")})
	resp := c.call(t, protocol.Request{Type: protocol.TypeEnqueue, User: "bia", Envelope: envelope("b", "ana", "bia", "hi")})
	assert.Equal(t, protocol.KindQueueFull, resp.Error)
}

func TestPing(t *testing.T) {
	addr, _ := startServer(t, memoryGateway(t, store.Options{}), Config{ReadTimeout: 5 * time.Second})
	c := dial(t, addr)
	assert.Equal(t, protocol.TypePong, c.call(t, protocol.Request{Type: protocol.TypePing}).Type)
}

func TestProtocolErrorsCloseConnection(t *testing.T) {
	addr, _ := startServer(t, memoryGateway(t, store.Options{}), Config{ReadTimeout: 5 * time.Second})

	for name, line := range map[string]string{
		"malformed":    `{"type":`,
		"unknown type": `{"type":"SUBSCRIBE","user":"bia"}`,
	} {
		t.Run(name, func(t *testing.T) {
			c := dial(t, addr)
			c.sendRaw(t, line)

			resp := c.read(t)
			assert.Equal(t, protocol.TypeError, resp.Type)
			assert.Equal(t, protocol.KindProtocolError, resp.Error)

			_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, err := c.r.ReadBytes('\n')
			assert.Error(t, err)
		})
	}
}

func TestReadTimeoutClosesIdleConnection(t *testing.T) {
	addr, _ := startServer(t, memoryGateway(t, store.Options{}), Config{ReadTimeout: 50 * time.Millisecond})
	c := dial(t, addr)

	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.r.ReadBytes('\n')
	assert.Error(t, err)
}

func TestBackendUnreachable(t *testing.T) {
	g := gateway.New(func(ctx context.Context) (store.QueueStore, error) {
		return nil, errors.New("dial tcp 127.0.0.1:1: connection refused")
	}, gatewayConfig(), zerolog.Nop())
	t.Cleanup(func() { _ = g.Close() })

	addr, _ := startServer(t, g, Config{ReadTimeout: 5 * time.Second})
	c := dial(t, addr)

	resp := c.call(t, protocol.Request{Type: protocol.TypeEnqueue, User: "bia", Envelope: envelope("a", "ana", "bia", "hi")})
	assert.Equal(t, protocol.KindQueueUnavailable, resp.Error)

	resp = c.call(t, protocol.Request{Type: protocol.TypeFetch, User: "bia"})
	assert.Equal(t, protocol.KindQueueUnavailable, resp.Error)
}

func TestRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	g := gateway.New(func(ctx context.Context) (store.QueueStore, error) {
		return store.NewRedisStore(ctx, "redis://"+mr.Addr(), store.Options{MaxDepth: 10})
	}, gatewayConfig(), zerolog.Nop())
	t.Cleanup(func() { _ = g.Close() })

	addr, _ := startServer(t, g, Config{ReadTimeout: 5 * time.Second})
	c := dial(t, addr)

	c.call(t, protocol.Request{Type: protocol.TypeCreateQueue, User: "bia"})
	resp := c.call(t, protocol.Request{Type: protocol.TypeEnqueue, User: "bia", Envelope: envelope("a", "ana", "bia", "hi")})
	require.Equal(t, protocol.TypeOK, resp.Type)

	n, err := mr.List(models.QueueName("bia"))
	require.NoError(t, err)
	assert.Len(t, n, 1)

	resp = c.call(t, protocol.Request{Type: protocol.TypeFetch, User: "bia"})
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "hi", resp.Messages[0].Body)

	require.Eventually(t, func() bool {
		l, _ := mr.List(models.QueueName("bia"))
		return len(l) == 0
	}, time.Second, 10*time.Millisecond)
}

// blockingBackend holds Fetch until release is closed.
type blockingBackend struct {
	Backend
	fetched chan struct{}
	release chan struct{}
	acks    atomic.Int32
}

func (b *blockingBackend) Fetch(ctx context.Context, user string, limit int) ([]models.Envelope, error) {
	envs, err := b.Backend.Fetch(ctx, user, limit)
	close(b.fetched)
	<-b.release
	return envs, err
}

func (b *blockingBackend) Ack(ctx context.Context, user string, ids []string) (int, error) {
	b.acks.Add(1)
	return b.Backend.Ack(ctx, user, ids)
}

func TestDrainKeepsEntriesWhenResponseLost(t *testing.T) {
	inner := memoryGateway(t, store.Options{})
	ctx := context.Background()
	require.NoError(t, inner.CreateQueue(ctx, "bia"))
	require.NoError(t, inner.Enqueue(ctx, envelope("a", "ana", "bia", "hi")))
	require.NoError(t, inner.Enqueue(ctx, envelope("b", "ana", "bia", "yo")))

	backend := &blockingBackend{Backend: inner, fetched: make(chan struct{}), release: make(chan struct{})}
	srv := NewServer(backend, Config{ReadTimeout: 5 * time.Second}, zerolog.Nop())

	serverSide, clientSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		srv.handleConn(serverSide)
		close(done)
	}()

	b, _ := json.Marshal(protocol.Request{Type: protocol.TypeFetch, User: "bia"})
	_, err := clientSide.Write(append(b, '\n'))
	require.NoError(t, err)

	<-backend.fetched
	require.NoError(t, clientSide.Close())
	close(backend.release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not exit")
	}

	assert.Zero(t, backend.acks.Load())
	envs, err := inner.Fetch(ctx, "bia", 10)
	require.NoError(t, err)
	assert.Len(t, envs, 2)
}

func TestShutdownClosesConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(memoryGateway(t, store.Options{}), Config{ReadTimeout: 5 * time.Second}, zerolog.Nop())

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	c := dial(t, ln.Addr().String())
	assert.Equal(t, protocol.TypePong, c.call(t, protocol.Request{Type: protocol.TypePing}).Type)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-served)

	_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = c.r.ReadBytes('\n')
	assert.Error(t, err)
}
