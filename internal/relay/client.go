package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/joaoipiraja/chat-mom-offline/internal/metrics"
	"github.com/joaoipiraja/chat-mom-offline/internal/models"
	"github.com/joaoipiraja/chat-mom-offline/internal/protocol"
)

// ClientConfig tunes the relay RPC client.
type ClientConfig struct {
	PoolSize    int
	DialTimeout time.Duration
	// IdleTimeout must stay below the relay's read timeout so pooled
	// connections are not reused after the relay dropped them.
	IdleTimeout time.Duration
}

// Client issues request/response calls to a relay over a small pool of
// TCP connections. Every transport failure is reported as
// QueueUnavailable.
type Client struct {
	addr   string
	cfg    ClientConfig
	logger zerolog.Logger

	mu     sync.Mutex
	idle   []*clientConn
	closed bool
}

type clientConn struct {
	conn     net.Conn
	dec      *protocol.Decoder
	enc      *protocol.Encoder
	lastUsed time.Time
}

// NewClient creates a client for the relay at addr. Connections are dialed
// on demand.
func NewClient(addr string, cfg ClientConfig, logger zerolog.Logger) *Client {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 16
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 20 * time.Second
	}
	return &Client{
		addr:   addr,
		cfg:    cfg,
		logger: logger.With().Str("component", "relay_client").Str("relay", addr).Logger(),
	}
}

// CreateQueue asks the relay to create user's queue.
func (c *Client) CreateQueue(ctx context.Context, user string) error {
	_, err := c.call(ctx, protocol.Request{Type: protocol.TypeCreateQueue, User: user})
	return err
}

// Enqueue stores env in its recipient's queue.
func (c *Client) Enqueue(ctx context.Context, env models.Envelope) error {
	_, err := c.call(ctx, protocol.Request{Type: protocol.TypeEnqueue, User: env.Recipient, Envelope: &env})
	return err
}

// Fetch returns pending envelopes for user in queue order. With peek set
// the relay keeps them until Ack.
func (c *Client) Fetch(ctx context.Context, user string, limit int, peek bool) ([]models.Envelope, error) {
	resp, err := c.call(ctx, protocol.Request{Type: protocol.TypeFetch, User: user, Limit: limit, Peek: peek})
	if err != nil {
		return nil, err
	}
	if resp.Type != protocol.TypeFetchResult {
		return nil, protocol.Errorf(protocol.KindQueueUnavailable, "unexpected relay response %s", resp.Type)
	}
	if resp.Messages == nil {
		return []models.Envelope{}, nil
	}
	return resp.Messages, nil
}

// Ack removes delivered envelopes from user's queue.
func (c *Client) Ack(ctx context.Context, user string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.call(ctx, protocol.Request{Type: protocol.TypeAck, User: user, IDs: ids})
	return err
}

// Ping round-trips a PING.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, protocol.Request{Type: protocol.TypePing})
	return err
}

// Close drops all pooled connections. Later calls fail.
func (c *Client) Close() error {
	c.mu.Lock()
	idle := c.idle
	c.idle = nil
	c.closed = true
	c.mu.Unlock()

	for _, cc := range idle {
		_ = cc.conn.Close()
	}
	return nil
}

func (c *Client) call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	op := string(req.Type)

	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		metrics.RelayCalls.WithLabelValues(op, "unavailable").Inc()
		c.logger.Debug().Err(err).Str("op", op).Msg("relay call failed")
		return protocol.Response{}, fmt.Errorf("%w: relay %s: %v", protocol.ErrQueueUnavailable, op, err)
	}

	if perr := protocol.FromResponse(resp); perr != nil {
		metrics.RelayCalls.WithLabelValues(op, string(protocol.AsError(perr).Kind)).Inc()
		return resp, perr
	}
	metrics.RelayCalls.WithLabelValues(op, "ok").Inc()
	return resp, nil
}

// roundTrip writes req and reads one response. A pooled connection that
// turns out to be closed by the relay is retried once on a fresh one; all
// relay operations are idempotent.
func (c *Client) roundTrip(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	for attempt := 0; ; attempt++ {
		cc, reused, err := c.get(ctx)
		if err != nil {
			return protocol.Response{}, err
		}

		resp, err := c.exchange(ctx, cc, req)
		if err == nil {
			c.put(cc)
			return resp, nil
		}
		_ = cc.conn.Close()

		if reused && attempt == 0 && ctx.Err() == nil && isStale(err) {
			continue
		}
		return protocol.Response{}, err
	}
}

func (c *Client) exchange(ctx context.Context, cc *clientConn, req protocol.Request) (protocol.Response, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := cc.conn.SetDeadline(deadline); err != nil {
		return protocol.Response{}, err
	}

	// Unblock the exchange when ctx is canceled without a deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = cc.conn.SetDeadline(time.Unix(1, 0))
	})

	var resp protocol.Response
	err := cc.enc.Encode(req)
	if err == nil {
		err = cc.dec.Decode(&resp)
	}

	if !stop() && err == nil {
		// The cancel hook fired after a successful read; the connection
		// carries a past deadline and cannot be pooled.
		err = ctx.Err()
	}
	if err != nil {
		if ctx.Err() != nil {
			return protocol.Response{}, ctx.Err()
		}
		return protocol.Response{}, err
	}
	return resp, nil
}

func isStale(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe) && !oe.Timeout()
}

func (c *Client) get(ctx context.Context) (*clientConn, bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, false, errors.New("client closed")
	}
	for len(c.idle) > 0 {
		cc := c.idle[len(c.idle)-1]
		c.idle = c.idle[:len(c.idle)-1]
		if time.Since(cc.lastUsed) < c.cfg.IdleTimeout {
			c.mu.Unlock()
			return cc, true, nil
		}
		_ = cc.conn.Close()
	}
	c.mu.Unlock()

	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, false, err
	}
	return &clientConn{
		conn: conn,
		dec:  protocol.NewDecoder(conn),
		enc:  protocol.NewEncoder(conn),
	}, false, nil
}

func (c *Client) put(cc *clientConn) {
	cc.lastUsed = time.Now()

	c.mu.Lock()
	if c.closed || len(c.idle) >= c.cfg.PoolSize {
		c.mu.Unlock()
		_ = cc.conn.Close()
		return
	}
	c.idle = append(c.idle, cc)
	c.mu.Unlock()
}
