// Package chat is a Go client for the presence router.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joaoipiraja/chat-mom-offline/internal/models"
	"github.com/joaoipiraja/chat-mom-offline/internal/protocol"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("chat: client closed")

// Message is a delivered chat message.
type Message struct {
	DeliveryID string
	Sender     string
	Body       string
	CreatedAt  time.Time
}

// PresenceEvent reports a watched user's status change.
type PresenceEvent struct {
	User   string
	Status models.Status
}

// SendResult reports how the router handled a SEND.
type SendResult struct {
	DeliveryID string
	Mode       models.DeliveryMode
}

// Options tunes a client.
type Options struct {
	// DialTimeout bounds the TCP connect.
	DialTimeout time.Duration
	// Buffer is the capacity of the deliveries channel.
	Buffer int
	// DedupWindow is how many delivery ids are remembered for dedup.
	DedupWindow int
}

// Client is one router connection. Requests are issued one at a time;
// DELIVER and PRESENCE pushes arrive on channels.
type Client struct {
	conn net.Conn
	enc  *protocol.Encoder

	callMu    sync.Mutex
	waiting   atomic.Bool
	responses chan protocol.Response

	deliveries chan Message
	presence   chan PresenceEvent
	seen       *idWindow

	user string

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// Dial connects to the router at addr.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 4096
	}

	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial router: %w", err)
	}

	c := &Client{
		conn:       conn,
		enc:        protocol.NewEncoder(conn),
		responses:  make(chan protocol.Response, 1),
		deliveries: make(chan Message, opts.Buffer),
		presence:   make(chan PresenceEvent, 64),
		seen:       newIDWindow(opts.DedupWindow),
		done:       make(chan struct{}),
	}
	go c.readLoop(protocol.NewDecoder(conn))
	return c, nil
}

// Deliveries returns the channel of delivered messages. Redeliveries of an
// already seen delivery id are dropped. The channel must be drained: a full
// channel stalls the connection. It is closed when the connection ends.
func (c *Client) Deliveries() <-chan Message { return c.deliveries }

// PresenceEvents returns status changes of watched users. Events are
// dropped when the channel is full.
func (c *Client) PresenceEvents() <-chan PresenceEvent { return c.presence }

// User returns the registered identity, or "" before Register.
func (c *Client) User() string {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	return c.user
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection ended.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close closes the connection.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	return nil
}

func (c *Client) fail(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		_ = c.conn.Close()
		close(c.done)
	})
}

func (c *Client) readLoop(dec *protocol.Decoder) {
	defer close(c.deliveries)
	defer close(c.presence)

	for {
		var resp protocol.Response
		if err := dec.Decode(&resp); err != nil {
			c.fail(fmt.Errorf("chat: connection lost: %w", err))
			return
		}

		switch resp.Type {
		case protocol.TypeDeliver:
			if !c.seen.Add(resp.DeliveryID) {
				continue
			}
			select {
			case c.deliveries <- toMessage(resp.DeliveryID, resp.Sender, resp.Body, resp.CreatedAt):
			case <-c.done:
				return
			}
		case protocol.TypePresence:
			select {
			case c.presence <- PresenceEvent{User: resp.User, Status: resp.Status}:
			default:
			}
		default:
			// A line nobody asked for, such as the ERROR written just
			// before the router closes, must not answer the next call.
			if !c.waiting.Load() {
				continue
			}
			select {
			case c.responses <- resp:
			case <-c.done:
				return
			}
		}
	}
}

func toMessage(id, sender, body string, createdAt int64) Message {
	return Message{DeliveryID: id, Sender: sender, Body: body, CreatedAt: time.UnixMilli(createdAt)}
}

// call sends req and waits for its response. A canceled call closes the
// client: the late response would otherwise answer the next request.
func (c *Client) call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	select {
	case <-c.done:
		return protocol.Response{}, c.Err()
	default:
	}

	c.waiting.Store(true)
	defer c.waiting.Store(false)

	if err := c.enc.Encode(req); err != nil {
		c.fail(err)
		return protocol.Response{}, err
	}

	select {
	case resp := <-c.responses:
		if err := protocol.FromResponse(resp); err != nil {
			return resp, err
		}
		return resp, nil
	case <-c.done:
		return protocol.Response{}, c.Err()
	case <-ctx.Done():
		c.fail(fmt.Errorf("chat: %s abandoned: %w", req.Type, ctx.Err()))
		return protocol.Response{}, ctx.Err()
	}
}

// Register claims user on this connection. The router creates the user's
// queue and then delivers anything pending.
func (c *Client) Register(ctx context.Context, user string) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if _, err := c.call(ctx, protocol.Request{Type: protocol.TypeRegister, User: user}); err != nil {
		return err
	}
	c.user = user
	return nil
}

// SetStatus switches between ONLINE and OFFLINE. Going ONLINE triggers
// delivery of queued messages.
func (c *Client) SetStatus(ctx context.Context, online bool) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	state := protocol.StateOff
	if online {
		state = protocol.StateOn
	}
	_, err := c.call(ctx, protocol.Request{Type: protocol.TypeStatus, User: c.user, State: state})
	return err
}

// Send sends body to recipient.
func (c *Client) Send(ctx context.Context, recipient, body string) (SendResult, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	resp, err := c.call(ctx, protocol.Request{Type: protocol.TypeSend, Sender: c.user, Recipient: recipient, Body: body})
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{DeliveryID: resp.DeliveryID, Mode: resp.Delivered}, nil
}

// Fetch drains pending messages through the router. Messages already
// received as DELIVER pushes are filtered out.
func (c *Client) Fetch(ctx context.Context) ([]Message, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	resp, err := c.call(ctx, protocol.Request{Type: protocol.TypeFetch, User: c.user})
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(resp.Messages))
	for _, env := range resp.Messages {
		if c.seen.Add(env.DeliveryID) {
			out = append(out, toMessage(env.DeliveryID, env.Sender, env.Body, env.CreatedAt))
		}
	}
	return out, nil
}

// Peek returns pending messages without removing them. Pair it with Ack.
func (c *Client) Peek(ctx context.Context) ([]Message, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	resp, err := c.call(ctx, protocol.Request{Type: protocol.TypeFetch, User: c.user, Peek: true})
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(resp.Messages))
	for _, env := range resp.Messages {
		out = append(out, toMessage(env.DeliveryID, env.Sender, env.Body, env.CreatedAt))
	}
	return out, nil
}

// Ack removes peeked messages from the queue. Unknown ids are ignored.
func (c *Client) Ack(ctx context.Context, deliveryIDs ...string) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	_, err := c.call(ctx, protocol.Request{Type: protocol.TypeAck, User: c.user, IDs: deliveryIDs})
	return err
}

// Presence returns the current status of users.
func (c *Client) Presence(ctx context.Context, users ...string) (map[string]models.Status, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	resp, err := c.call(ctx, protocol.Request{Type: protocol.TypePresence, Users: users})
	if err != nil {
		return nil, err
	}
	if resp.Presence == nil {
		return map[string]models.Status{}, nil
	}
	return resp.Presence, nil
}

// Watch subscribes to status changes of users.
func (c *Client) Watch(ctx context.Context, users ...string) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	_, err := c.call(ctx, protocol.Request{Type: protocol.TypeWatch, Users: users})
	return err
}

// Ping round-trips a PING.
func (c *Client) Ping(ctx context.Context) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	_, err := c.call(ctx, protocol.Request{Type: protocol.TypePing})
	return err
}
