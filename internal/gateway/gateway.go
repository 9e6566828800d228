// Package gateway is the relay's only path to the durable queue backend.
//
// It owns the backend connection through a small state machine
// (DISCONNECTED → CONNECTING → READY → DISCONNECTED on error), reconnects
// with exponential backoff, and reports every backend failure to callers as
// QueueUnavailable. It contains no routing logic.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/joaoipiraja/chat-mom-offline/internal/metrics"
	"github.com/joaoipiraja/chat-mom-offline/internal/models"
	"github.com/joaoipiraja/chat-mom-offline/internal/protocol"
	"github.com/joaoipiraja/chat-mom-offline/internal/store"
)

// State is the connection state of the gateway.
type State int32

const (
	Disconnected State = iota
	Connecting
	Ready
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Ready:
		return "READY"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Dialer opens a backend connection.
type Dialer func(ctx context.Context) (store.QueueStore, error)

// Config holds timeouts and backoff bounds.
type Config struct {
	ConnectTimeout time.Duration
	CreateTimeout  time.Duration
	EnqueueTimeout time.Duration
	FetchTimeout   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	HealthInterval time.Duration
}

// Gateway adapts relay operations onto a store.QueueStore.
type Gateway struct {
	dial   Dialer
	cfg    Config
	logger zerolog.Logger

	mu         sync.Mutex
	state      State
	store      store.QueueStore
	backoff    *backoff.ExponentialBackOff
	retryAt    time.Time
	connecting chan struct{} // closed when the in-flight connect settles
	closed     bool
}

// New creates a gateway in the DISCONNECTED state. Nothing is dialed until
// the first operation or until Run starts supervising.
func New(dial Dialer, cfg Config, logger zerolog.Logger) *Gateway {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BackoffInitial
	b.MaxInterval = cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	metrics.GatewayState.Set(float64(Disconnected))

	return &Gateway{
		dial:    dial,
		cfg:     cfg,
		logger:  logger.With().Str("component", "gateway").Logger(),
		backoff: b,
	}
}

// State returns the current connection state.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gateway) setState(s State) {
	if g.state != s {
		g.logger.Debug().Stringer("from", g.state).Stringer("to", s).Msg("state change")
	}
	g.state = s
	metrics.GatewayState.Set(float64(s))
}

// acquire returns a READY backend, connecting if needed. While a previous
// connect attempt is backing off it fails fast.
func (g *Gateway) acquire(ctx context.Context) (store.QueueStore, error) {
	for {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return nil, fmt.Errorf("%w: gateway closed", protocol.ErrQueueUnavailable)
		}

		switch g.state {
		case Ready:
			s := g.store
			g.mu.Unlock()
			return s, nil

		case Disconnected:
			if wait := time.Until(g.retryAt); wait > 0 {
				g.mu.Unlock()
				return nil, fmt.Errorf("%w: backend down, next attempt in %s",
					protocol.ErrQueueUnavailable, wait.Round(time.Millisecond))
			}
			g.setState(Connecting)
			g.connecting = make(chan struct{})
			go g.connect(g.connecting)
		}

		ch := g.connecting
		g.mu.Unlock()

		select {
		case <-ch:
			// Re-check the settled state.
			g.mu.Lock()
			failed := g.state != Ready
			g.mu.Unlock()
			if failed {
				return nil, fmt.Errorf("%w: connect failed", protocol.ErrQueueUnavailable)
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", protocol.ErrQueueUnavailable, ctx.Err())
		}
	}
}

// connect dials on its own deadline so a caller with a short budget does
// not abort a slow but healthy TLS handshake.
func (g *Gateway) connect(done chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.ConnectTimeout)
	defer cancel()

	start := time.Now()
	s, err := g.dial(ctx)

	g.mu.Lock()
	defer close(done)
	defer g.mu.Unlock()

	if err == nil && g.closed {
		_ = s.Close()
		err = errors.New("gateway closed")
	}

	if err != nil {
		delay := g.backoff.NextBackOff()
		g.retryAt = time.Now().Add(delay)
		g.setState(Disconnected)
		g.logger.Warn().Err(err).Dur("retry_in", delay).Msg("queue backend connect failed")
		return
	}

	g.store = s
	g.backoff.Reset()
	g.retryAt = time.Time{}
	g.setState(Ready)
	g.logger.Info().Dur("latency", time.Since(start)).Msg("queue backend connected")
}

// markFailed drops a backend that returned a transport-level error. The
// next operation reconnects immediately; repeated failures back off.
func (g *Gateway) markFailed(s store.QueueStore, cause error) {
	g.mu.Lock()
	if g.state != Ready || g.store != s {
		g.mu.Unlock()
		return
	}
	g.store = nil
	g.setState(Disconnected)
	g.mu.Unlock()

	g.logger.Warn().Err(cause).Msg("queue backend failed, dropping connection")
	_ = s.Close()
}

// do runs fn against a ready backend within timeout and translates errors.
func (g *Gateway) do(ctx context.Context, op string, timeout time.Duration, fn func(context.Context, store.QueueStore) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s, err := g.acquire(ctx)
	if err != nil {
		metrics.QueueOps.WithLabelValues(op, "unavailable").Inc()
		return err
	}

	start := time.Now()
	err = fn(ctx, s)
	metrics.QueueLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.QueueOps.WithLabelValues(op, "ok").Inc()
		return nil
	case errors.Is(err, store.ErrQueueNotFound):
		metrics.QueueOps.WithLabelValues(op, "unknown_recipient").Inc()
		return protocol.Errorf(protocol.KindUnknownRecipient, "recipient has no queue")
	case errors.Is(err, store.ErrQueueFull):
		metrics.QueueOps.WithLabelValues(op, "full").Inc()
		return protocol.Errorf(protocol.KindQueueFull, "recipient queue is full")
	case errors.Is(err, context.Canceled):
		metrics.QueueOps.WithLabelValues(op, "canceled").Inc()
		return fmt.Errorf("%w: %s canceled", protocol.ErrQueueUnavailable, op)
	}

	metrics.QueueOps.WithLabelValues(op, "unavailable").Inc()
	g.markFailed(s, err)
	return fmt.Errorf("%w: %s: %v", protocol.ErrQueueUnavailable, op, err)
}

// CreateQueue makes sure user has a queue. Idempotent.
func (g *Gateway) CreateQueue(ctx context.Context, user string) error {
	return g.do(ctx, "create_queue", g.cfg.CreateTimeout, func(ctx context.Context, s store.QueueStore) error {
		return s.CreateQueue(ctx, user)
	})
}

// Enqueue appends env to its recipient's queue.
func (g *Gateway) Enqueue(ctx context.Context, env *models.Envelope) error {
	return g.do(ctx, "enqueue", g.cfg.EnqueueTimeout, func(ctx context.Context, s store.QueueStore) error {
		return s.Push(ctx, env)
	})
}

// Fetch returns up to limit pending envelopes without removing them.
func (g *Gateway) Fetch(ctx context.Context, user string, limit int) ([]models.Envelope, error) {
	var envs []models.Envelope
	err := g.do(ctx, "fetch", g.cfg.FetchTimeout, func(ctx context.Context, s store.QueueStore) error {
		var err error
		envs, err = s.Peek(ctx, user, limit)
		return err
	})
	return envs, err
}

// Ack removes delivered envelopes by delivery id.
func (g *Gateway) Ack(ctx context.Context, user string, ids []string) (int, error) {
	var n int
	err := g.do(ctx, "ack", g.cfg.FetchTimeout, func(ctx context.Context, s store.QueueStore) error {
		var err error
		n, err = s.Remove(ctx, user, ids)
		return err
	})
	return n, err
}

// Depth reports pending entries for user.
func (g *Gateway) Depth(ctx context.Context, user string) (int64, error) {
	var n int64
	err := g.do(ctx, "depth", g.cfg.FetchTimeout, func(ctx context.Context, s store.QueueStore) error {
		var err error
		n, err = s.Depth(ctx, user)
		return err
	})
	return n, err
}

// Ping checks the backend, connecting if needed.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.do(ctx, "ping", g.cfg.ConnectTimeout, func(ctx context.Context, s store.QueueStore) error {
		return s.Ping(ctx)
	})
}

// Run supervises the backend until ctx is done: it connects eagerly,
// health-checks a READY backend every HealthInterval and reconnects after
// failures once the backoff delay has passed.
func (g *Gateway) Run(ctx context.Context) {
	interval := g.cfg.HealthInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := g.Ping(ctx); err != nil && ctx.Err() == nil {
			g.logger.Debug().Err(err).Msg("health check failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close releases the backend. Later operations fail with QueueUnavailable.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closed = true
	s := g.store
	g.store = nil
	g.setState(Disconnected)
	g.mu.Unlock()

	if s != nil {
		return s.Close()
	}
	return nil
}
