// Package router implements the presence router: it tracks connected
// users, delivers messages instantly to ONLINE recipients and hands
// everything else to the offline relay.
package router

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/joaoipiraja/chat-mom-offline/internal/ids"
	"github.com/joaoipiraja/chat-mom-offline/internal/keylock"
	"github.com/joaoipiraja/chat-mom-offline/internal/metrics"
	"github.com/joaoipiraja/chat-mom-offline/internal/models"
	"github.com/joaoipiraja/chat-mom-offline/internal/presence"
	"github.com/joaoipiraja/chat-mom-offline/internal/protocol"
)

// Relay is the router's view of the offline relay. *relay.Client
// implements it.
type Relay interface {
	CreateQueue(ctx context.Context, user string) error
	Enqueue(ctx context.Context, env models.Envelope) error
	Fetch(ctx context.Context, user string, limit int, peek bool) ([]models.Envelope, error)
	Ack(ctx context.Context, user string, ids []string) error
}

// Config holds router settings.
type Config struct {
	IdleTimeout     time.Duration
	WriteTimeout    time.Duration
	CatchUpWorkers  int
	CatchUpQueue    int
	FetchLimit      int
	RegisterTimeout time.Duration
	SendTimeout     time.Duration
	FetchTimeout    time.Duration
}

// Server accepts client connections and routes their requests.
type Server struct {
	registry *presence.Registry
	watchers *presence.Watchers
	relay    Relay
	cfg      Config
	logger   zerolog.Logger

	deliveryIDs *ids.DeliveryIDs
	// userLocks serializes catch-up, client FETCH and instant pushes per
	// recipient so a sender's messages arrive in send order.
	userLocks *keylock.Map
	catchUps  *catchUpPool
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	sessions map[*session]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a router on top of registry and relay.
func NewServer(registry *presence.Registry, relay Relay, cfg Config, logger zerolog.Logger) *Server {
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 500
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		registry:    registry,
		watchers:    presence.NewWatchers(),
		relay:       relay,
		cfg:         cfg,
		logger:      logger.With().Str("component", "router").Logger(),
		deliveryIDs: ids.NewDeliveryIDs(),
		userLocks:   keylock.New(),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[*session]struct{}),
	}
	s.catchUps = newCatchUpPool(cfg.CatchUpWorkers, cfg.CatchUpQueue, s.catchUp, s.logger)
	return s
}

// Registry exposes the presence registry to the admin surface.
func (s *Server) Registry() *presence.Registry {
	return s.registry
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("router listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		sess := newSession(s.ctx, conn, s.cfg.WriteTimeout, s.logger)

		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.sessions[sess] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			s.handleConn(sess)
		}()
	}
}

// ListenAndServe listens on addr and serves.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown closes the listener and every session, then waits for session
// handlers and catch-up workers until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for sess := range s.sessions {
		_ = sess.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.catchUps.Close()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleConn(sess *session) {
	metrics.OpenConnections.WithLabelValues("router").Inc()
	defer func() {
		s.disconnect(sess)
		metrics.OpenConnections.WithLabelValues("router").Dec()
	}()

	dec := protocol.NewDecoder(sess.conn)
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = sess.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		var req protocol.Request
		if err := dec.Decode(&req); err != nil {
			switch {
			case errors.Is(err, protocol.ErrProtocol):
				metrics.ProtocolErrors.WithLabelValues("router").Inc()
				sess.logger.Warn().Err(err).Msg("closing connection on protocol error")
				_ = sess.Push(protocol.ErrorResponse(err))
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.Is(err, os.ErrDeadlineExceeded):
				sess.logger.Debug().Msg("idle timeout")
			default:
				sess.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}

		if !s.dispatch(sess, &req) {
			return
		}
	}
}

// disconnect tears down a session. The presence record goes away at once;
// an in-flight catch-up is canceled and its entries stay queued.
func (s *Server) disconnect(sess *session) {
	sess.cancel()
	_ = sess.conn.Close()
	s.watchers.Drop(sess)

	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()

	if sess.user == "" {
		return
	}
	rec, removed := s.registry.Remove(sess.user, sess)
	if !removed {
		return
	}
	sess.logger.Info().Str("user", sess.user).Msg("user disconnected")
	if rec.Status == models.StatusOnline {
		s.broadcast(sess.user, models.StatusOffline)
	}
}

// broadcast pushes a PRESENCE event to the watchers of user. Failed pushes
// only affect the watcher's own connection.
func (s *Server) broadcast(user string, status models.Status) {
	ev := protocol.PresenceEvent{Type: protocol.TypePresence, User: user, Status: status}
	for _, w := range s.watchers.Of(user) {
		if err := w.Push(ev); err != nil {
			s.logger.Debug().Err(err).Str("watcher", w.ID()).Msg("presence push failed")
		}
	}
}

// scheduleCatchUp queues delivery of user's pending envelopes to sess.
// The task owns unlock from here on.
func (s *Server) scheduleCatchUp(sess *session, user string, unlock func()) {
	ctx := sess.startCatchUp()
	if !s.catchUps.Submit(catchUpTask{ctx: ctx, sess: sess, user: user, unlock: unlock}) {
		unlock()
		sess.logger.Warn().Str("user", user).Msg("catch-up not scheduled")
	}
}

// catchUp pushes queued envelopes in FIFO order and acknowledges each batch
// only after all of it was written. Batches may be short of FetchLimit, so
// it stops on the first empty one. Cancellation or a failed push leaves
// the batch queued; the client drops redeliveries by delivery_id.
func (s *Server) catchUp(t catchUpTask) {
	log := t.sess.logger.With().Str("user", t.user).Logger()
	defer t.unlock()

	total := 0
	for {
		if t.ctx.Err() != nil {
			metrics.CatchUps.WithLabelValues("abandoned").Inc()
			log.Info().Int("delivered", total).Msg("catch-up abandoned")
			return
		}

		n, err := s.deliverBatch(t.ctx, t.sess, t.user)
		total += n
		if err != nil {
			result := "failed"
			if t.ctx.Err() != nil {
				result = "abandoned"
			}
			metrics.CatchUps.WithLabelValues(result).Inc()
			log.Warn().Err(err).Int("delivered", total).Msg("catch-up " + result)
			return
		}
		if n == 0 {
			break
		}
	}

	metrics.CatchUps.WithLabelValues("ok").Inc()
	if total > 0 {
		log.Info().Int("delivered", total).Msg("catch-up complete")
	}
}

func (s *Server) deliverBatch(parent context.Context, sess *session, user string) (int, error) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.FetchTimeout)
	defer cancel()

	envs, err := s.relay.Fetch(ctx, user, s.cfg.FetchLimit, true)
	if err != nil {
		return 0, err
	}
	if len(envs) == 0 {
		return 0, nil
	}

	delivered := make([]string, 0, len(envs))
	for _, env := range envs {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := sess.Push(protocol.NewDeliver(env)); err != nil {
			return 0, err
		}
		delivered = append(delivered, env.DeliveryID)
	}
	metrics.CatchUpDelivered.Add(float64(len(envs)))

	if err := s.relay.Ack(ctx, user, delivered); err != nil {
		return 0, err
	}
	return len(envs), nil
}
