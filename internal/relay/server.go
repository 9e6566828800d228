// Package relay implements the offline relay service: a line-delimited
// JSON TCP endpoint in front of the queue gateway, and the RPC client the
// router uses to reach it.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/joaoipiraja/chat-mom-offline/internal/keylock"
	"github.com/joaoipiraja/chat-mom-offline/internal/metrics"
	"github.com/joaoipiraja/chat-mom-offline/internal/models"
	"github.com/joaoipiraja/chat-mom-offline/internal/protocol"
)

// Backend is the queue side of the relay. *gateway.Gateway implements it.
type Backend interface {
	CreateQueue(ctx context.Context, user string) error
	Enqueue(ctx context.Context, env *models.Envelope) error
	Fetch(ctx context.Context, user string, limit int) ([]models.Envelope, error)
	Ack(ctx context.Context, user string, ids []string) (int, error)
}

// Config holds the relay server settings.
type Config struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	FetchLimit   int
}

// Server serves relay requests over TCP.
type Server struct {
	backend Backend
	cfg     Config
	logger  zerolog.Logger
	drains  *keylock.Map

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a relay server over backend.
func NewServer(backend Backend, cfg Config, logger zerolog.Logger) *Server {
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 500
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With().Str("component", "relay").Logger(),
		drains:  keylock.New(),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("relay listening")

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

		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
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

// Shutdown stops accepting, closes live connections and waits for their
// handlers until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	metrics.OpenConnections.WithLabelValues("relay").Inc()
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		metrics.OpenConnections.WithLabelValues("relay").Dec()
	}()

	log := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	dec := protocol.NewDecoder(conn)
	enc := protocol.NewEncoder(conn)

	for {
		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		var req protocol.Request
		if err := dec.Decode(&req); err != nil {
			switch {
			case errors.Is(err, protocol.ErrProtocol):
				metrics.ProtocolErrors.WithLabelValues("relay").Inc()
				log.Warn().Err(err).Msg("closing connection on protocol error")
				_ = s.write(conn, enc, protocol.ErrorResponse(err))
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.Is(err, os.ErrDeadlineExceeded):
				log.Debug().Msg("read timeout")
			default:
				log.Debug().Err(err).Msg("read failed")
			}
			return
		}

		if !s.dispatch(conn, enc, &req, log) {
			return
		}
	}
}

// dispatch handles one request. It returns false when the connection must
// be closed.
func (s *Server) dispatch(conn net.Conn, enc *protocol.Encoder, req *protocol.Request, log zerolog.Logger) bool {
	var resp any
	switch req.Type {
	case protocol.TypeCreateQueue:
		resp = s.createQueue(req)
	case protocol.TypeEnqueue:
		resp = s.enqueue(req)
	case protocol.TypeFetch:
		return s.fetch(conn, enc, req, log)
	case protocol.TypeAck:
		resp = s.ack(req)
	case protocol.TypePing:
		resp = protocol.Response{Type: protocol.TypePong}
	default:
		metrics.ProtocolErrors.WithLabelValues("relay").Inc()
		log.Warn().Str("type", string(req.Type)).Msg("unknown request type")
		_ = s.write(conn, enc, protocol.ErrorResponse(
			protocol.Errorf(protocol.KindProtocolError, "unknown type %q", req.Type)))
		return false
	}

	if err := s.write(conn, enc, resp); err != nil {
		log.Debug().Err(err).Msg("write failed")
		return false
	}
	return true
}

func (s *Server) write(conn net.Conn, enc *protocol.Encoder, v any) error {
	if s.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return enc.Encode(v)
}

func (s *Server) createQueue(req *protocol.Request) protocol.Response {
	if err := protocol.ValidateUser(req.User); err != nil {
		return protocol.ErrorResponse(err)
	}
	if err := s.backend.CreateQueue(s.ctx, req.User); err != nil {
		s.logger.Warn().Err(err).Str("user", req.User).Msg("create queue failed")
		return protocol.ErrorResponse(err)
	}
	return protocol.OK()
}

func (s *Server) enqueue(req *protocol.Request) protocol.Response {
	if err := protocol.ValidateUser(req.User); err != nil {
		return protocol.ErrorResponse(err)
	}
	env := req.Envelope
	if env == nil || env.DeliveryID == "" {
		return protocol.ErrorResponse(protocol.Errorf(protocol.KindInvalidRequest, "envelope with delivery_id required"))
	}
	if env.Recipient == "" {
		env.Recipient = req.User
	}
	if env.Recipient != req.User {
		return protocol.ErrorResponse(protocol.Errorf(protocol.KindInvalidRequest, "envelope recipient does not match user"))
	}

	if err := s.backend.Enqueue(s.ctx, env); err != nil {
		s.logger.Warn().Err(err).
			Str("user", req.User).
			Str("delivery_id", env.DeliveryID).
			Msg("enqueue failed")
		return protocol.ErrorResponse(err)
	}
	return protocol.OK()
}

// fetch answers FETCH. The batch is cut short when it would not fit one
// line. In drain mode the returned envelopes are removed only after the
// response line was written; a lost connection leaves them queued for the
// next fetch.
func (s *Server) fetch(conn net.Conn, enc *protocol.Encoder, req *protocol.Request, log zerolog.Logger) bool {
	if err := protocol.ValidateUser(req.User); err != nil {
		return s.write(conn, enc, protocol.ErrorResponse(err)) == nil
	}
	limit := req.Limit
	if limit <= 0 || limit > s.cfg.FetchLimit {
		limit = s.cfg.FetchLimit
	}

	unlock := s.drains.Lock(req.User)
	defer unlock()

	envs, err := s.backend.Fetch(s.ctx, req.User, limit)
	if err != nil {
		log.Warn().Err(err).Str("user", req.User).Msg("fetch failed")
		return s.write(conn, enc, protocol.ErrorResponse(err)) == nil
	}
	envs = protocol.FitFetchResult(req.User, envs)

	if err := s.write(conn, enc, protocol.NewFetchResult(req.User, envs)); err != nil {
		log.Info().Err(err).
			Str("user", req.User).
			Int("pending", len(envs)).
			Msg("fetch response not delivered, entries kept")
		return false
	}

	if req.Peek || len(envs) == 0 {
		return true
	}

	ids := make([]string, len(envs))
	for i, e := range envs {
		ids[i] = e.DeliveryID
	}
	if _, err := s.backend.Ack(s.ctx, req.User, ids); err != nil {
		// The client already has the batch; the entries will be redelivered.
		log.Warn().Err(err).Str("user", req.User).Int("count", len(ids)).Msg("drain ack failed")
	}
	return true
}

func (s *Server) ack(req *protocol.Request) protocol.Response {
	if err := protocol.ValidateUser(req.User); err != nil {
		return protocol.ErrorResponse(err)
	}
	if len(req.IDs) == 0 {
		return protocol.OK()
	}
	if len(req.IDs) > s.cfg.FetchLimit {
		return protocol.ErrorResponse(protocol.Errorf(protocol.KindInvalidRequest, "at most %d ids per ACK", s.cfg.FetchLimit))
	}
	n, err := s.backend.Ack(s.ctx, req.User, req.IDs)
	if err != nil {
		s.logger.Warn().Err(err).Str("user", req.User).Msg("ack failed")
		return protocol.ErrorResponse(err)
	}
	s.logger.Debug().Str("user", req.User).Int("requested", len(req.IDs)).Int("removed", n).Msg("ack")
	return protocol.OK()
}
