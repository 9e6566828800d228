package router

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/joaoipiraja/chat-mom-offline/internal/ids"
	"github.com/joaoipiraja/chat-mom-offline/internal/protocol"
)

// session is one client connection. Its request loop runs on a single
// goroutine; Push may be called from any goroutine.
type session struct {
	id           string
	conn         net.Conn
	enc          *protocol.Encoder
	writeTimeout time.Duration
	logger       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	broken  bool

	// Owned by the request loop.
	user        string
	catchCancel context.CancelFunc
}

func newSession(parent context.Context, conn net.Conn, writeTimeout time.Duration, logger zerolog.Logger) *session {
	ctx, cancel := context.WithCancel(parent)
	id := ids.NewSessionID()
	return &session{
		id:           id,
		conn:         conn,
		enc:          protocol.NewEncoder(conn),
		writeTimeout: writeTimeout,
		logger: logger.With().
			Str("session", id).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID implements presence.Conn.
func (s *session) ID() string { return s.id }

// Push writes one line under the write deadline. A failed write may have
// left a partial line on the wire, so the connection is closed and every
// later push fails.
func (s *session) Push(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.broken {
		return net.ErrClosed
	}
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := s.enc.Encode(v); err != nil {
		s.broken = true
		_ = s.conn.Close()
		return err
	}
	return nil
}

// startCatchUp returns a context for a new catch-up, canceling the
// previous one.
func (s *session) startCatchUp() context.Context {
	s.stopCatchUp()
	ctx, cancel := context.WithCancel(s.ctx)
	s.catchCancel = cancel
	return ctx
}

func (s *session) stopCatchUp() {
	if s.catchCancel != nil {
		s.catchCancel()
		s.catchCancel = nil
	}
}
