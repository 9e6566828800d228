package router

import (
	"context"
	"errors"

	"github.com/joaoipiraja/chat-mom-offline/internal/metrics"
	"github.com/joaoipiraja/chat-mom-offline/internal/models"
	"github.com/joaoipiraja/chat-mom-offline/internal/protocol"
)

// dispatch handles one request and writes its response. It returns false
// when the connection must be closed.
func (s *Server) dispatch(sess *session, req *protocol.Request) bool {
	var resp any
	switch req.Type {
	case protocol.TypeRegister:
		r, unlock := s.handleRegister(sess, req)
		return s.replyOnline(sess, r, unlock)
	case protocol.TypeStatus:
		r, unlock := s.handleStatus(sess, req)
		return s.replyOnline(sess, r, unlock)
	case protocol.TypeSend:
		resp = s.handleSend(sess, req)
	case protocol.TypeFetch:
		return s.handleFetch(sess, req)
	case protocol.TypeAck:
		resp = s.handleAck(sess, req)
	case protocol.TypePresence:
		resp = s.handlePresence(req)
	case protocol.TypeWatch:
		resp = s.handleWatch(sess, req)
	case protocol.TypePing:
		if sess.user != "" {
			s.registry.Touch(sess.user, sess)
		}
		resp = protocol.Response{Type: protocol.TypePong}
	default:
		metrics.ProtocolErrors.WithLabelValues("router").Inc()
		sess.logger.Warn().Str("type", string(req.Type)).Msg("unknown request type")
		_ = sess.Push(protocol.ErrorResponse(
			protocol.Errorf(protocol.KindProtocolError, "unknown type %q", req.Type)))
		return false
	}
	return s.reply(sess, resp)
}

func (s *Server) reply(sess *session, resp any) bool {
	if err := sess.Push(resp); err != nil {
		sess.logger.Debug().Err(err).Msg("write failed")
		return false
	}
	return true
}

// replyOnline writes resp. A non-nil unlock marks an ONLINE transition:
// the caller holds the user lock, which passes to the catch-up task so no
// instant push overtakes the queued backlog. Watchers are told after the
// task is queued, outside the lock.
func (s *Server) replyOnline(sess *session, resp protocol.Response, unlock func()) bool {
	if unlock == nil {
		return s.reply(sess, resp)
	}
	if !s.reply(sess, resp) {
		unlock()
		return false
	}
	s.scheduleCatchUp(sess, sess.user, unlock)
	s.broadcast(sess.user, models.StatusOnline)
	return true
}

// self resolves the acting user of a request. An empty user means the
// session's own identity; any other identity is rejected.
func (s *Server) self(sess *session, user string) (string, error) {
	if sess.user == "" {
		return "", protocol.Errorf(protocol.KindNotRegistered, "register first")
	}
	if user != "" && user != sess.user {
		return "", protocol.Errorf(protocol.KindInvalidRequest, "connection is registered as %q", sess.user)
	}
	return sess.user, nil
}

// handleRegister creates an ONLINE record and the user's queue. On success
// it returns with the user lock held.
func (s *Server) handleRegister(sess *session, req *protocol.Request) (protocol.Response, func()) {
	if sess.user != "" {
		metrics.Registrations.WithLabelValues("invalid").Inc()
		return protocol.ErrorResponse(protocol.Errorf(protocol.KindInvalidRequest, "connection is already registered as %q", sess.user)), nil
	}
	if err := protocol.ValidateUser(req.User); err != nil {
		metrics.Registrations.WithLabelValues("invalid").Inc()
		return protocol.ErrorResponse(err), nil
	}

	unlock := s.userLocks.Lock(req.User)

	if _, err := s.registry.Register(req.User, sess); err != nil {
		unlock()
		metrics.Registrations.WithLabelValues("duplicate").Inc()
		sess.logger.Info().Str("user", req.User).Msg("duplicate registration rejected")
		return protocol.ErrorResponse(err), nil
	}

	ctx, cancel := context.WithTimeout(sess.ctx, s.cfg.RegisterTimeout)
	defer cancel()
	if err := s.relay.CreateQueue(ctx, req.User); err != nil {
		s.registry.Remove(req.User, sess)
		unlock()
		metrics.Registrations.WithLabelValues("queue_unavailable").Inc()
		sess.logger.Warn().Err(err).Str("user", req.User).Msg("registration rolled back, queue not created")
		if !errors.Is(err, protocol.ErrQueueUnavailable) {
			err = protocol.Errorf(protocol.KindQueueUnavailable, "queue could not be created")
		}
		return protocol.ErrorResponse(err), nil
	}

	sess.user = req.User
	metrics.Registrations.WithLabelValues("ok").Inc()
	sess.logger.Info().Str("user", req.User).Msg("user registered")
	return protocol.OK(), unlock
}

// handleStatus applies STATUS ON/OFF. An OFFLINE→ONLINE transition returns
// with the user lock held.
func (s *Server) handleStatus(sess *session, req *protocol.Request) (protocol.Response, func()) {
	user, err := s.self(sess, req.User)
	if err != nil {
		return protocol.ErrorResponse(err), nil
	}

	switch req.State {
	case protocol.StateOn:
		unlock := s.userLocks.Lock(user)
		prev, err := s.registry.SetStatus(user, sess, models.StatusOnline)
		if err != nil {
			unlock()
			return protocol.ErrorResponse(err), nil
		}
		if prev == models.StatusOnline {
			unlock()
			return protocol.OK(), nil
		}
		sess.logger.Info().Str("user", user).Msg("user online")
		return protocol.OK(), unlock

	case protocol.StateOff:
		prev, err := s.registry.SetStatus(user, sess, models.StatusOffline)
		if err != nil {
			return protocol.ErrorResponse(err), nil
		}
		if prev == models.StatusOnline {
			sess.stopCatchUp()
			sess.logger.Info().Str("user", user).Msg("user offline")
			s.broadcast(user, models.StatusOffline)
		}
		return protocol.OK(), nil
	}

	return protocol.ErrorResponse(protocol.Errorf(protocol.KindInvalidRequest, "state must be ON or OFF")), nil
}

// handleSend routes one message. ONLINE recipients get a DELIVER push; if
// that push fails, or the recipient is not ONLINE, the envelope goes to the
// recipient's queue.
func (s *Server) handleSend(sess *session, req *protocol.Request) protocol.Response {
	sender, err := s.self(sess, req.Sender)
	if err != nil {
		metrics.MessagesSent.WithLabelValues("rejected").Inc()
		return protocol.ErrorResponse(err)
	}
	if err := protocol.ValidateUser(req.Recipient); err != nil {
		metrics.MessagesSent.WithLabelValues("rejected").Inc()
		return protocol.ErrorResponse(err)
	}
	if err := protocol.ValidateBody(req.Body); err != nil {
		metrics.MessagesSent.WithLabelValues("rejected").Inc()
		return protocol.ErrorResponse(err)
	}

	now := s.now()
	env := models.Envelope{
		DeliveryID: s.deliveryIDs.Next(now),
		Sender:     sender,
		Recipient:  req.Recipient,
		Body:       req.Body,
		CreatedAt:  now.UnixMilli(),
	}
	log := sess.logger.With().
		Str("sender", sender).
		Str("recipient", env.Recipient).
		Str("delivery_id", env.DeliveryID).
		Logger()

	if s.pushInstant(env) {
		metrics.MessagesSent.WithLabelValues("instant").Inc()
		log.Debug().Msg("delivered instantly")
		return protocol.Response{Type: protocol.TypeSent, Delivered: models.DeliveredInstant, DeliveryID: env.DeliveryID}
	}

	ctx, cancel := context.WithTimeout(sess.ctx, s.cfg.SendTimeout)
	defer cancel()
	if err := s.relay.Enqueue(ctx, env); err != nil {
		kind := protocol.AsError(err).Kind
		metrics.MessagesSent.WithLabelValues(string(kind)).Inc()
		log.Warn().Err(err).Msg("send failed")
		return protocol.ErrorResponse(err)
	}

	metrics.MessagesSent.WithLabelValues("queued").Inc()
	log.Debug().Msg("queued")
	return protocol.Response{Type: protocol.TypeSent, Delivered: models.DeliveredQueued, DeliveryID: env.DeliveryID}
}

// pushInstant delivers env to an ONLINE recipient. The registry lock is
// released before writing; the recipient's user lock orders the push after
// any running catch-up.
func (s *Server) pushInstant(env models.Envelope) bool {
	rec, ok := s.registry.Lookup(env.Recipient)
	if !ok || rec.Status != models.StatusOnline {
		return false
	}

	unlock := s.userLocks.Lock(env.Recipient)
	defer unlock()

	// The record may have changed while waiting for the lock.
	cur, ok := s.registry.Lookup(env.Recipient)
	if !ok || cur.Status != models.StatusOnline || cur.Conn.ID() != rec.Conn.ID() {
		return false
	}

	if err := cur.Conn.Push(protocol.NewDeliver(env)); err != nil {
		s.logger.Info().Err(err).
			Str("recipient", env.Recipient).
			Str("delivery_id", env.DeliveryID).
			Msg("instant push failed, falling back to queue")
		return false
	}
	return true
}

// handleFetch answers a client FETCH through the relay. The batch is
// acknowledged after the FETCH_RESULT line was written unless the client
// asked to peek.
func (s *Server) handleFetch(sess *session, req *protocol.Request) bool {
	user, err := s.self(sess, req.User)
	if err != nil {
		return s.reply(sess, protocol.ErrorResponse(err))
	}
	limit := req.Limit
	if limit <= 0 || limit > s.cfg.FetchLimit {
		limit = s.cfg.FetchLimit
	}

	unlock := s.userLocks.Lock(user)
	defer unlock()

	ctx, cancel := context.WithTimeout(sess.ctx, s.cfg.FetchTimeout)
	defer cancel()

	envs, err := s.relay.Fetch(ctx, user, limit, true)
	if err != nil {
		sess.logger.Warn().Err(err).Str("user", user).Msg("fetch failed")
		return s.reply(sess, protocol.ErrorResponse(err))
	}
	envs = protocol.FitFetchResult(user, envs)
	if !s.reply(sess, protocol.NewFetchResult(user, envs)) {
		return false
	}
	if req.Peek || len(envs) == 0 {
		return true
	}

	delivered := make([]string, len(envs))
	for i, e := range envs {
		delivered[i] = e.DeliveryID
	}
	if err := s.relay.Ack(ctx, user, delivered); err != nil {
		sess.logger.Warn().Err(err).Str("user", user).Int("count", len(delivered)).Msg("fetch ack failed, entries will be redelivered")
	}
	return true
}

func (s *Server) handleAck(sess *session, req *protocol.Request) protocol.Response {
	user, err := s.self(sess, req.User)
	if err != nil {
		return protocol.ErrorResponse(err)
	}
	if len(req.IDs) > s.cfg.FetchLimit {
		return protocol.ErrorResponse(protocol.Errorf(protocol.KindInvalidRequest, "at most %d ids per ACK", s.cfg.FetchLimit))
	}
	ctx, cancel := context.WithTimeout(sess.ctx, s.cfg.FetchTimeout)
	defer cancel()
	if err := s.relay.Ack(ctx, user, req.IDs); err != nil {
		return protocol.ErrorResponse(err)
	}
	return protocol.OK()
}

func (s *Server) handlePresence(req *protocol.Request) protocol.Response {
	out := make(map[string]models.Status, len(req.Users))
	for _, u := range req.Users {
		status := models.StatusOffline
		if rec, ok := s.registry.Lookup(u); ok {
			status = rec.Status
		}
		out[u] = status
	}
	return protocol.Response{Type: protocol.TypePresenceResult, Presence: out}
}

func (s *Server) handleWatch(sess *session, req *protocol.Request) protocol.Response {
	for _, u := range req.Users {
		if err := protocol.ValidateUser(u); err != nil {
			return protocol.ErrorResponse(err)
		}
	}
	s.watchers.Watch(sess, req.Users)
	return protocol.OK()
}
