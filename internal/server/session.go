package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"refsync/internal/blob"
	"refsync/internal/protocol"
)

// Session is one live bearer of a bucket identity. The bucket is fixed at
// handshake; the only mutable state is the current reference. All protocol
// messages for a session are handled on its read loop, so handlers run one
// at a time per connection.
type Session struct {
	id     string
	bucket string
	ip     string
	conn   *wsConn
	srv    *Server
	logger *slog.Logger

	mu  sync.Mutex
	ref string

	closeOnce sync.Once
}

func (s *Session) currentRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ref
}

func (s *Session) setRef(ref string) {
	s.mu.Lock()
	s.ref = ref
	s.mu.Unlock()
}

func (s *Session) key(ref string) string {
	return s.bucket + "/" + ref
}

// serve runs the read loop until the peer goes away or a protocol violation
// closes the connection.
func (s *Session) serve() {
	defer s.teardown("connection closed")

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.pingLoop(stopPing)

	for {
		env, err := s.conn.readEnvelope()
		if err != nil {
			return
		}
		if !s.dispatch(env) {
			return
		}
	}
}

func (s *Session) pingLoop(stop chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.conn.ping(); err != nil {
				return
			}
		}
	}
}

// dispatch routes one envelope. It reports false when the session loop must
// stop.
func (s *Session) dispatch(env *protocol.Envelope) bool {
	if env.Event == protocol.EventDisconnect {
		s.teardown("client disconnect")
		return false
	}

	switch env.Event {
	case protocol.EventNow, protocol.EventRef, protocol.EventGet, protocol.EventSet:
	default:
		s.logger.Warn("unknown event", "event", env.Event)
		return true
	}

	// These events require an ack id; a client that omits one cannot
	// receive results and is misbehaving.
	if env.ID == 0 {
		s.logger.Warn("message without ack id", "event", env.Event)
		s.teardown("protocol violation: missing ack")
		return false
	}

	if !s.srv.gate.Enter() {
		s.teardown("server shutting down")
		return false
	}
	defer s.srv.gate.Leave()

	start := time.Now()
	switch env.Event {
	case protocol.EventNow:
		s.handleNow(env)
	case protocol.EventRef:
		s.handleRef(env)
	case protocol.EventGet:
		s.handleGet(env)
	case protocol.EventSet:
		s.handleSet(env)
	}
	s.logger.Debug("message complete",
		"event", env.Event,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return true
}

func (s *Session) ack(env *protocol.Envelope, data any) {
	if err := s.conn.writeAck(env.ID, data); err != nil {
		s.logger.Debug("ack dropped", "event", env.Event, "err", err)
	}
}

func (s *Session) ackError(env *protocol.Envelope, msg string) {
	s.ack(env, &protocol.ErrorAck{Error: msg})
}

func (s *Session) handleNow(env *protocol.Envelope) {
	s.ack(env, &protocol.NowResult{Timestamp: time.Now().UnixMilli()})
}

func (s *Session) handleRef(env *protocol.Envelope) {
	var raw string
	if err := json.Unmarshal(env.Data, &raw); err != nil {
		s.ackError(env, protocol.ErrInvalidReference)
		return
	}

	next := ""
	if raw != blob.RefNone {
		norm, err := blob.NormalizeRef(raw)
		if err != nil {
			s.ackError(env, protocol.ErrInvalidReference)
			return
		}
		next = norm
	}

	s.mu.Lock()
	prev := s.ref
	s.ref = next
	s.mu.Unlock()

	oldKey, newKey := "", ""
	if prev != "" {
		oldKey = s.key(prev)
	}
	if next != "" {
		newKey = s.key(next)
	}
	s.srv.subs.swap(oldKey, newKey, s)

	s.ack(env, struct{}{})
}

func (s *Session) handleGet(env *protocol.Envelope) {
	ref := s.currentRef()
	if ref == "" {
		s.ackError(env, protocol.ErrMissingReference)
		return
	}

	var req protocol.GetRequest
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &req); err != nil {
			s.ackError(env, protocol.ErrInvalidVersion)
			return
		}
	}
	if req.Known != nil && *req.Known == 0 {
		s.ackError(env, protocol.ErrInvalidVersion)
		return
	}

	release := s.srv.locks.Acquire(s.key(ref))
	rec, err := s.srv.store.Read(s.bucket, ref)
	release()
	if err != nil {
		s.logger.Error("read failed", "ref", ref, "err", err)
		s.ackError(env, protocol.ErrStorage)
		return
	}

	if rec == nil {
		s.ack(env, nil)
		return
	}
	if req.Known != nil && *req.Known == rec.Version {
		s.ack(env, &protocol.GetResult{Version: rec.Version})
		return
	}
	s.ack(env, &protocol.GetResult{Data: &rec.Data, Version: rec.Version})
}

func (s *Session) handleSet(env *protocol.Envelope) {
	ref := s.currentRef()
	if ref == "" {
		s.ackError(env, protocol.ErrMissingReference)
		return
	}

	var req protocol.SetRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		s.ackError(env, protocol.ErrInvalidData)
		return
	}
	if err := blob.ValidateData(req.Data); err != nil {
		s.ackError(env, protocol.ErrInvalidData)
		return
	}
	if req.Version != nil && *req.Version == 0 {
		s.ackError(env, protocol.ErrInvalidVersion)
		return
	}

	key := s.key(ref)
	release := s.srv.locks.Acquire(key)

	cur, err := s.srv.store.Read(s.bucket, ref)
	if err != nil {
		release()
		s.logger.Error("read failed", "ref", ref, "err", err)
		s.ackError(env, protocol.ErrStorage)
		return
	}

	now := time.Now().UnixMilli()
	var next *blob.Record
	switch {
	case cur == nil:
		// First write; the request version is ignored.
		next = &blob.Record{Data: req.Data, Version: 1, Created: now, IP: s.ip}
	case req.Version != nil && *req.Version == cur.Version:
		next = &blob.Record{
			Data:    req.Data,
			Version: cur.Version + 1,
			Created: cur.Created,
			Updated: now,
			IP:      s.ip,
		}
	default:
		// Stale writer; hand back the current record for reconciliation.
		release()
		s.ack(env, &protocol.SetResult{Success: false, Data: &cur.Data, Version: cur.Version})
		return
	}

	if err := s.srv.store.Write(s.bucket, ref, next); err != nil {
		release()
		s.logger.Error("write failed", "ref", ref, "err", err)
		s.ackError(env, protocol.ErrStorage)
		return
	}

	// Snapshot peers after the write is durable, before the ack goes out.
	peers := s.srv.subs.peers(key, s)
	release()

	s.ack(env, &protocol.SetResult{Success: true, Version: next.Version})

	for _, peer := range peers {
		if err := peer.conn.writeEvent(protocol.EventChanged); err != nil {
			peer.logger.Debug("changed event dropped", "err", err)
		}
	}
}

// teardown unsubscribes, deregisters, and closes the socket. Safe to call
// from the session loop and from server shutdown concurrently.
func (s *Session) teardown(reason string) {
	s.closeOnce.Do(func() {
		if ref := s.currentRef(); ref != "" {
			s.srv.subs.remove(s.key(ref), s)
			s.setRef("")
		}
		s.srv.removeSession(s)
		_ = s.conn.close()
		s.logger.Info("disconnected", "reason", reason)
	})
}
