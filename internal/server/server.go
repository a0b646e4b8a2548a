// Package server exposes the sync service: a websocket endpoint carrying
// the versioned-blob protocol, plus a health probe.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"refsync/internal/auth"
	"refsync/internal/blob"
	"refsync/internal/gate"
	"refsync/internal/keylock"
)

const (
	readHeaderTimeout = 5 * time.Second
	drainTimeout      = 30 * time.Second
	closeTimeout      = 5 * time.Second

	handshakesPerMinute = 10
	handshakeBurst      = 10
	limiterIdleTTL      = 1 * time.Hour
)

// Server owns the listener and the shared coordination state: the drain
// gate, the key lock registry, and the subscription registry.
type Server struct {
	addr     string
	store    *blob.Store
	verifier *auth.Verifier
	logger   *slog.Logger

	gate     *gate.Gate
	locks    *keylock.Registry
	subs     *subscriptionRegistry
	limiter  *ipLimiter
	upgrader websocket.Upgrader

	httpServer *http.Server
	closing    atomic.Bool

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// New creates a server instance. addr is a host:port listen address.
func New(addr string, store *blob.Store, verifier *auth.Verifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:     addr,
		store:    store,
		verifier: verifier,
		logger:   logger,
		gate:     gate.New(),
		locks:    keylock.NewRegistry(),
		subs:     newSubscriptionRegistry(),
		limiter:  newIPLimiter(rate.Limit(float64(handshakesPerMinute)/60.0), handshakeBurst, limiterIdleTTL),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Access is permissive; isolation comes from the token, not
			// the origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[*Session]struct{}),
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/sync", s.handleSync)
	return mux
}

// Run serves until ctx is cancelled, then drains in-flight handlers and
// closes every connection. A failure to bind the port is fatal and is
// returned immediately.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.logger.Info("listening", "addr", ln.Addr().String())

	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.shutdown()
		return nil
	})
	return g.Wait()
}

func (s *Server) shutdown() {
	s.closing.Store(true)
	s.logger.Info("shutdown requested, draining in-flight work")

	if !s.gate.Shutdown(drainTimeout) {
		s.logger.Warn("drain timed out, proceeding with shutdown")
	}

	s.mu.Lock()
	open := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()
	for _, sess := range open {
		sess.teardown("server shutdown")
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			_ = s.httpServer.Close()
		}
	}
	s.logger.Info("server stopped")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.closing.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "shutting down"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	token := handshakeToken(r)
	bucket, err := s.verifier.Bucket(token)
	if err != nil {
		http.Error(w, "access denied", http.StatusUnauthorized)
		return
	}
	if err := blob.ValidateBucket(bucket); err != nil {
		s.logger.Warn("rejecting token with unusable bucket", "bucket", bucket, "err", err)
		http.Error(w, "access denied", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	sess := &Session{
		id:     uuid.NewString(),
		bucket: bucket,
		ip:     ip,
		conn:   newWSConn(ws),
		srv:    s,
	}
	sess.logger = s.logger.With("conn_id", sess.id, "bucket", bucket)

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	sess.logger.Info("connected", "ip", ip)
	go sess.serve()
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// handshakeToken pulls the auth token from the upgrade request: the token
// query parameter, else a bearer Authorization header.
func handshakeToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
