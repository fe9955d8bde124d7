package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ServerConfig configures the inbound WebSocket server.
type ServerConfig struct {
	Addr              string
	Path              string
	MaxConnections    int
	MaxFrameSize      int64
	HeartbeatInterval time.Duration
	// MaxMissedHeartbeats defaults to 3.
	MaxMissedHeartbeats int
	CheckOrigin       func(r *http.Request) bool
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:                ":9090",
		Path:                "/ws",
		MaxFrameSize:        65536,
		HeartbeatInterval:   60 * time.Second,
		MaxMissedHeartbeats: 3,
	}
}

// ServerHandler receives per-session callbacks. OnMessage runs on the
// session's read goroutine.
type ServerHandler interface {
	OnOpen(s *Session)
	OnMessage(s *Session, text string)
	OnClose(s *Session)
}

// Server accepts WebSocket upgrades and tracks sessions in a registry.
type Server struct {
	cfg      ServerConfig
	handler  ServerHandler
	logger   *logrus.Logger
	registry *SessionRegistry
	upgrader websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	running    atomic.Bool
	wg         sync.WaitGroup
}

func NewServer(cfg ServerConfig, handler ServerHandler, logger *logrus.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		cfg:      cfg,
		handler:  handler,
		logger:   logger,
		registry: NewSessionRegistry(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

func (s *Server) Registry() *SessionRegistry { return s.registry }

// Handler returns the upgrade endpoint so it can be mounted on another mux.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

// Start binds the listener and serves upgrades on the configured path.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("socket server already running")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("WebSocket server stopped unexpectedly")
		}
	}()

	s.logger.WithFields(logrus.Fields{
		"addr": ln.Addr().String(),
		"path": s.cfg.Path,
	}).Info("WebSocket server listening")
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Stop closes every session and releases the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.registry.CloseAll()

	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	s.running.Store(false)
	return err
}

// Broadcast sends text to all active sessions.
func (s *Server) Broadcast(text string) int {
	return s.registry.Broadcast(text)
}

func (s *Server) SessionCount() int {
	return s.registry.Count()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxConnections > 0 && s.registry.Count() >= s.cfg.MaxConnections {
		s.logger.WithField("remote", r.RemoteAddr).Warn("Connection limit reached, rejecting upgrade")
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}
	if s.cfg.MaxFrameSize > 0 {
		conn.SetReadLimit(s.cfg.MaxFrameSize)
	}

	s.wg.Add(1)
	defer s.wg.Done()

	session := NewSession(conn)
	monitor := NewHeartbeatMonitor(
		session,
		DefaultHeartbeatStrategy{},
		ServerHeartbeatConfig(s.cfg.HeartbeatInterval, s.cfg.MaxMissedHeartbeats),
		func() { _ = session.Close() },
		s.logger,
	)
	conn.SetPongHandler(func(string) error {
		monitor.OnRead()
		return nil
	})

	s.registry.Register(session)
	monitor.Start()
	if s.handler != nil {
		s.handler.OnOpen(session)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		monitor.OnRead()
		if s.handler != nil {
			s.handler.OnMessage(session, string(data))
		}
	}

	monitor.Stop()
	s.registry.Unregister(session.ID())
	_ = session.Close()
	if s.handler != nil {
		s.handler.OnClose(session)
	}
}
