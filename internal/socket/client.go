package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrDialAborted is returned by a dial that Disconnect cancelled.
var ErrDialAborted = errors.New("dial aborted by disconnect")

// ClientConfig configures an outbound WebSocket client.
type ClientConfig struct {
	Name                string
	URL                 string
	Headers             http.Header
	ConnectTimeout      time.Duration
	MaxFrameSize        int64
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	AutoReconnect       bool
	ReconnectPolicy     ReconnectPolicy
	Heartbeat           HeartbeatStrategy
}

func DefaultClientConfig(name, url string) ClientConfig {
	return ClientConfig{
		Name:                name,
		URL:                 url,
		ConnectTimeout:      10 * time.Second,
		MaxFrameSize:        65536,
		HeartbeatInterval:   30 * time.Second,
		MaxMissedHeartbeats: 3,
		AutoReconnect:       true,
		ReconnectPolicy:     DefaultBackoffPolicy(),
		Heartbeat:           DefaultHeartbeatStrategy{},
	}
}

// ClientHandler receives client lifecycle and message callbacks. Callbacks
// run on the client's read goroutine and must not block for long.
type ClientHandler interface {
	OnConnected(c *Client)
	OnMessage(c *Client, text string)
	OnDisconnected(c *Client, err error)
	OnError(c *Client, err error)
}

// ClientHandlerFuncs adapts plain functions to ClientHandler. Nil fields are
// ignored.
type ClientHandlerFuncs struct {
	Connected    func(c *Client)
	Message      func(c *Client, text string)
	Disconnected func(c *Client, err error)
	Error        func(c *Client, err error)
}

func (h ClientHandlerFuncs) OnConnected(c *Client) {
	if h.Connected != nil {
		h.Connected(c)
	}
}

func (h ClientHandlerFuncs) OnMessage(c *Client, text string) {
	if h.Message != nil {
		h.Message(c, text)
	}
}

func (h ClientHandlerFuncs) OnDisconnected(c *Client, err error) {
	if h.Disconnected != nil {
		h.Disconnected(c, err)
	}
}

func (h ClientHandlerFuncs) OnError(c *Client, err error) {
	if h.Error != nil {
		h.Error(c, err)
	}
}

// Client is a WebSocket client with heartbeat supervision and automatic
// reconnection.
type Client struct {
	cfg     ClientConfig
	handler ClientHandler
	logger  *logrus.Logger
	dialer  *websocket.Dialer

	state atomic.Int32

	mu         sync.Mutex
	session    *Session
	monitor    *HeartbeatMonitor
	readDone   chan struct{}
	dialCancel context.CancelFunc
	dialDone   chan struct{}

	reconnector *Reconnector
}

func NewClient(cfg ClientConfig, handler ClientHandler, logger *logrus.Logger) *Client {
	if cfg.Heartbeat == nil {
		cfg.Heartbeat = DefaultHeartbeatStrategy{}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if handler == nil {
		handler = ClientHandlerFuncs{}
	}
	c := &Client{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
	}
	if cfg.AutoReconnect {
		c.reconnector = NewReconnector(cfg.Name, cfg.ReconnectPolicy, c.dial, logger)
	}
	return c
}

func (c *Client) Name() string { return c.cfg.Name }
func (c *Client) URL() string  { return c.cfg.URL }

func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Session returns the current session or nil when disconnected.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Reconnector exposes the reconnect loop, nil when auto reconnect is off.
func (c *Client) Reconnector() *Reconnector {
	return c.reconnector
}

func (c *Client) IsConnected() bool {
	if c.State() != StateConnected {
		return false
	}
	s := c.Session()
	return s != nil && s.IsActive()
}

// Connect dials the server. It is a no-op while connecting, connected or
// while the reconnector is still retrying. A client whose reconnect attempts
// ran out is dialed again.
func (c *Client) Connect(ctx context.Context) error {
	switch c.State() {
	case StateConnecting, StateConnected:
		return nil
	case StateReconnecting:
		if c.reconnector != nil && c.reconnector.Running() {
			return nil
		}
	}
	if c.reconnector != nil {
		c.reconnector.Reset()
	}
	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	c.mu.Lock()
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) &&
		!c.state.CompareAndSwap(int32(StateReconnecting), int32(StateConnecting)) {
		c.mu.Unlock()
		return nil
	}
	dialDone := make(chan struct{})
	c.dialCancel = cancel
	c.dialDone = dialDone
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.dialCancel = nil
		c.dialDone = nil
		c.mu.Unlock()
		close(dialDone)
	}()

	conn, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, c.cfg.Headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected)) {
			return ErrDialAborted
		}
		if resp != nil {
			err = fmt.Errorf("dial %s: status %d: %w", c.cfg.URL, resp.StatusCode, err)
		} else {
			err = fmt.Errorf("dial %s: %w", c.cfg.URL, err)
		}
		c.handler.OnError(c, err)
		return err
	}
	if c.cfg.MaxFrameSize > 0 {
		conn.SetReadLimit(c.cfg.MaxFrameSize)
	}

	session := NewSession(conn)
	monitor := NewHeartbeatMonitor(
		session,
		c.cfg.Heartbeat,
		ClientHeartbeatConfig(c.cfg.HeartbeatInterval, c.cfg.MaxMissedHeartbeats),
		func() { _ = session.Close() },
		c.logger,
	)
	conn.SetPongHandler(func(string) error {
		monitor.OnRead()
		return nil
	})

	done := make(chan struct{})
	c.mu.Lock()
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		c.mu.Unlock()
		_ = session.Close()
		return ErrDialAborted
	}
	c.session = session
	c.monitor = monitor
	c.readDone = done
	c.mu.Unlock()

	if c.cfg.HeartbeatInterval > 0 {
		monitor.Start()
	}
	go c.readLoop(session, monitor, done)

	c.logger.WithFields(logrus.Fields{
		"client":  c.cfg.Name,
		"url":     c.cfg.URL,
		"session": session.ID(),
	}).Info("WebSocket connected")
	c.handler.OnConnected(c)
	return nil
}

func (c *Client) readLoop(session *Session, monitor *HeartbeatMonitor, done chan struct{}) {
	defer close(done)

	var readErr error
	for {
		_, data, err := session.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		monitor.OnRead()

		text := string(data)
		if c.cfg.Heartbeat.IsHeartbeatResponse(text) {
			c.cfg.Heartbeat.HandleHeartbeatResponse(session, text)
		}
		c.handler.OnMessage(c, text)
	}

	monitor.Stop()
	_ = session.Close()

	// Disconnect owns the transition when it initiated the close.
	if c.State() == StateDisconnecting {
		return
	}

	c.mu.Lock()
	if c.session == session {
		c.session = nil
		c.monitor = nil
	}
	c.mu.Unlock()

	c.logger.WithError(readErr).WithField("client", c.cfg.Name).Warn("WebSocket connection lost")
	if c.reconnector != nil {
		c.state.Store(int32(StateReconnecting))
		c.handler.OnDisconnected(c, readErr)
		c.reconnector.Schedule()
		return
	}
	c.state.Store(int32(StateDisconnected))
	c.handler.OnDisconnected(c, readErr)
}

// Disconnect closes the transport and cancels reconnection, including a dial
// in flight. It is idempotent.
func (c *Client) Disconnect() error {
	if c.reconnector != nil {
		c.reconnector.Stop()
	}

	c.mu.Lock()
	if c.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnecting)) {
		cancel, dialDone := c.dialCancel, c.dialDone
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if dialDone != nil {
			<-dialDone
		}
		c.state.Store(int32(StateDisconnected))
		c.logger.WithField("client", c.cfg.Name).Info("WebSocket dial cancelled")
		return nil
	}
	c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting)) {
		c.state.CompareAndSwap(int32(StateReconnecting), int32(StateDisconnected))
		return nil
	}

	c.mu.Lock()
	session, monitor, done := c.session, c.monitor, c.readDone
	c.session = nil
	c.monitor = nil
	c.mu.Unlock()

	var err error
	if monitor != nil {
		monitor.Stop()
	}
	if session != nil {
		err = session.Close()
	}
	if done != nil {
		<-done
	}

	c.state.Store(int32(StateDisconnected))
	c.logger.WithField("client", c.cfg.Name).Info("WebSocket disconnected")
	c.handler.OnDisconnected(c, nil)
	return err
}

// Reconnect drops the current connection and dials again.
func (c *Client) Reconnect(ctx context.Context) error {
	if err := c.Disconnect(); err != nil {
		c.logger.WithError(err).WithField("client", c.cfg.Name).Debug("Close before reconnect failed")
	}
	c.state.Store(int32(StateReconnecting))
	if c.reconnector != nil {
		c.reconnector.Reset()
	}
	return c.dial(ctx)
}

// Send writes a text frame. It fails with ErrSessionInactive unless the
// client is connected.
func (c *Client) Send(text string) error {
	c.mu.Lock()
	session, monitor := c.session, c.monitor
	c.mu.Unlock()

	if c.State() != StateConnected || session == nil || !session.IsActive() {
		c.logger.WithField("client", c.cfg.Name).Warn("Send on inactive session")
		return ErrSessionInactive
	}
	if err := session.SendText(text); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if monitor != nil {
		monitor.OnWrite()
	}
	return nil
}
