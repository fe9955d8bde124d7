package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"kline-hub/internal/metrics"
	"kline-hub/internal/models"
	"kline-hub/internal/ratelimit"
	"kline-hub/internal/socket"
	"kline-hub/internal/subscription"

	"github.com/sirupsen/logrus"
)

var ErrNotConnected = errors.New("exchange adapter not connected")

// AdapterConfig wires an Adapter to the socket framework. Zero fields fall
// back to the binding's defaults.
type AdapterConfig struct {
	URL    string
	Client socket.ClientConfig
	Pool   socket.PoolConfig
	// SendTimeout bounds the rate limiter wait for subscribe frames.
	SendTimeout time.Duration
}

// Adapter is the exchange-agnostic WebSocket source. It borrows one client
// from its pool, keeps the set of subscribed topics and replays them after
// every (re)connect.
type Adapter struct {
	binding Binding
	cfg     AdapterConfig
	limiter *ratelimit.Limiter
	logger  *logrus.Logger

	subs *subscription.Manager
	pool *socket.ConnectionPool[*socket.Client]

	connectMu sync.Mutex

	mu     sync.Mutex
	client *socket.Client
	topics map[string]map[string]string
}

func NewAdapter(binding Binding, cfg AdapterConfig, limiter *ratelimit.Limiter, logger *logrus.Logger) *Adapter {
	if cfg.URL == "" {
		cfg.URL = binding.Endpoint()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	cc := cfg.Client
	cc.Name = binding.Code()
	cc.URL = cfg.URL
	if cc.Heartbeat == nil {
		cc.Heartbeat = binding.Heartbeat()
	}
	if cc.HeartbeatInterval <= 0 {
		cc.HeartbeatInterval = binding.HeartbeatInterval()
	}
	if cc.AutoReconnect && cc.ReconnectPolicy == nil {
		cc.ReconnectPolicy = socket.DefaultBackoffPolicy()
	}
	cfg.Client = cc
	// Only the held client may receive frames; warm idle connections would
	// dispatch duplicates.
	cfg.Pool.MinIdle = 0

	a := &Adapter{
		binding: binding,
		cfg:     cfg,
		limiter: limiter,
		logger:  logger,
		subs:    subscription.NewManager(logger),
		topics:  make(map[string]map[string]string),
	}
	a.pool = socket.NewConnectionPool(binding.Code(), cfg.Pool, a.newClient, logger)
	return a
}

func (a *Adapter) newClient(ctx context.Context) (*socket.Client, error) {
	c := socket.NewClient(a.cfg.Client, a, a.logger)
	if r := c.Reconnector(); r != nil {
		code := a.binding.Code()
		r.OnAttempt(func(int) { metrics.ExchangeReconnects.WithLabelValues(code).Inc() })
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (a *Adapter) Code() string { return a.binding.Code() }
func (a *Adapter) Binding() Binding { return a.binding }
func (a *Adapter) URL() string { return a.cfg.URL }
func (a *Adapter) PoolStats() socket.PoolStats { return a.pool.Stats() }

// Connect borrows a connected client from the pool. A held client that is
// connected, or whose reconnector is still retrying, is left alone; one whose
// reconnect attempts ran out is dialed again and the result reported.
func (a *Adapter) Connect(ctx context.Context) error {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()
	if c := a.current(); c != nil {
		if c.IsConnected() {
			return nil
		}
		if r := c.Reconnector(); r != nil && r.Running() {
			return nil
		}
		if err := c.Connect(ctx); err != nil {
			metrics.ExchangeErrors.WithLabelValues(a.binding.Code(), "connect").Inc()
			return fmt.Errorf("restart %s: %w", a.binding.Code(), err)
		}
		a.logger.WithField("exchange", a.binding.Code()).Info("Exchange connection restarted")
		return nil
	}
	c, err := a.pool.Borrow(ctx)
	if err != nil {
		metrics.ExchangeErrors.WithLabelValues(a.binding.Code(), "connect").Inc()
		return fmt.Errorf("connect %s: %w", a.binding.Code(), err)
	}
	a.mu.Lock()
	a.client = c
	a.mu.Unlock()
	a.updatePoolMetrics()
	return nil
}

// Disconnect closes the held client and forgets every subscription.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	c := a.client
	a.client = nil
	a.topics = make(map[string]map[string]string)
	a.mu.Unlock()

	a.subs.Clear()
	metrics.ActiveSubscriptions.WithLabelValues(a.binding.Code()).Set(0)
	if c != nil {
		a.pool.Invalidate(c)
	}
	metrics.ExchangeConnections.WithLabelValues(a.binding.Code()).Set(0)
	a.updatePoolMetrics()
}

// Close disconnects and shuts the pool down.
func (a *Adapter) Close() {
	a.Disconnect()
	a.pool.Close()
}

func (a *Adapter) IsConnected() bool {
	c := a.current()
	return c != nil && c.IsConnected()
}

// State reports the held client's state, StateDisconnected when none.
func (a *Adapter) State() socket.ConnectionState {
	c := a.current()
	if c == nil {
		return socket.StateDisconnected
	}
	return c.State()
}

func (a *Adapter) current() *socket.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client
}

// Topics returns the subscribed topics in sorted order.
func (a *Adapter) Topics() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.topics))
	for t := range a.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Subscribe registers listener for a symbol and interval. The subscribe frame
// is sent only for the first listener of a topic. The registration survives a
// failed send and is replayed on the next connect.
func (a *Adapter) Subscribe(ctx context.Context, symbol string, interval models.Interval, listener subscription.Listener) (*subscription.Subscription, error) {
	topic, err := a.binding.Topic(symbol, interval)
	if err != nil {
		return nil, err
	}
	params := map[string]string{"symbol": symbol, "interval": interval.Code()}

	sub, first := a.subs.Add(topic, params, listener)

	a.mu.Lock()
	a.topics[topic] = params
	n := len(a.topics)
	a.mu.Unlock()
	metrics.ActiveSubscriptions.WithLabelValues(a.binding.Code()).Set(float64(n))

	if !first {
		return sub, nil
	}
	c := a.current()
	if c == nil {
		return sub, ErrNotConnected
	}
	if err := a.sendSubscribe(ctx, c, topic, params); err != nil {
		return sub, err
	}
	return sub, nil
}

// Unsubscribe drops every listener on the topic and tells the exchange when
// connected.
func (a *Adapter) Unsubscribe(ctx context.Context, symbol string, interval models.Interval) error {
	topic, err := a.binding.Topic(symbol, interval)
	if err != nil {
		return err
	}
	removed := a.subs.UnsubscribeAll(topic)

	a.mu.Lock()
	delete(a.topics, topic)
	n := len(a.topics)
	a.mu.Unlock()
	metrics.ActiveSubscriptions.WithLabelValues(a.binding.Code()).Set(float64(n))

	c := a.current()
	if removed == 0 || c == nil || !c.IsConnected() {
		return nil
	}
	frame, err := a.binding.UnsubscribeMessage(topic)
	if err != nil {
		return err
	}
	if err := a.send(ctx, c, frame); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	a.logger.WithFields(logrus.Fields{"exchange": a.binding.Code(), "topic": topic}).Info("Unsubscribed")
	return nil
}

func (a *Adapter) sendSubscribe(ctx context.Context, c *socket.Client, topic string, params map[string]string) error {
	frame, err := a.binding.SubscribeMessage(topic, params)
	if err != nil {
		return err
	}
	if err := a.send(ctx, c, frame); err != nil {
		metrics.ExchangeErrors.WithLabelValues(a.binding.Code(), "subscribe").Inc()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	a.logger.WithFields(logrus.Fields{"exchange": a.binding.Code(), "topic": topic}).Info("Subscribed")
	return nil
}

func (a *Adapter) send(ctx context.Context, c *socket.Client, frame string) error {
	if a.limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, a.cfg.SendTimeout)
		defer cancel()
		if err := a.limiter.Wait(waitCtx); err != nil {
			return err
		}
	}
	return c.Send(frame)
}

// resubscribe replays every known topic on a fresh connection.
func (a *Adapter) resubscribe(c *socket.Client) {
	a.mu.Lock()
	topics := make(map[string]map[string]string, len(a.topics))
	for t, p := range a.topics {
		topics[t] = p
	}
	a.mu.Unlock()
	if len(topics) == 0 {
		return
	}

	ctx := context.Background()
	for topic, params := range topics {
		if err := a.sendSubscribe(ctx, c, topic, params); err != nil {
			a.logger.WithError(err).WithFields(logrus.Fields{
				"exchange": a.binding.Code(),
				"topic":    topic,
			}).Warn("Resubscribe failed")
		}
	}
	a.logger.WithFields(logrus.Fields{
		"exchange": a.binding.Code(),
		"topics":   len(topics),
	}).Info("Resubscribed after connect")
}

// handleMessage routes a frame to the subscription manager. Heartbeat
// replies and control frames are dropped.
func (a *Adapter) handleMessage(text string) {
	code := a.binding.Code()
	metrics.ExchangeMessages.WithLabelValues(code).Inc()

	if a.cfg.Client.Heartbeat.IsHeartbeatResponse(text) {
		return
	}
	msg, ok := a.binding.ParseMessage(text)
	if !ok {
		a.logger.WithField("exchange", code).Debugf("Ignoring frame: %.200s", text)
		return
	}
	if a.subs.Dispatch(msg.Topic, msg.Payload) == 0 {
		a.logger.WithFields(logrus.Fields{"exchange": code, "topic": msg.Topic}).Debug("No listener for topic")
	}
}

func (a *Adapter) updatePoolMetrics() {
	st := a.pool.Stats()
	metrics.PoolConnections.WithLabelValues(a.binding.Code(), "active").Set(float64(st.Active))
	metrics.PoolConnections.WithLabelValues(a.binding.Code(), "idle").Set(float64(st.Idle))
}

// socket.ClientHandler

func (a *Adapter) OnConnected(c *socket.Client) {
	metrics.ExchangeConnections.WithLabelValues(a.binding.Code()).Set(1)
	a.resubscribe(c)
}

func (a *Adapter) OnMessage(_ *socket.Client, text string) {
	a.handleMessage(text)
}

func (a *Adapter) OnDisconnected(_ *socket.Client, err error) {
	metrics.ExchangeConnections.WithLabelValues(a.binding.Code()).Set(0)
	if err != nil {
		metrics.ExchangeErrors.WithLabelValues(a.binding.Code(), "connection_lost").Inc()
	}
}

func (a *Adapter) OnError(_ *socket.Client, err error) {
	metrics.ExchangeErrors.WithLabelValues(a.binding.Code(), "transport").Inc()
	a.logger.WithError(err).WithField("exchange", a.binding.Code()).Warn("Exchange socket error")
}
