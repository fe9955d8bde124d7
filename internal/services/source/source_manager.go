package source

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"kline-hub/internal/converter"
	"kline-hub/internal/exchange"
	"kline-hub/internal/metrics"
	"kline-hub/internal/models"
	"kline-hub/internal/rest"
	"kline-hub/internal/socket"

	"github.com/sirupsen/logrus"
)

// Saver persists klines and fans them out. kline.Service implements it.
type Saver interface {
	Save(ctx context.Context, k *models.KLine) error
	SaveBatch(ctx context.Context, ks []models.KLine) error
}

// Status describes one exchange data source.
type Status struct {
	Exchange  string           `json:"exchange"`
	URL       string           `json:"url"`
	Connected bool             `json:"connected"`
	State     string           `json:"state"`
	Topics    []string         `json:"topics"`
	Pool      socket.PoolStats `json:"pool"`
	Backfill  bool             `json:"backfill"`
}

// BackfillQuery selects a historical range for one series. Start and End are
// epoch milliseconds.
type BackfillQuery struct {
	Exchange string          `json:"exchange"`
	Symbol   string          `json:"symbol"`
	Interval models.Interval `json:"interval"`
	Start    int64           `json:"start"`
	End      int64           `json:"end"`
	Limit    int             `json:"limit"`
}

// Manager owns the exchange adapters and REST clients and routes their
// klines into the Saver.
type Manager struct {
	converters *converter.Registry
	saver      Saver
	logger     *logrus.Logger

	mu       sync.RWMutex
	adapters map[string]*exchange.Adapter
	clients  map[string]rest.Client
}

func NewManager(converters *converter.Registry, saver Saver, logger *logrus.Logger) *Manager {
	return &Manager{
		converters: converters,
		saver:      saver,
		logger:     logger,
		adapters:   make(map[string]*exchange.Adapter),
		clients:    make(map[string]rest.Client),
	}
}

// AddAdapter registers a WebSocket source under its exchange code.
func (m *Manager) AddAdapter(a *exchange.Adapter) {
	m.mu.Lock()
	m.adapters[a.Code()] = a
	m.mu.Unlock()
}

// AddClient registers a REST client for backfill.
func (m *Manager) AddClient(c rest.Client) {
	m.mu.Lock()
	m.clients[c.ExchangeCode()] = c
	m.mu.Unlock()
}

func (m *Manager) adapter(code string) (*exchange.Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", exchange.ErrUnknownExchange, code)
	}
	return a, nil
}

func (m *Manager) client(code string) (rest.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", exchange.ErrUnknownExchange, code)
	}
	return c, nil
}

// Exchanges returns the codes of every registered source, sorted.
func (m *Manager) Exchanges() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{}, len(m.adapters)+len(m.clients))
	for code := range m.adapters {
		seen[code] = struct{}{}
	}
	for code := range m.clients {
		seen[code] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for code := range seen {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// PageSize returns the REST page maximum of an exchange.
func (m *Manager) PageSize(code string) (int, error) {
	c, err := m.client(code)
	if err != nil {
		return 0, err
	}
	return c.MaxLimit(), nil
}

// Status lists every source with its connection state and topics.
func (m *Manager) Status() []Status {
	out := make([]Status, 0)
	for _, code := range m.Exchanges() {
		st := Status{Exchange: code, State: socket.StateDisconnected.String(), Topics: []string{}}
		if a, err := m.adapter(code); err == nil {
			st.URL = a.URL()
			st.Connected = a.IsConnected()
			st.State = a.State().String()
			st.Topics = a.Topics()
			st.Pool = a.PoolStats()
		}
		if _, err := m.client(code); err == nil {
			st.Backfill = true
		}
		out = append(out, st)
	}
	return out
}

// IsConnected reports whether the exchange's adapter holds a live connection.
func (m *Manager) IsConnected(code string) bool {
	a, err := m.adapter(code)
	return err == nil && a.IsConnected()
}

// Start connects an exchange source.
func (m *Manager) Start(ctx context.Context, code string) error {
	a, err := m.adapter(code)
	if err != nil {
		return err
	}
	if err := a.Connect(ctx); err != nil {
		return err
	}
	m.logger.WithField("exchange", code).Info("Data source started")
	return nil
}

// Stop disconnects an exchange source and drops its subscriptions.
func (m *Manager) Stop(code string) error {
	a, err := m.adapter(code)
	if err != nil {
		return err
	}
	a.Disconnect()
	m.logger.WithField("exchange", code).Info("Data source stopped")
	return nil
}

// Subscribe streams symbol/interval klines from an exchange into the Saver.
// The source must be connected. An exchange without a converter counts as
// unknown.
func (m *Manager) Subscribe(ctx context.Context, code, symbol string, interval models.Interval) error {
	a, err := m.adapter(code)
	if err != nil {
		return err
	}
	conv, err := m.converters.Get(code)
	if err != nil {
		return fmt.Errorf("%w: %w", exchange.ErrUnknownExchange, err)
	}
	if !a.IsConnected() {
		return fmt.Errorf("%w: %s", exchange.ErrNotConnected, code)
	}
	symbol = models.NormalizeSymbol(symbol)
	if _, err := a.Subscribe(ctx, symbol, interval, m.listener(code, symbol, interval, conv)); err != nil {
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"exchange": code,
		"symbol":   symbol,
		"interval": interval.Code(),
	}).Info("Subscribed to klines")
	return nil
}

// Unsubscribe stops a symbol/interval stream.
func (m *Manager) Unsubscribe(ctx context.Context, code, symbol string, interval models.Interval) error {
	a, err := m.adapter(code)
	if err != nil {
		return err
	}
	return a.Unsubscribe(ctx, models.NormalizeSymbol(symbol), interval)
}

// listener converts a dispatched payload and saves it. Payloads that carry
// no candle are ignored.
func (m *Manager) listener(code, symbol string, interval models.Interval, conv converter.Converter) func(topic, payload string) error {
	return func(topic, payload string) error {
		start := time.Now()
		k, err := conv.Convert(symbol, interval, payload)
		if err != nil {
			metrics.ExchangeErrors.WithLabelValues(code, "convert").Inc()
			return fmt.Errorf("convert %s: %w", topic, err)
		}
		if k == nil {
			return nil
		}
		if err := m.saver.Save(context.Background(), k); err != nil {
			metrics.ExchangeErrors.WithLabelValues(code, "save").Inc()
			return fmt.Errorf("save %s: %w", topic, err)
		}
		metrics.ObserveSince(start, metrics.KLineProcessingLatency.WithLabelValues(code))
		return nil
	}
}

// Backfill fetches a historical range over REST and saves it as one batch.
// It returns the number of klines saved.
func (m *Manager) Backfill(ctx context.Context, q BackfillQuery) (int, error) {
	c, err := m.client(q.Exchange)
	if err != nil {
		return 0, err
	}
	if q.Interval.IsZero() {
		return 0, fmt.Errorf("backfill %s: interval is required", q.Exchange)
	}
	ks := c.FetchKLines(ctx, rest.FetchRequest{
		Symbol:   models.NormalizeSymbol(q.Symbol),
		Interval: q.Interval,
		Start:    q.Start,
		End:      q.End,
		Limit:    q.Limit,
	})
	if len(ks) == 0 {
		return 0, nil
	}
	if err := m.saver.SaveBatch(ctx, ks); err != nil {
		return 0, err
	}
	m.logger.WithFields(logrus.Fields{
		"exchange": q.Exchange,
		"symbol":   q.Symbol,
		"interval": q.Interval.Code(),
		"count":    len(ks),
	}).Info("Backfilled klines")
	return len(ks), nil
}

// Apply connects every exchange named in subs and subscribes its series.
// Failures are logged per entry so one bad exchange does not block the rest.
func (m *Manager) Apply(ctx context.Context, subs []Subscription) int {
	applied := 0
	for _, s := range subs {
		log := m.logger.WithField("exchange", s.Exchange)
		if err := m.Start(ctx, s.Exchange); err != nil {
			log.WithError(err).Warn("Failed to start data source")
			continue
		}
		for _, symbol := range s.Symbols {
			for _, code := range s.Intervals {
				interval, err := models.ParseInterval(code)
				if err != nil {
					log.WithError(err).Warn("Skipping subscription")
					continue
				}
				if err := m.Subscribe(ctx, s.Exchange, symbol, interval); err != nil {
					log.WithError(err).WithField("symbol", symbol).Warn("Subscription failed")
					continue
				}
				applied++
			}
		}
	}
	return applied
}

// Close shuts every adapter down.
func (m *Manager) Close() {
	m.mu.RLock()
	adapters := make([]*exchange.Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.RUnlock()

	for _, a := range adapters {
		a.Close()
	}
}
