package source

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"kline-hub/internal/converter"
	"kline-hub/internal/exchange"
	"kline-hub/internal/models"
	"kline-hub/internal/ratelimit"
	"kline-hub/internal/rest"
	"kline-hub/internal/socket"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const binanceEvent = `{"e":"kline","E":1700000001000,"s":"BTCUSDT","k":{"t":1700000000000,"T":1700000059999,"s":"BTCUSDT","i":"1m","o":"100","c":"100.5","h":"101","l":"99","v":"10","q":"1005","n":7,"x":true}}`

type recordingSaver struct {
	mu      sync.Mutex
	saved   []models.KLine
	batches int
	err     error
}

func (s *recordingSaver) Save(_ context.Context, k *models.KLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, *k)
	return nil
}

func (s *recordingSaver) SaveBatch(_ context.Context, ks []models.KLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches++
	s.saved = append(s.saved, ks...)
	return nil
}

func (s *recordingSaver) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

type stubREST struct {
	code string
	out  []models.KLine
	last rest.FetchRequest
}

func (c *stubREST) ExchangeCode() string { return c.code }
func (c *stubREST) MaxLimit() int { return 1000 }

func (c *stubREST) Fetch(_ context.Context, req rest.FetchRequest) ([]models.KLine, error) {
	c.last = req
	return c.out, nil
}

func (c *stubREST) FetchKLines(ctx context.Context, req rest.FetchRequest) []models.KLine {
	out, _ := c.Fetch(ctx, req)
	return out
}

// wsServer pushes frames to every connected client and records what it
// receives.
type wsServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  []*websocket.Conn
	frames []string
}

func newWSServer(t *testing.T) *wsServer {
	s := &wsServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.frames = append(s.frames, string(data))
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string { return "ws" + strings.TrimPrefix(s.srv.URL, "http") }

func (s *wsServer) push(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.WriteMessage(websocket.TextMessage, []byte(text))
	}
}

func (s *wsServer) received(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.frames {
		if strings.Contains(f, substr) {
			return true
		}
	}
	return false
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestManager(t *testing.T, url string) (*Manager, *recordingSaver) {
	saver := &recordingSaver{}
	m := NewManager(converter.DefaultRegistry(), saver, quietLogger())

	cc := socket.DefaultClientConfig("", "")
	cc.HeartbeatInterval = time.Hour
	cc.AutoReconnect = false
	pool := socket.DefaultPoolConfig()
	pool.EvictionInterval = 0
	limiter := ratelimit.NewManager().Register(exchange.Binance, 1000, 100)
	m.AddAdapter(exchange.NewAdapter(exchange.BinanceBinding{}, exchange.AdapterConfig{URL: url, Client: cc, Pool: pool}, limiter, quietLogger()))
	t.Cleanup(m.Close)
	return m, saver
}

func TestManagerStreamsIntoSaver(t *testing.T) {
	ws := newWSServer(t)
	m, saver := newTestManager(t, ws.url())
	ctx := context.Background()

	err := m.Subscribe(ctx, exchange.Binance, "BTC-USDT", models.Interval1m)
	require.ErrorIs(t, err, exchange.ErrNotConnected)

	require.NoError(t, m.Start(ctx, exchange.Binance))
	require.NoError(t, m.Subscribe(ctx, exchange.Binance, "btcusdt", models.Interval1m))
	require.Eventually(t, func() bool { return ws.received("btcusdt@kline_1m") }, 2*time.Second, 10*time.Millisecond)

	ws.push(binanceEvent)
	require.Eventually(t, func() bool { return saver.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	saver.mu.Lock()
	k := saver.saved[0]
	saver.mu.Unlock()
	assert.Equal(t, "BTC-USDT", k.Symbol)
	assert.Equal(t, int64(1700000000000), k.OpenTime)
	assert.True(t, k.Closed)

	status := m.Status()
	require.Len(t, status, 1)
	assert.Equal(t, exchange.Binance, status[0].Exchange)
	assert.True(t, status[0].Connected)
	assert.Equal(t, []string{"btcusdt@kline_1m"}, status[0].Topics)

	require.NoError(t, m.Unsubscribe(ctx, exchange.Binance, "BTC-USDT", models.Interval1m))
	require.NoError(t, m.Stop(exchange.Binance))
	assert.False(t, m.IsConnected(exchange.Binance))
	assert.Empty(t, m.Status()[0].Topics)
}

func TestManagerUnknownExchange(t *testing.T) {
	m := NewManager(converter.DefaultRegistry(), &recordingSaver{}, quietLogger())
	ctx := context.Background()

	assert.ErrorIs(t, m.Start(ctx, "kraken"), exchange.ErrUnknownExchange)
	assert.ErrorIs(t, m.Stop("kraken"), exchange.ErrUnknownExchange)
	assert.ErrorIs(t, m.Subscribe(ctx, "kraken", "BTC-USDT", models.Interval1m), exchange.ErrUnknownExchange)

	_, err := m.Backfill(ctx, BackfillQuery{Exchange: "kraken", Symbol: "BTC-USDT", Interval: models.Interval1m})
	assert.ErrorIs(t, err, exchange.ErrUnknownExchange)
}

func TestManagerSubscribeWithoutConverter(t *testing.T) {
	m := NewManager(converter.NewRegistry(), &recordingSaver{}, quietLogger())
	m.AddAdapter(exchange.NewAdapter(exchange.BinanceBinding{}, exchange.AdapterConfig{URL: "ws://127.0.0.1:1"}, nil, quietLogger()))
	t.Cleanup(m.Close)

	err := m.Subscribe(context.Background(), exchange.Binance, "BTC-USDT", models.Interval1m)
	assert.ErrorIs(t, err, exchange.ErrUnknownExchange)
	assert.ErrorIs(t, err, converter.ErrNoConverter)
}

func TestManagerBackfill(t *testing.T) {
	saver := &recordingSaver{}
	m := NewManager(converter.DefaultRegistry(), saver, quietLogger())
	client := &stubREST{code: exchange.OKX, out: []models.KLine{
		{Exchange: exchange.OKX, Symbol: "BTC-USDT", Interval: models.Interval1m, OpenTime: 60000, CloseTime: 119999},
		{Exchange: exchange.OKX, Symbol: "BTC-USDT", Interval: models.Interval1m, OpenTime: 120000, CloseTime: 179999},
	}}
	m.AddClient(client)

	n, err := m.Backfill(context.Background(), BackfillQuery{
		Exchange: exchange.OKX, Symbol: "btc_usdt", Interval: models.Interval1m, Start: 60000, End: 180000,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, saver.batches)
	assert.Equal(t, "BTC-USDT", client.last.Symbol)

	size, err := m.PageSize(exchange.OKX)
	require.NoError(t, err)
	assert.Equal(t, 1000, size)
	assert.Equal(t, int64(60000), client.last.Start)

	status := m.Status()
	require.Len(t, status, 1)
	assert.True(t, status[0].Backfill)
	assert.False(t, status[0].Connected)

	// Nothing fetched, nothing saved.
	client.out = nil
	n, err = m.Backfill(context.Background(), BackfillQuery{Exchange: exchange.OKX, Symbol: "BTC-USDT", Interval: models.Interval1m})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, saver.batches)

	saver.err = errors.New("disk full")
	client.out = []models.KLine{{Exchange: exchange.OKX, Symbol: "BTC-USDT", Interval: models.Interval1m, OpenTime: 1}}
	_, err = m.Backfill(context.Background(), BackfillQuery{Exchange: exchange.OKX, Symbol: "BTC-USDT", Interval: models.Interval1m})
	assert.Error(t, err)
}

func TestManagerApply(t *testing.T) {
	ws := newWSServer(t)
	m, _ := newTestManager(t, ws.url())

	applied := m.Apply(context.Background(), []Subscription{
		{Exchange: exchange.Binance, Symbols: []string{"BTC-USDT", "ETH-USDT"}, Intervals: []string{"1m", "5m"}},
		{Exchange: "kraken", Symbols: []string{"BTC-USDT"}, Intervals: []string{"1m"}},
	})
	assert.Equal(t, 4, applied)
	assert.Len(t, m.Status()[0].Topics, 4)
}

func TestLoadSubscriptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
subscriptions:
  - exchange: okx
    symbols: [BTC-USDT]
    intervals: [1m, 1h]
`), 0o644))

	subs, err := LoadSubscriptions(path)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "okx", subs[0].Exchange)
	assert.Equal(t, []string{"1m", "1h"}, subs[0].Intervals)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("subscriptions:\n  - exchange: okx\n    intervals: [7m]\n"), 0o644))
	_, err = LoadSubscriptions(bad)
	assert.ErrorIs(t, err, models.ErrUnknownInterval)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("subscriptions: []\n"), 0o644))
	_, err = LoadSubscriptions(empty)
	assert.Error(t, err)

	assert.Equal(t, DefaultSubscriptions, LoadSubscriptionsWithFallback(filepath.Join(dir, "missing.yaml")))
}
