package notify

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"kline-hub/internal/models"
	"kline-hub/internal/socket"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startStream(t *testing.T) (*StreamNotifier, *socket.Server, string) {
	n := NewStreamNotifier(quietLogger())
	srv := socket.NewServer(socket.DefaultServerConfig(), n, quietLogger())
	n.Attach(srv.Registry())

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return n, srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dialStream(t *testing.T, url string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendMessage(t *testing.T, conn *websocket.Conn, msg *socket.Message) *socket.Message {
	text, err := socket.JSONCodec{}.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
	return readMessage(t, conn)
}

func readMessage(t *testing.T, conn *websocket.Conn) *socket.Message {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := socket.JSONCodec{}.Decode(string(data))
	require.NoError(t, err)
	return msg
}

func TestStreamNotifierRoutesBySubscription(t *testing.T) {
	n, srv, url := startStream(t)

	btc := dialStream(t, url)
	all := dialStream(t, url)
	idle := dialStream(t, url)

	reply := sendMessage(t, btc, socket.NewSubscribeMessage("binance:BTC-USDT:1m"))
	assert.Equal(t, socket.MessageResponse, reply.Type)
	assert.Equal(t, "binance:BTC-USDT:1m", reply.Topic)
	reply = sendMessage(t, all, socket.NewSubscribeMessage(AllTopics))
	assert.Equal(t, socket.MessageResponse, reply.Type)

	require.Eventually(t, func() bool { return srv.SessionCount() == 3 }, time.Second, 10*time.Millisecond)

	k := sampleKLine(1_700_000_000_000, false)
	require.NoError(t, n.NotifyKLine(context.Background(), &k))

	for _, conn := range []*websocket.Conn{btc, all} {
		msg := readMessage(t, conn)
		assert.Equal(t, socket.MessageData, msg.Type)
		assert.Equal(t, "binance:BTC-USDT:1m", msg.Topic)

		var resp models.KLineResponse
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &resp))
		assert.Equal(t, "100.5", resp.Close)
	}

	// The unsubscribed session only gets its own heartbeat echo.
	reply = sendMessage(t, idle, socket.NewHeartbeatMessage())
	assert.Equal(t, socket.MessageHeartbeat, reply.Type)
}

func TestStreamNotifierUnsubscribeAndErrors(t *testing.T) {
	n, _, url := startStream(t)
	conn := dialStream(t, url)

	sendMessage(t, conn, socket.NewSubscribeMessage("okx:ETH-USDT:5m"))
	reply := sendMessage(t, conn, socket.NewUnsubscribeMessage("okx:ETH-USDT:5m"))
	assert.Equal(t, "unsubscribed", reply.Payload)

	reply = sendMessage(t, conn, socket.NewSubscribeMessage(""))
	assert.Equal(t, socket.MessageError, reply.Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	reply = readMessage(t, conn)
	assert.Equal(t, socket.MessageError, reply.Type)

	k := sampleKLine(1_700_000_000_000, true)
	k.Exchange = "okx"
	k.Symbol = "ETH-USDT"
	k.Interval = models.Interval5m
	require.NoError(t, n.NotifyKLine(context.Background(), &k))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestStreamNotifierWithoutRegistry(t *testing.T) {
	n := NewStreamNotifier(quietLogger())
	k := sampleKLine(1_700_000_000_000, true)
	assert.NoError(t, n.NotifyKLine(context.Background(), &k))
	assert.NoError(t, n.NotifyKLineBatch(context.Background(), []models.KLine{k}))
}
