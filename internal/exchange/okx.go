package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"kline-hub/internal/models"
	"kline-hub/internal/socket"
)

// OKXBinding speaks the OKX v5 public channel protocol.
type OKXBinding struct{}

func (OKXBinding) Code() string { return OKX }
func (OKXBinding) Endpoint() string { return "wss://ws.okx.com:8443/ws/v5/public" }
func (OKXBinding) HeartbeatInterval() time.Duration { return 25 * time.Second }

// Heartbeat sends the literal text "ping"; OKX replies "pong".
func (OKXBinding) Heartbeat() socket.HeartbeatStrategy {
	return socket.TextHeartbeatStrategy{Ping: "ping", Pong: "pong"}
}

// Topic is "candle1m:BTC-USDT".
func (OKXBinding) Topic(symbol string, interval models.Interval) (string, error) {
	if interval.IsZero() {
		return "", ErrUnsupportedInterval
	}
	return "candle" + OKXBar(interval) + ":" + OKXInstID(symbol), nil
}

func (b OKXBinding) SubscribeMessage(topic string, _ map[string]string) (string, error) {
	return okxRequest("subscribe", topic)
}

func (b OKXBinding) UnsubscribeMessage(topic string) (string, error) {
	return okxRequest("unsubscribe", topic)
}

func okxRequest(op, topic string) (string, error) {
	channel, instID, ok := strings.Cut(topic, ":")
	if !ok {
		return "", fmt.Errorf("malformed okx topic %q", topic)
	}
	data, err := json.Marshal(map[string]interface{}{
		"op": op,
		"args": []map[string]string{
			{"channel": channel, "instId": instID},
		},
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type okxFrame struct {
	Event string `json:"event"`
	Arg   struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []json.RawMessage `json:"data"`
}

// ParseMessage routes candle pushes. Event frames (subscribe acks, errors)
// carry no data and are dropped.
func (OKXBinding) ParseMessage(raw string) (ParsedMessage, bool) {
	var f okxFrame
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return ParsedMessage{}, false
	}
	if !strings.HasPrefix(f.Arg.Channel, "candle") || len(f.Data) == 0 {
		return ParsedMessage{}, false
	}
	return ParsedMessage{Topic: f.Arg.Channel + ":" + f.Arg.InstID, Payload: raw}, true
}
