package exchange

import (
	"encoding/json"
	"strings"
	"time"

	"kline-hub/internal/models"
	"kline-hub/internal/socket"
)

// BybitBinding speaks the Bybit v5 public spot protocol.
type BybitBinding struct{}

func (BybitBinding) Code() string { return Bybit }
func (BybitBinding) Endpoint() string { return "wss://stream.bybit.com/v5/public/spot" }
func (BybitBinding) HeartbeatInterval() time.Duration { return 20 * time.Second }

func (BybitBinding) Heartbeat() socket.HeartbeatStrategy {
	return bybitHeartbeat{}
}

// Topic is "kline.1.BTCUSDT".
func (BybitBinding) Topic(symbol string, interval models.Interval) (string, error) {
	code := BybitInterval(interval)
	if code == "" {
		return "", ErrUnsupportedInterval
	}
	return "kline." + code + "." + BybitSymbol(symbol), nil
}

func (BybitBinding) SubscribeMessage(topic string, _ map[string]string) (string, error) {
	return bybitRequest("subscribe", topic)
}

func (BybitBinding) UnsubscribeMessage(topic string) (string, error) {
	return bybitRequest("unsubscribe", topic)
}

func bybitRequest(op, topic string) (string, error) {
	data, err := json.Marshal(map[string]interface{}{
		"op":   op,
		"args": []string{topic},
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (BybitBinding) ParseMessage(raw string) (ParsedMessage, bool) {
	var f struct {
		Topic string            `json:"topic"`
		Data  []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return ParsedMessage{}, false
	}
	if !strings.HasPrefix(f.Topic, "kline.") || len(f.Data) == 0 {
		return ParsedMessage{}, false
	}
	return ParsedMessage{Topic: f.Topic, Payload: raw}, true
}

// bybitHeartbeat sends {"op":"ping"}; the reply has op "pong" (or ret_msg
// "pong" on older gateways).
type bybitHeartbeat struct{}

func (bybitHeartbeat) SendHeartbeat(s *socket.Session) error {
	return s.SendText(`{"op":"ping"}`)
}

func (bybitHeartbeat) IsHeartbeatResponse(text string) bool {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "{") || !strings.Contains(t, "pong") {
		return false
	}
	var f struct {
		Op     string `json:"op"`
		RetMsg string `json:"ret_msg"`
	}
	if err := json.Unmarshal([]byte(t), &f); err != nil {
		return false
	}
	return f.Op == "pong" || f.RetMsg == "pong"
}

func (bybitHeartbeat) HandleHeartbeatResponse(*socket.Session, string) {}
