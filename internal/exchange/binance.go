package exchange

import (
	"encoding/json"
	"strings"
	"time"

	"kline-hub/internal/models"
	"kline-hub/internal/socket"
)

// BinanceBinding speaks the Binance spot raw stream protocol.
type BinanceBinding struct{}

func (BinanceBinding) Code() string { return Binance }
func (BinanceBinding) Endpoint() string { return "wss://stream.binance.com:9443/ws" }
func (BinanceBinding) HeartbeatInterval() time.Duration { return 20 * time.Second }

// Heartbeat uses ping control frames; Binance answers them with pongs.
func (BinanceBinding) Heartbeat() socket.HeartbeatStrategy {
	return socket.DefaultHeartbeatStrategy{}
}

// Topic is "btcusdt@kline_1m".
func (BinanceBinding) Topic(symbol string, interval models.Interval) (string, error) {
	if interval.IsZero() {
		return "", ErrUnsupportedInterval
	}
	return strings.ToLower(BinanceSymbol(symbol)) + "@kline_" + interval.Code(), nil
}

func (BinanceBinding) SubscribeMessage(topic string, _ map[string]string) (string, error) {
	return binanceRequest("SUBSCRIBE", topic)
}

func (BinanceBinding) UnsubscribeMessage(topic string) (string, error) {
	return binanceRequest("UNSUBSCRIBE", topic)
}

func binanceRequest(method, topic string) (string, error) {
	data, err := json.Marshal(map[string]interface{}{
		"method": method,
		"params": []string{topic},
		"id":     time.Now().UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type binanceFrame struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     *struct {
		Interval string `json:"i"`
	} `json:"k"`
	// Combined stream envelope.
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// ParseMessage routes kline events, raw or wrapped in a combined stream
// envelope. Subscription acks ({"result":null,"id":...}) are dropped.
func (BinanceBinding) ParseMessage(raw string) (ParsedMessage, bool) {
	var f binanceFrame
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return ParsedMessage{}, false
	}
	if f.Stream != "" && len(f.Data) > 0 {
		if !strings.Contains(f.Stream, "@kline_") {
			return ParsedMessage{}, false
		}
		return ParsedMessage{Topic: f.Stream, Payload: string(f.Data)}, true
	}
	if f.EventType != "kline" || f.Kline == nil || f.Symbol == "" {
		return ParsedMessage{}, false
	}
	topic := strings.ToLower(f.Symbol) + "@kline_" + f.Kline.Interval
	return ParsedMessage{Topic: topic, Payload: raw}, true
}
