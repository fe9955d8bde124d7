package exchange

import (
	"errors"
	"time"

	"kline-hub/internal/models"
	"kline-hub/internal/socket"
)

var (
	ErrUnknownExchange     = errors.New("unknown exchange")
	ErrUnsupportedInterval = errors.New("interval not supported by exchange")
)

// ParsedMessage is an inbound frame routed to a subscription topic.
type ParsedMessage struct {
	Topic   string
	Payload string
}

// Binding captures everything that differs between exchanges: topic naming,
// subscribe frames, inbound routing and heartbeat style. The Adapter is
// generic over it.
type Binding interface {
	Code() string
	Endpoint() string
	HeartbeatInterval() time.Duration
	Heartbeat() socket.HeartbeatStrategy

	Topic(symbol string, interval models.Interval) (string, error)
	SubscribeMessage(topic string, params map[string]string) (string, error)
	UnsubscribeMessage(topic string) (string, error)

	// ParseMessage extracts the topic of a data frame. It returns false for
	// acks, errors and anything else that should not be dispatched.
	ParseMessage(raw string) (ParsedMessage, bool)
}

// NewBinding returns the built-in binding for an exchange code.
func NewBinding(code string) (Binding, error) {
	switch code {
	case Binance:
		return BinanceBinding{}, nil
	case OKX:
		return OKXBinding{}, nil
	case Bybit:
		return BybitBinding{}, nil
	default:
		return nil, ErrUnknownExchange
	}
}
