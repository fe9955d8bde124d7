package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"kline-hub/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// amqpChannel is the part of *amqp.Channel the notifier uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Envelope is the message body published to RabbitMQ.
type Envelope struct {
	Type string        `json:"type"`
	Data *models.KLine `json:"data"`
}

// RabbitMQNotifier publishes persistent messages to a topic exchange with
// routing key "{exchange}_{symbol}_{interval}".
type RabbitMQNotifier struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
	topic    string
	logger   *logrus.Logger
	mu       sync.Mutex
}

// DialRabbitMQ connects, opens a channel and declares the durable topic
// exchange.
func DialRabbitMQ(url, exchange, topic string, logger *logrus.Logger) (*RabbitMQNotifier, error) {
	if url == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	if exchange == "" {
		return nil, errors.New("exchange name cannot be empty")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	n := newRabbitMQNotifier(ch, exchange, topic, logger)
	n.conn = conn
	logger.WithField("exchange", exchange).Info("RabbitMQ notifier connected")
	return n, nil
}

func newRabbitMQNotifier(ch amqpChannel, exchange, topic string, logger *logrus.Logger) *RabbitMQNotifier {
	return &RabbitMQNotifier{
		channel:  ch,
		exchange: exchange,
		topic:    topic,
		logger:   logger,
	}
}

func (r *RabbitMQNotifier) Type() string { return TypeRabbitMQ }

// RoutingKey returns "{exchange}_{symbol}_{interval}".
func RoutingKey(k *models.KLine) string {
	return k.Exchange + "_" + k.Symbol + "_" + k.Interval.Code()
}

func (r *RabbitMQNotifier) NotifyKLine(ctx context.Context, k *models.KLine) error {
	body, err := json.Marshal(Envelope{Type: r.topic, Data: k})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.channel.PublishWithContext(ctx, r.exchange, RoutingKey(k), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         r.topic,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// NotifyKLineBatch publishes item by item and reports the first failure
// after trying all of them.
func (r *RabbitMQNotifier) NotifyKLineBatch(ctx context.Context, ks []models.KLine) error {
	var firstErr error
	for i := range ks {
		if err := r.NotifyKLine(ctx, &ks[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *RabbitMQNotifier) Close() error {
	var errs []error
	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close rabbitmq channel: %w", err))
		}
	}
	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close rabbitmq connection: %w", err))
		}
	}
	return errors.Join(errs...)
}
