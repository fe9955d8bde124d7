package notify

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"kline-hub/internal/metrics"
	"kline-hub/internal/models"

	"github.com/sirupsen/logrus"
)

// Channel types.
const (
	TypeEvent      = "event"
	TypeRedis      = "redis"
	TypeRabbitMQ   = "rabbitmq"
	TypeClickHouse = "clickhouse"
	TypeStream     = "stream"
)

// Notifier delivers kline updates to one downstream channel.
type Notifier interface {
	Type() string
	NotifyKLine(ctx context.Context, k *models.KLine) error
	NotifyKLineBatch(ctx context.Context, ks []models.KLine) error
}

// Composite fans an update out to every registered channel in order. A
// failing or panicking channel is logged and counted; the others still run
// and the caller never sees the error.
type Composite struct {
	mu        sync.RWMutex
	notifiers []Notifier
	logger    *logrus.Logger
}

func NewComposite(logger *logrus.Logger, notifiers ...Notifier) *Composite {
	return &Composite{notifiers: notifiers, logger: logger}
}

// Add registers another channel.
func (c *Composite) Add(n Notifier) {
	c.mu.Lock()
	c.notifiers = append(c.notifiers, n)
	c.mu.Unlock()
	c.logger.WithField("channel", n.Type()).Info("Notification channel enabled")
}

func (c *Composite) Type() string { return "composite" }

func (c *Composite) snapshot() []Notifier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Notifier, len(c.notifiers))
	copy(out, c.notifiers)
	return out
}

func (c *Composite) NotifyKLine(ctx context.Context, k *models.KLine) error {
	if k == nil {
		return nil
	}
	for _, n := range c.snapshot() {
		c.invoke(n, k, 1, func() error { return n.NotifyKLine(ctx, k) })
	}
	return nil
}

func (c *Composite) NotifyKLineBatch(ctx context.Context, ks []models.KLine) error {
	if len(ks) == 0 {
		return nil
	}
	for _, n := range c.snapshot() {
		c.invoke(n, &ks[0], len(ks), func() error { return n.NotifyKLineBatch(ctx, ks) })
	}
	return nil
}

func (c *Composite) invoke(n Notifier, k *models.KLine, size int, fn func() error) {
	channel := n.Type()
	start := time.Now()
	defer metrics.ObserveSince(start, metrics.NotifyLatency.WithLabelValues(channel))

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}()

	if err == nil {
		metrics.NotifyDeliveries.WithLabelValues(channel, "ok").Inc()
		return
	}
	metrics.NotifyDeliveries.WithLabelValues(channel, "error").Inc()
	c.logger.WithError(err).WithFields(logrus.Fields{
		"channel":  channel,
		"exchange": k.Exchange,
		"symbol":   k.Symbol,
		"interval": k.Interval.Code(),
		"openTime": k.OpenTime,
		"size":     size,
	}).Error("Notification failed")
}

// ActiveCount returns the number of registered channels.
func (c *Composite) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.notifiers)
}

// ActiveTypes returns the channel types in registration order.
func (c *Composite) ActiveTypes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.notifiers))
	for _, n := range c.notifiers {
		out = append(out, n.Type())
	}
	return out
}

// Close closes every channel that holds resources.
func (c *Composite) Close() error {
	for _, n := range c.snapshot() {
		closer, ok := n.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			c.logger.WithError(err).WithField("channel", n.Type()).Warn("Failed to close notification channel")
		}
	}
	return nil
}
