package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kline-hub/internal/metrics"
	"kline-hub/internal/models"
	"kline-hub/internal/notify"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const tier = "redis_latest"

// LatestCache keeps the most recent kline per series in Redis.
type LatestCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

func NewLatestCache(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *LatestCache {
	return &LatestCache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func key(exchange, symbol string, interval models.Interval) string {
	return fmt.Sprintf("kline:latest:%s:%s:%s", exchange, symbol, interval.Code())
}

// SetLatest caches k unless a newer candle of the same series is already
// cached.
func (c *LatestCache) SetLatest(ctx context.Context, k *models.KLine) error {
	current, err := c.GetLatest(ctx, k.Exchange, k.Symbol, k.Interval)
	if err == nil && current != nil && current.OpenTime > k.OpenTime {
		return nil
	}

	data, err := json.Marshal(k)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key(k.Exchange, k.Symbol, k.Interval), data, c.ttl).Err()
}

// GetLatest returns the cached kline, or (nil, nil) on a miss.
func (c *LatestCache) GetLatest(ctx context.Context, exchange, symbol string, interval models.Interval) (*models.KLine, error) {
	data, err := c.client.Get(ctx, key(exchange, symbol, interval)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var k models.KLine
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, err
	}
	return &k, nil
}

// Lookup is GetLatest with hit/miss accounting; errors count as misses.
func (c *LatestCache) Lookup(ctx context.Context, exchange, symbol string, interval models.Interval) *models.KLine {
	k, err := c.GetLatest(ctx, exchange, symbol, interval)
	if err != nil {
		c.logger.WithError(err).Debug("Latest cache read failed")
	}
	metrics.RecordCacheAccess(tier, k != nil)
	return k
}

// Delete removes the cached kline of a series.
func (c *LatestCache) Delete(ctx context.Context, exchange, symbol string, interval models.Interval) error {
	return c.client.Del(ctx, key(exchange, symbol, interval)).Err()
}

// Listen keeps the cache current from the in-process event bus. For a batch
// only the newest candle per series is written. It returns the unsubscribe
// function.
func (c *LatestCache) Listen(bus *notify.EventNotifier) func() {
	return bus.Subscribe(func(ev notify.KLineEvent) {
		latest := make(map[string]*models.KLine)
		for i := range ev.KLines {
			k := &ev.KLines[i]
			id := k.SeriesID()
			if cur, ok := latest[id]; !ok || k.OpenTime >= cur.OpenTime {
				latest[id] = k
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, k := range latest {
			if err := c.SetLatest(ctx, k); err != nil {
				c.logger.WithError(err).WithField("series", k.SeriesID()).Warn("Failed to cache latest kline")
			}
		}
	})
}
