package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"kline-hub/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RedisNotifier publishes kline JSON on per-series Redis channels.
type RedisNotifier struct {
	client *redis.Client
	prefix string
	logger *logrus.Logger
}

func NewRedisNotifier(client *redis.Client, prefix string, logger *logrus.Logger) *RedisNotifier {
	if prefix == "" {
		prefix = "kline"
	}
	return &RedisNotifier{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (r *RedisNotifier) Type() string { return TypeRedis }

// Channel returns "{prefix}:{exchange}:{symbol}:{interval}".
func (r *RedisNotifier) Channel(k *models.KLine) string {
	return fmt.Sprintf("%s:%s:%s:%s", r.prefix, k.Exchange, k.Symbol, k.Interval.Code())
}

func (r *RedisNotifier) NotifyKLine(ctx context.Context, k *models.KLine) error {
	data, err := json.Marshal(k)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.Channel(k), data).Err()
}

// NotifyKLineBatch publishes every item in one pipeline.
func (r *RedisNotifier) NotifyKLineBatch(ctx context.Context, ks []models.KLine) error {
	if len(ks) == 0 {
		return nil
	}
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := range ks {
			data, err := json.Marshal(&ks[i])
			if err != nil {
				return err
			}
			pipe.Publish(ctx, r.Channel(&ks[i]), data)
		}
		return nil
	})
	return err
}
