package kline

import (
	"context"
	"errors"
	"fmt"

	"kline-hub/internal/config"
	"kline-hub/internal/metrics"
	"kline-hub/internal/models"
	"kline-hub/internal/notify"
	"kline-hub/internal/ratelimit"
	"kline-hub/internal/repository"
	"kline-hub/internal/store"

	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound     = errors.New("kline not found")
	ErrInvalidQuery = errors.New("invalid kline query")
)

// LatestCache is the read side of the Redis latest cache.
type LatestCache interface {
	Lookup(ctx context.Context, exchange, symbol string, interval models.Interval) *models.KLine
}

// Archive reports ClickHouse archive statistics.
type Archive interface {
	GetStats(ctx context.Context) (*repository.Stats, error)
}

// Counter is implemented by stores that can count their records.
type Counter interface {
	Count() (int, error)
}

// ChannelLister names the notification channels a notifier fans out to.
type ChannelLister interface {
	ActiveTypes() []string
}

// RateLimits reports the per-exchange request limiters.
type RateLimits interface {
	Stats() []ratelimit.Stats
}

// Service ties the store to the notification fan-out.
type Service struct {
	store    store.KLineStore
	notifier notify.Notifier
	cache    LatestCache
	archive  Archive
	limits   RateLimits
	config   config.ServiceConfig
	logger   *logrus.Logger
}

type Option func(*Service)

func WithLatestCache(c LatestCache) Option {
	return func(s *Service) { s.cache = c }
}

func WithArchive(a Archive) Option {
	return func(s *Service) { s.archive = a }
}

func WithRateLimits(r RateLimits) Option {
	return func(s *Service) { s.limits = r }
}

func NewService(st store.KLineStore, notifier notify.Notifier, cfg config.ServiceConfig, logger *logrus.Logger, opts ...Option) *Service {
	if cfg.DefaultQueryLimit <= 0 {
		cfg.DefaultQueryLimit = 500
	}
	if cfg.MaxQueryLimit <= 0 {
		cfg.MaxQueryLimit = 1000
	}
	s := &Service{
		store:    st,
		notifier: notifier,
		config:   cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Query returns klines of one series in ascending open time. The limit
// defaults to DefaultQueryLimit and is capped at MaxQueryLimit.
func (s *Service) Query(ctx context.Context, q store.Query) ([]models.KLine, error) {
	if q.Exchange == "" || q.Symbol == "" || q.Interval.IsZero() {
		return nil, fmt.Errorf("%w: exchange, symbol and interval are required", ErrInvalidQuery)
	}
	if q.Start > 0 && q.End > 0 && q.Start > q.End {
		return nil, fmt.Errorf("%w: start after end", ErrInvalidQuery)
	}
	q.Symbol = models.NormalizeSymbol(q.Symbol)

	if q.Limit <= 0 {
		q.Limit = s.config.DefaultQueryLimit
	}
	if q.Limit > s.config.MaxQueryLimit {
		q.Limit = s.config.MaxQueryLimit
	}
	return s.store.Query(ctx, q)
}

// GetLatest checks the latest cache first and falls back to the store.
func (s *Service) GetLatest(ctx context.Context, symbol, exchange string, interval models.Interval) (*models.KLine, error) {
	symbol = models.NormalizeSymbol(symbol)

	if s.cache != nil {
		if k := s.cache.Lookup(ctx, exchange, symbol, interval); k != nil {
			return k, nil
		}
	}

	k, err := s.store.GetLatest(ctx, exchange, symbol, interval)
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, ErrNotFound
	}
	return k, nil
}

// Save stores k and then notifies every channel.
func (s *Service) Save(ctx context.Context, k *models.KLine) error {
	if err := s.store.Save(ctx, k); err != nil {
		return err
	}
	metrics.RecordKLineWrite(k.Exchange, k.Interval.Code())
	if s.notifier != nil {
		_ = s.notifier.NotifyKLine(ctx, k)
	}
	s.logger.WithFields(logrus.Fields{
		"exchange": k.Exchange,
		"symbol":   k.Symbol,
		"interval": k.Interval.Code(),
	}).Debug("Saved and notified kline")
	return nil
}

// SaveBatch stores ks atomically and notifies once. An empty batch is a
// no-op.
func (s *Service) SaveBatch(ctx context.Context, ks []models.KLine) error {
	if len(ks) == 0 {
		return nil
	}
	if err := s.store.SaveBatch(ctx, ks); err != nil {
		return err
	}
	for i := range ks {
		metrics.RecordKLineWrite(ks[i].Exchange, ks[i].Interval.Code())
	}
	if s.notifier != nil {
		_ = s.notifier.NotifyKLineBatch(ctx, ks)
	}
	s.logger.WithField("size", len(ks)).Debug("Saved and notified kline batch")
	return nil
}

// Stats summarizes ingestion and storage.
type Stats struct {
	StoredKLines    int               `json:"storedKLines"`
	TotalWrites     int64             `json:"totalWrites"`
	WritesPerSecond float64           `json:"writesPerSecond"`
	ActiveNotifiers []string          `json:"activeNotifiers"`
	RateLimits      []ratelimit.Stats `json:"rateLimits,omitempty"`
	Archive         *repository.Stats `json:"archive,omitempty"`
}

// GetStats reports store size, write rate, the active notification
// channels and, when configured, limiter and archive statistics. An
// unreachable archive is logged and omitted.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		TotalWrites:     metrics.TotalKLineWrites(),
		WritesPerSecond: metrics.KLineWriteRate(),
		ActiveNotifiers: []string{},
	}
	if l, ok := s.notifier.(ChannelLister); ok {
		st.ActiveNotifiers = append(st.ActiveNotifiers, l.ActiveTypes()...)
	}
	if s.limits != nil {
		st.RateLimits = s.limits.Stats()
	}
	if c, ok := s.store.(Counter); ok {
		n, err := c.Count()
		if err != nil {
			return nil, err
		}
		st.StoredKLines = n
	}
	if s.archive != nil {
		a, err := s.archive.GetStats(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to read archive stats")
		} else {
			st.Archive = a
		}
	}
	return st, nil
}
