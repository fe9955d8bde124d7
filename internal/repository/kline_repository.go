package repository

import (
	"context"
	"fmt"
	"time"

	"kline-hub/internal/models"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"
)

// KLineRepository archives closed candles in ClickHouse.
type KLineRepository struct {
	clickhouse driver.Conn
	logger     *logrus.Logger
}

func NewKLineRepository(clickhouse driver.Conn, logger *logrus.Logger) *KLineRepository {
	return &KLineRepository{
		clickhouse: clickhouse,
		logger:     logger,
	}
}

// Options holds the connection settings for Connect.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
}

// Connect opens and pings a native ClickHouse connection.
func Connect(ctx context.Context, opts Options) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

const insertKLines = `
	INSERT INTO klines (
		exchange, symbol, interval, open_time, close_time,
		open, high, low, close,
		volume, quote_volume, trade_count,
		is_closed, created_at
	)`

// BatchCreate inserts klines in one native batch. The table is a
// ReplacingMergeTree, so re-archiving a candle replaces the earlier row.
func (r *KLineRepository) BatchCreate(ctx context.Context, klines []models.KLine) error {
	if len(klines) == 0 {
		return nil
	}

	batch, err := r.clickhouse.PrepareBatch(ctx, insertKLines)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	now := time.Now().UTC()
	for i := range klines {
		k := &klines[i]

		var trades *uint32
		if k.Trades != nil {
			v := uint32(*k.Trades)
			trades = &v
		}
		isClosed := uint8(0)
		if k.Closed {
			isClosed = 1
		}

		err := batch.Append(
			k.Exchange, k.Symbol, k.Interval.Code(), k.OpenAt(), k.CloseAt(),
			k.Open, k.High, k.Low, k.Close,
			k.Volume, k.QuoteVolume, trades,
			isClosed, now,
		)
		if err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	r.logger.WithField("count", len(klines)).Debug("Archived klines")
	return nil
}

// Stats summarizes the archive.
type Stats struct {
	TotalKLines  uint64    `json:"totalKLines"`
	TotalSeries  uint64    `json:"totalSeries"`
	EarliestOpen time.Time `json:"earliestOpen"`
	LatestOpen   time.Time `json:"latestOpen"`
}

// GetStats retrieves archive statistics
func (r *KLineRepository) GetStats(ctx context.Context) (*Stats, error) {
	query := `
		SELECT
			count() AS total_klines,
			uniqExact(exchange, symbol, interval) AS total_series,
			min(open_time) AS earliest_open,
			max(open_time) AS latest_open
		FROM klines`

	var s Stats
	row := r.clickhouse.QueryRow(ctx, query)
	if err := row.Scan(&s.TotalKLines, &s.TotalSeries, &s.EarliestOpen, &s.LatestOpen); err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	return &s, nil
}
