package notify

import (
	"context"

	"kline-hub/internal/models"
)

// Archiver persists closed candles to long term storage.
type Archiver interface {
	BatchCreate(ctx context.Context, ks []models.KLine) error
}

// ClickHouseNotifier archives closed candles. Updates to a still-open candle
// are skipped so the archive holds one row per final candle.
type ClickHouseNotifier struct {
	archive Archiver
}

func NewClickHouseNotifier(archive Archiver) *ClickHouseNotifier {
	return &ClickHouseNotifier{archive: archive}
}

func (c *ClickHouseNotifier) Type() string { return TypeClickHouse }

func (c *ClickHouseNotifier) NotifyKLine(ctx context.Context, k *models.KLine) error {
	if !k.Closed {
		return nil
	}
	return c.archive.BatchCreate(ctx, []models.KLine{*k})
}

func (c *ClickHouseNotifier) NotifyKLineBatch(ctx context.Context, ks []models.KLine) error {
	closed := make([]models.KLine, 0, len(ks))
	for _, k := range ks {
		if k.Closed {
			closed = append(closed, k)
		}
	}
	if len(closed) == 0 {
		return nil
	}
	return c.archive.BatchCreate(ctx, closed)
}
