package backfill

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"kline-hub/internal/models"
	"kline-hub/internal/services/source"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu      sync.Mutex
	queries []source.BackfillQuery
	fail    map[int64]bool
}

func (f *fakeFetcher) Backfill(_ context.Context, q source.BackfillQuery) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.fail[q.Start] {
		return 0, errors.New("exchange unavailable")
	}
	return int((q.End-q.Start)/q.Interval.Millis()) + 1, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestSplitWindows(t *testing.T) {
	tests := []struct {
		name     string
		start    int64
		end      int64
		pageSize int
		want     []Window
	}{
		{
			name: "single page", start: 0, end: 119_999, pageSize: 10,
			want: []Window{{Start: 0, End: 119_999}},
		},
		{
			name: "exact pages", start: 0, end: 239_999, pageSize: 2,
			want: []Window{{Start: 0, End: 119_999}, {Start: 120_000, End: 239_999}},
		},
		{
			name: "ragged tail and aligned start", start: 30_000, end: 200_000, pageSize: 2,
			want: []Window{{Start: 0, End: 119_999}, {Start: 120_000, End: 200_000}},
		},
		{name: "empty range", start: 10, end: 5, pageSize: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitWindows("BTC-USDT", models.Interval1m, tt.start, tt.end, tt.pageSize)
			require.Len(t, got, len(tt.want))
			for i := range got {
				assert.Equal(t, tt.want[i].Start, got[i].Start)
				assert.Equal(t, tt.want[i].End, got[i].End)
				assert.Equal(t, models.Interval1m, got[i].Interval)
			}
		})
	}
}

func TestRunnerRun(t *testing.T) {
	f := &fakeFetcher{}
	r := NewRunner(f, nil, quietLogger())

	start := time.UnixMilli(0)
	job := &Job{
		Exchange:  "binance",
		Symbols:   []string{"BTC-USDT", "ETH-USDT"},
		Intervals: []models.Interval{models.Interval1m},
		Start:     start,
		End:       start.Add(10 * time.Minute),
		Workers:   3,
		PageSize:  5,
	}
	summary, err := r.Run(context.Background(), job)
	require.NoError(t, err)

	// 0..600000 inclusive spans three pages of five minutes per symbol.
	assert.Equal(t, 6, summary.Windows)
	assert.Equal(t, 6, summary.Succeeded)
	assert.Equal(t, 22, summary.KLines)
	assert.Len(t, f.queries, 6)
	for _, q := range f.queries {
		assert.Equal(t, "binance", q.Exchange)
		assert.Equal(t, 5, q.Limit)
	}
}

func TestRunnerReportsFailures(t *testing.T) {
	f := &fakeFetcher{fail: map[int64]bool{300_000: true}}
	r := NewRunner(f, nil, quietLogger())

	summary, err := r.Run(context.Background(), &Job{
		Exchange:  "okx",
		Symbols:   []string{"BTC-USDT"},
		Intervals: []models.Interval{models.Interval1m},
		Start:     time.UnixMilli(0),
		End:       time.UnixMilli(599_999),
		PageSize:  5,
	})
	require.Error(t, err)
	assert.Equal(t, 2, summary.Windows)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
}

func TestRunnerRejectsInvalidJob(t *testing.T) {
	r := NewRunner(&fakeFetcher{}, nil, quietLogger())
	now := time.Now()

	jobs := []*Job{
		{Symbols: []string{"BTC-USDT"}, Intervals: []models.Interval{models.Interval1m}, Start: now, End: now.Add(time.Hour)},
		{Exchange: "binance", Intervals: []models.Interval{models.Interval1m}, Start: now, End: now.Add(time.Hour)},
		{Exchange: "binance", Symbols: []string{"BTC-USDT"}, Start: now, End: now.Add(time.Hour)},
		{Exchange: "binance", Symbols: []string{"BTC-USDT"}, Intervals: []models.Interval{models.Interval1m}, Start: now, End: now},
	}
	for _, job := range jobs {
		_, err := r.Run(context.Background(), job)
		assert.ErrorIs(t, err, ErrInvalidJob)
	}
}
