package backfill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"kline-hub/internal/models"
	"kline-hub/internal/services/source"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidJob = errors.New("invalid backfill job")

// Fetcher backfills one window and reports how many klines it saved.
// source.Manager implements it.
type Fetcher interface {
	Backfill(ctx context.Context, q source.BackfillQuery) (int, error)
}

// Job describes a historical import for one exchange.
type Job struct {
	Exchange  string
	Symbols   []string
	Intervals []models.Interval
	Start     time.Time
	End       time.Time
	Workers   int
	// PageSize is the number of candles requested per window, normally the
	// exchange's REST maximum.
	PageSize int
}

func (j *Job) String() string {
	return fmt.Sprintf("%s %v (%d intervals) from %s to %s",
		j.Exchange, j.Symbols, len(j.Intervals),
		j.Start.UTC().Format(time.RFC3339), j.End.UTC().Format(time.RFC3339))
}

func (j *Job) validate() error {
	switch {
	case j.Exchange == "":
		return fmt.Errorf("%w: exchange is required", ErrInvalidJob)
	case len(j.Symbols) == 0:
		return fmt.Errorf("%w: at least one symbol is required", ErrInvalidJob)
	case len(j.Intervals) == 0:
		return fmt.Errorf("%w: at least one interval is required", ErrInvalidJob)
	case !j.End.After(j.Start):
		return fmt.Errorf("%w: end must be after start", ErrInvalidJob)
	}
	return nil
}

// Window is one REST page of a single series. Bounds are inclusive epoch
// milliseconds.
type Window struct {
	Symbol   string
	Interval models.Interval
	Start    int64
	End      int64
}

type windowResult struct {
	Window Window
	Count  int
	Err    error
}

// Summary totals a finished job.
type Summary struct {
	Windows   int
	Succeeded int
	Empty     int
	Failed    int
	KLines    int
}

// Runner executes backfill jobs with a bounded worker pool.
type Runner struct {
	fetcher  Fetcher
	logger   *logrus.Logger
	progress io.Writer
}

// NewRunner creates a runner. progress receives the progress bar, nil
// disables it.
func NewRunner(fetcher Fetcher, progress io.Writer, logger *logrus.Logger) *Runner {
	if progress == nil {
		progress = io.Discard
	}
	return &Runner{fetcher: fetcher, logger: logger, progress: progress}
}

// SplitWindows cuts [start, end] into consecutive windows of at most
// pageSize candles each. Window starts are aligned to the interval.
func SplitWindows(symbol string, interval models.Interval, start, end int64, pageSize int) []Window {
	step := interval.Millis()
	if step <= 0 || end < start {
		return nil
	}
	if pageSize <= 0 {
		pageSize = 500
	}
	span := step * int64(pageSize)

	var windows []Window
	for from := start - start%step; from <= end; from += span {
		to := from + span - 1
		if to > end {
			to = end
		}
		windows = append(windows, Window{Symbol: symbol, Interval: interval, Start: from, End: to})
	}
	return windows
}

// Run imports every symbol and interval of job. Window failures are counted
// and reported; they do not stop the remaining windows.
func (r *Runner) Run(ctx context.Context, job *Job) (*Summary, error) {
	if err := job.validate(); err != nil {
		return nil, err
	}
	workers := job.Workers
	if workers <= 0 {
		workers = 1
	}

	var windows []Window
	for _, symbol := range job.Symbols {
		for _, interval := range job.Intervals {
			windows = append(windows, SplitWindows(symbol, interval, job.Start.UnixMilli(), job.End.UnixMilli(), job.PageSize)...)
		}
	}

	bar := progressbar.NewOptions(len(windows),
		progressbar.OptionSetWriter(r.progress),
		progressbar.OptionSetDescription(fmt.Sprintf("Backfilling %s", job.Exchange)),
		progressbar.OptionSetWidth(50),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	summary := &Summary{Windows: len(windows)}
	var mu sync.Mutex
	record := func(res windowResult) {
		mu.Lock()
		defer mu.Unlock()
		_ = bar.Add(1)
		switch {
		case res.Err != nil:
			summary.Failed++
			r.logger.WithError(res.Err).WithFields(logrus.Fields{
				"symbol":   res.Window.Symbol,
				"interval": res.Window.Interval.Code(),
				"start":    res.Window.Start,
			}).Warn("Backfill window failed")
		case res.Count == 0:
			summary.Empty++
		default:
			summary.Succeeded++
			summary.KLines += res.Count
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, w := range windows {
		if gctx.Err() != nil {
			break
		}
		w := w
		g.Go(func() error {
			n, err := r.fetcher.Backfill(gctx, source.BackfillQuery{
				Exchange: job.Exchange,
				Symbol:   w.Symbol,
				Interval: w.Interval,
				Start:    w.Start,
				End:      w.End,
				Limit:    job.PageSize,
			})
			record(windowResult{Window: w, Count: n, Err: err})
			// Only cancellation aborts the job.
			if errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	_ = bar.Finish()

	r.logger.WithFields(logrus.Fields{
		"exchange":  job.Exchange,
		"windows":   summary.Windows,
		"succeeded": summary.Succeeded,
		"empty":     summary.Empty,
		"failed":    summary.Failed,
		"klines":    summary.KLines,
	}).Info("Backfill finished")

	if summary.Failed > 0 {
		return summary, fmt.Errorf("backfill completed with %d failures", summary.Failed)
	}
	return summary, nil
}
