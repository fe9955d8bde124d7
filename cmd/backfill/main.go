package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"kline-hub/internal/app"
	"kline-hub/internal/backfill"
	"kline-hub/internal/config"
	"kline-hub/internal/logging"
	"kline-hub/internal/models"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		exchange  string
		symbols   []string
		intervals string
		fromStr   string
		toStr     string
		workers   int
		pageSize  int
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Import historical klines from an exchange REST API into the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if exchange == "" {
				return fmt.Errorf("missing --exchange (binance, okx or bybit)")
			}
			if len(symbols) == 0 {
				return fmt.Errorf("missing --symbols (e.g. BTC-USDT,ETH-USDT)")
			}
			ivs, err := parseIntervals(intervals)
			if err != nil {
				return err
			}
			from, err := parseTime(fromStr)
			if err != nil {
				return fmt.Errorf("bad --from: %w", err)
			}
			to := time.Now().UTC()
			if toStr != "" {
				if to, err = parseTime(toStr); err != nil {
					return fmt.Errorf("bad --to: %w", err)
				}
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			if pageSize <= 0 {
				if pageSize, err = a.Sources.PageSize(exchange); err != nil {
					return fmt.Errorf("%w (is %s enabled?)", err, strings.ToUpper(exchange)+"_ENABLED")
				}
			}

			job := &backfill.Job{
				Exchange:  exchange,
				Symbols:   symbols,
				Intervals: ivs,
				Start:     from,
				End:       to,
				Workers:   workers,
				PageSize:  pageSize,
			}
			logger.Infof("Starting backfill: %s", job.String())

			summary, err := backfill.NewRunner(a.Sources, os.Stderr, logger).Run(ctx, job)
			if summary != nil {
				fmt.Printf("\nWindows: %d  saved: %d  empty: %d  failed: %d  klines: %d\n",
					summary.Windows, summary.Succeeded, summary.Empty, summary.Failed, summary.KLines)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&exchange, "exchange", "binance", "Exchange code: binance|okx|bybit")
	cmd.Flags().StringSliceVar(&symbols, "symbols", nil, "Comma-separated symbols (e.g. BTC-USDT,ETH-USDT)")
	cmd.Flags().StringVar(&intervals, "intervals", "1h,4h,1d", "Comma-separated intervals or 'all'")
	cmd.Flags().StringVar(&fromStr, "from", "", "Start time, RFC3339 or YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&toStr, "to", "", "End time, RFC3339 or YYYY-MM-DD (default now)")
	cmd.Flags().IntVar(&workers, "workers", 4, "Number of parallel workers")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Candles per request (default exchange maximum)")
	_ = cmd.MarkFlagRequired("from")

	return cmd
}

// parseIntervals accepts a comma-separated list or "all".
func parseIntervals(s string) ([]models.Interval, error) {
	if strings.TrimSpace(s) == "all" {
		return models.Intervals(), nil
	}
	var out []models.Interval
	for _, code := range strings.Split(s, ",") {
		if strings.TrimSpace(code) == "" {
			continue
		}
		iv, err := models.ParseInterval(code)
		if err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no intervals given")
	}
	return out, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, s)
}
