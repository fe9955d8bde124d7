package main

import (
	"context"
	"fmt"
	"time"

	"kline-hub/internal/config"
	"kline-hub/internal/logging"
	"kline-hub/internal/repository"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"
)

const createKLines = `
	CREATE TABLE IF NOT EXISTS klines (
		exchange LowCardinality(String),
		symbol LowCardinality(String),
		interval LowCardinality(String),
		open_time DateTime64(3),
		close_time DateTime64(3),
		open Decimal(38, 18),
		high Decimal(38, 18),
		low Decimal(38, 18),
		close Decimal(38, 18),
		volume Decimal(38, 18),
		quote_volume Decimal(38, 18),
		trade_count Nullable(UInt32),
		is_closed UInt8,
		created_at DateTime DEFAULT now(),
		date Date MATERIALIZED toDate(open_time)
	)
	ENGINE = ReplacingMergeTree(created_at)
	PARTITION BY (interval, toYYYYMM(date))
	ORDER BY (exchange, symbol, interval, open_time)
	TTL date + INTERVAL 2 YEAR
	SETTINGS index_granularity = 8192
`

var indexes = []string{
	"ALTER TABLE klines ADD INDEX IF NOT EXISTS symbol_idx (symbol) TYPE bloom_filter() GRANULARITY 1",
	"ALTER TABLE klines ADD INDEX IF NOT EXISTS exchange_idx (exchange) TYPE bloom_filter() GRANULARITY 1",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal("Failed to load config: ", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logrus.Fatal("Failed to set up logging: ", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := migrate(ctx, cfg.ClickHouse, logger); err != nil {
		logger.WithError(err).Fatal("Migration failed")
	}
	logger.WithFields(logrus.Fields{
		"database": cfg.ClickHouse.Database,
		"table":    "klines",
	}).Info("ClickHouse migration completed successfully")
}

func migrate(ctx context.Context, cfg config.ClickHouseConfig, logger *logrus.Logger) error {
	// Connect to default first; the target database may not exist yet.
	conn, err := repository.Connect(ctx, repository.Options{
		Addr:     cfg.Addr(),
		Database: "default",
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		return err
	}

	logger.Infof("Creating database: %s", cfg.Database)
	err = conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", cfg.Database))
	conn.Close()
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}

	conn, err = repository.Connect(ctx, repository.Options{
		Addr:     cfg.Addr(),
		Database: cfg.Database,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("failed to reconnect to database: %w", err)
	}
	defer conn.Close()

	return createSchema(ctx, conn, logger)
}

func createSchema(ctx context.Context, conn driver.Conn, logger *logrus.Logger) error {
	logger.Info("Creating klines table...")
	if err := conn.Exec(ctx, createKLines); err != nil {
		return fmt.Errorf("failed to create klines table: %w", err)
	}

	for _, idx := range indexes {
		if err := conn.Exec(ctx, idx); err != nil {
			logger.WithError(err).Warn("Failed to create index")
		}
	}
	logger.Info("Indexes created")
	return nil
}
