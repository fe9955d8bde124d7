package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"kline-hub/internal/api"
	"kline-hub/internal/app"
	"kline-hub/internal/config"
	grpcServer "kline-hub/internal/grpc"
	"kline-hub/internal/logging"
	"kline-hub/internal/services/source"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal("Failed to load config: ", err)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatal("Invalid config: ", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logrus.Fatal("Failed to set up logging: ", err)
	}
	logger.Infof("Starting kline-hub v%s...", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("Server stopped with error")
	}
	logger.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	a, err := app.New(ctx, cfg, logger, app.Options{Streaming: true})
	if err != nil {
		return err
	}
	defer a.Close()

	var apiOpts []api.Option
	apiOpts = append(apiOpts, api.WithVersion(version))
	if a.StreamServer != nil {
		apiOpts = append(apiOpts, api.WithStream(cfg.Socket.Server.Path, a.StreamServer.Handler()))
	}
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: api.NewHandler(a.KLines, a.Sources, logger, apiOpts...).Routes(),
	}
	grpcSrv := grpcServer.NewServer(cfg.Server.GRPCPort, a.Sources, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infof("HTTP server listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := grpcSrv.Start(); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		subs := source.LoadSubscriptionsWithFallback(cfg.Service.SubscriptionsFile)
		applied := a.Sources.Apply(gctx, subs)
		logger.WithField("subscriptions", applied).Info("Startup subscriptions applied")
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		a.Sources.Close()
		if a.StreamServer != nil {
			if err := a.StreamServer.Stop(shutdownCtx); err != nil {
				logger.WithError(err).Warn("Stream server shutdown incomplete")
			}
		}
		grpcSrv.Stop()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
