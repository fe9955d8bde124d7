package app

import (
	"context"
	"fmt"
	"sort"

	"kline-hub/internal/cache"
	"kline-hub/internal/config"
	"kline-hub/internal/converter"
	"kline-hub/internal/exchange"
	"kline-hub/internal/notify"
	"kline-hub/internal/ratelimit"
	"kline-hub/internal/repository"
	"kline-hub/internal/rest"
	"kline-hub/internal/services/kline"
	"kline-hub/internal/services/source"
	"kline-hub/internal/socket"
	"kline-hub/internal/store"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Options selects which parts of the process are built.
type Options struct {
	// Streaming builds the exchange WebSocket adapters and the downstream
	// stream server. The backfill CLI leaves it off.
	Streaming bool
}

// App holds the wired components of one process.
type App struct {
	Config *config.Config
	Logger *logrus.Logger

	Store        *store.BoltStore
	Redis        *redis.Client
	Archive      *repository.KLineRepository
	Events       *notify.EventNotifier
	Stream       *notify.StreamNotifier
	StreamServer *socket.Server
	Notifier     *notify.Composite
	Limiters     *ratelimit.Manager
	KLines       *kline.Service
	Sources      *source.Manager

	closers []func()
}

// New connects the store and every enabled backend and wires the kline
// service and data-source manager. On error everything opened so far is
// closed.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Limiters: ratelimit.NewManager()}
	if err := a.build(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.Config
	st, err := store.Open(cfg.Store.DataDir, cfg.Store.Timeout, a.Logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.Store = st
	a.onClose(func() { _ = st.Close() })

	if err := a.connectBackends(ctx); err != nil {
		return err
	}
	a.buildNotifiers(opts)

	var svcOpts []kline.Option
	if cfg.Cache.Enabled && a.Redis != nil {
		latest := cache.NewLatestCache(a.Redis, cfg.Cache.LatestTTL, a.Logger)
		a.onClose(latest.Listen(a.Events))
		svcOpts = append(svcOpts, kline.WithLatestCache(latest))
	}
	if a.Archive != nil {
		svcOpts = append(svcOpts, kline.WithArchive(a.Archive))
	}
	svcOpts = append(svcOpts, kline.WithRateLimits(a.Limiters))
	a.KLines = kline.NewService(a.Store, a.Notifier, cfg.Service, a.Logger, svcOpts...)

	a.Sources = source.NewManager(converter.DefaultRegistry(), a.KLines, a.Logger)
	a.onClose(a.Sources.Close)
	return a.buildSources(opts)
}

func (a *App) connectBackends(ctx context.Context) error {
	cfg := a.Config
	if cfg.Notify.RedisEnabled || cfg.Cache.Enabled {
		a.Logger.Info("Connecting to Redis...")
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.onClose(func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		a.Redis = client
		a.Logger.Info("Redis connected successfully")
	}

	if cfg.Notify.ClickHouseEnabled {
		a.Logger.Info("Connecting to ClickHouse...")
		conn, err := repository.Connect(ctx, repository.Options{
			Addr:     cfg.ClickHouse.Addr(),
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		a.onClose(func() { _ = conn.Close() })
		a.Archive = repository.NewKLineRepository(conn, a.Logger)
		a.Logger.Info("ClickHouse connected successfully")
	}
	return nil
}

func (a *App) buildNotifiers(opts Options) {
	cfg := a.Config
	a.Notifier = notify.NewComposite(a.Logger)
	a.onClose(func() { _ = a.Notifier.Close() })

	// The latest cache listens on the event bus, so it forces the bus on.
	if cfg.Notify.EventEnabled || cfg.Cache.Enabled {
		a.Events = notify.NewEventNotifier(a.Logger)
		a.Notifier.Add(a.Events)
	}
	if cfg.Notify.RedisEnabled && a.Redis != nil {
		a.Notifier.Add(notify.NewRedisNotifier(a.Redis, cfg.Redis.PubSubChannel, a.Logger))
	}
	if cfg.Notify.RabbitMQEnabled {
		rmq, err := notify.DialRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.Notify.RabbitMQTopic, a.Logger)
		if err != nil {
			// The broker is optional; the other channels keep running.
			a.Logger.WithError(err).Warn("RabbitMQ notifier disabled")
		} else {
			a.Notifier.Add(rmq)
		}
	}
	if a.Archive != nil {
		a.Notifier.Add(notify.NewClickHouseNotifier(a.Archive))
	}
	if opts.Streaming && cfg.Notify.StreamEnabled && cfg.Socket.Server.Enabled {
		a.Stream = notify.NewStreamNotifier(a.Logger)
		a.StreamServer = socket.NewServer(socket.ServerConfig{
			Path:                cfg.Socket.Server.Path,
			MaxConnections:      cfg.Socket.Server.MaxConnections,
			MaxFrameSize:        int64(cfg.Socket.Server.MaxFrameSize),
			HeartbeatInterval:   cfg.Socket.Server.HeartbeatInterval,
			MaxMissedHeartbeats: cfg.Socket.Server.MaxMissedHeartbeats,
		}, a.Stream, a.Logger)
		a.Stream.Attach(a.StreamServer.Registry())
		a.Notifier.Add(a.Stream)
	}

	a.Logger.WithField("channels", a.Notifier.ActiveTypes()).Info("Notification channels ready")
}

func (a *App) buildSources(opts Options) error {
	cfg := a.Config
	items := cfg.Exchange.Items()
	codes := make([]string, 0, len(items))
	for code := range items {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	for _, code := range codes {
		item := items[code]
		if !item.Enabled {
			continue
		}
		restLimiter := a.Limiters.Register(code+":rest", item.RequestsPerSecond, item.Burst)
		client, err := rest.New(code, item.APIURL, a.Logger, rest.WithLimiter(restLimiter))
		if err != nil {
			return err
		}
		a.Sources.AddClient(client)

		if !opts.Streaming {
			continue
		}
		binding, err := exchange.NewBinding(code)
		if err != nil {
			return err
		}
		wsLimiter := a.Limiters.Register(code+":ws", item.RequestsPerSecond, item.Burst)
		a.Sources.AddAdapter(exchange.NewAdapter(binding, a.adapterConfig(item), wsLimiter, a.Logger))
		a.Logger.WithField("exchange", code).Info("Exchange source registered")
	}
	return nil
}

func (a *App) adapterConfig(item config.ExchangeItem) exchange.AdapterConfig {
	sc := a.Config.Socket
	cc := socket.ClientConfig{
		ConnectTimeout:      sc.Client.ConnectTimeout,
		MaxFrameSize:        int64(sc.Client.MaxFrameSize),
		HeartbeatInterval:   item.HeartbeatInterval,
		MaxMissedHeartbeats: sc.Client.MaxMissedHeartbeats,
		AutoReconnect:       item.AutoReconnect && sc.Reconnect.Enabled,
		ReconnectPolicy: &socket.ExponentialBackoffPolicy{
			InitialDelay: sc.Reconnect.InitialDelay,
			MaxDelay:     sc.Reconnect.MaxDelay,
			Multiplier:   sc.Reconnect.Multiplier,
			MaxAttempts:  sc.Reconnect.MaxAttempts,
		},
	}
	if cc.HeartbeatInterval <= 0 {
		cc.HeartbeatInterval = sc.Client.HeartbeatInterval
	}
	return exchange.AdapterConfig{
		URL:    item.WSURL,
		Client: cc,
		Pool: socket.PoolConfig{
			MaxTotal:         sc.Pool.MaxTotal,
			MaxIdle:          sc.Pool.MaxIdle,
			MinIdle:          sc.Pool.MinIdle,
			MaxWait:          sc.Pool.MaxWait,
			EvictionInterval: sc.Pool.EvictionInterval,
			MinEvictableIdle: sc.Pool.MinEvictableIdle,
			TestOnBorrow:     true,
		},
	}
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases everything in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
