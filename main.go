package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"danmakugo/internal/config"
	"danmakugo/internal/database/db_client"
	"danmakugo/internal/filter"
	"danmakugo/internal/http/http_server"
	"danmakugo/internal/http/roomhandler"
	"danmakugo/internal/limiter"
	"danmakugo/internal/redis/redis_client"
	"danmakugo/internal/services/admission"
	"danmakugo/internal/services/dispatch"
	"danmakugo/internal/store"
	"danmakugo/internal/ws"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var Log = zap.NewNop()

func newLogger(format string) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if format == "json" {
		l, err = zap.NewProduction()
	} else {
		l, err = zap.NewDevelopment()
	}
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func main() {
	// 1. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		zap.NewExample().Fatal("Failed to load configuration", zap.Error(err))
	}

	Log = newLogger(cfg.LogFormat)
	defer Log.Sync()
	zap.ReplaceGlobals(Log)
	Log.Debug("Configuration loaded successfully", zap.Any("config", cfg.Redacted()))

	// 2. Context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	// 3. Redis, only when counters or fan-out live there
	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		redisClient, err = redis_client.NewRedisClient(cfg.RedisHost, int(cfg.RedisPort), cfg.RedisPassword, cfg.RedisDb)
		if err != nil {
			Log.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()
		Log.Debug("Redis client created successfully")
	}

	g, gctx := errgroup.WithContext(ctx)

	// 4. Counter store + limiters
	var counters limiter.CounterStore
	if cfg.CounterBackend == config.BackendMemory {
		mem := limiter.NewMemoryStore(nil)
		g.Go(func() error { mem.RunJanitor(gctx, cfg.MemorySweepEvery); return nil })
		counters = mem
	} else {
		counters = limiter.NewRedisStore(redisClient, limiter.DefaultKeyPrefix)
	}
	policy := limiter.FailClosed
	if cfg.LimiterFailOpen {
		policy = limiter.FailOpen
	}
	rateLimiter := limiter.NewRateLimiter(counters, limiter.WithFailurePolicy(policy))
	dupSuppressor := limiter.NewDuplicateSuppressor(counters, limiter.WithFailurePolicy(policy))

	// 5. Sensitive-word filter, optionally hot-reloaded from a YAML file
	var words []string
	if cfg.WordsFile != "" {
		if words, err = filter.LoadWordFile(cfg.WordsFile); err != nil {
			Log.Fatal("Failed to load words file", zap.String("path", cfg.WordsFile), zap.Error(err))
		}
	}
	wordFilter := filter.New(words, []rune(cfg.MaskChar)[0])
	Log.Info("filter.loaded", zap.Int("words", wordFilter.Len()))
	if cfg.WordsFile != "" && cfg.WordsWatch {
		g.Go(func() error {
			err := filter.WatchWordFile(gctx, cfg.WordsFile, func(fresh []string) {
				Log.Info("filter.reloaded", zap.Int("words", wordFilter.ReloadBase(fresh)))
			})
			if err != nil {
				Log.Warn("filter.watch_disabled", zap.Error(err))
			}
			return nil
		})
	}

	// 6. Admission pipeline
	pipeline := admission.New(admission.Config{
		SenderLimit:      cfg.SenderRateLimit,
		SenderWindow:     cfg.SenderRateWindow,
		RoomLimit:        cfg.RoomRateLimit,
		RoomWindow:       cfg.RoomRateWindow,
		DupMaxRepeats:    cfg.DupMaxRepeats,
		DupWindow:        cfg.DupWindow,
		MaxContentLength: cfg.MaxContentLength,
		Policy:           admission.Policy(cfg.FilterPolicy),
	}, rateLimiter, dupSuppressor, wordFilter)

	// 7. Optional Postgres persistence
	var (
		pgDb   *sql.DB
		writer *store.AsyncWriter
		msgs   store.IMessageStore
	)
	dispOpts := []dispatch.Option{}
	if cfg.PersistEnabled {
		pgDb, err = db_client.Open(cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDb)
		if err != nil {
			Log.Fatal("pg-open", zap.Error(err))
		}
		defer pgDb.Close()

		msgs = store.NewMessageStore(pgDb)
		if err := msgs.EnsureSchema(ctx); err != nil {
			Log.Fatal("pg-schema", zap.Error(err))
		}
		writer = store.NewAsyncWriter(msgs, cfg.PersistWorkers, cfg.PersistBuffer)
		dispOpts = append(dispOpts, dispatch.WithPersister(writer))
	}

	// 8. Rooms, WebSockets hub + broadcaster
	registry := dispatch.NewRegistry(nil)
	hub := ws.NewHub(registry)
	var (
		broadcaster dispatch.Broadcaster = hub
		subMgr      *ws.SubscriptionManager
	)
	if cfg.FanoutMode == config.FanoutRedis {
		broadcaster = ws.NewRedisFanout(redisClient, hub)
		subMgr = ws.NewSubscriptionManager(redisClient, hub)
	}

	dispatcher := dispatch.New(registry, pipeline, broadcaster, dispatch.Config{
		Tick:                  cfg.DispatchTick,
		BatchSize:             cfg.DispatchBatchSize,
		BackpressureThreshold: cfg.BackpressureThreshold,
		Workers:               cfg.DispatchWorkers,
		MessageTimeout:        cfg.MessageTimeout,
	}, dispOpts...)
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(ctx)
	}()

	// 9. Initialize the WS server
	wsSrv := ws.NewWsServer(hub, dispatcher, subMgr, ws.Options{
		InboundRate:  cfg.WsInboundRate,
		InboundBurst: cfg.WsInboundBurst,
	})

	// 10. HTTP + WS server
	handlerOpts := []roomhandler.Option{
		roomhandler.WithAdminToken(cfg.AdminToken),
		roomhandler.WithStats("connections", func() any { return hub.Len() }),
	}
	if redisClient != nil {
		handlerOpts = append(handlerOpts, roomhandler.WithHealthCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}
	if pgDb != nil {
		handlerOpts = append(handlerOpts,
			roomhandler.WithHistory(msgs),
			roomhandler.WithStats("persist", func() any { return writer.Stats() }),
			roomhandler.WithHealthCheck("postgres", pgDb.PingContext),
		)
	}
	rooms := roomhandler.New(dispatcher, wordFilter, cfg.MaxContentLength, handlerOpts...)

	httpServer := http_server.NewHttpServer(ctx, cfg.HttpServerPort, wsSrv, rooms)
	g.Go(httpServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		return httpServer.Dispose()
	})

	if err := g.Wait(); err != nil {
		Log.Error("shutdown_with_error", zap.Error(err))
	}
	stop()

	// the dispatcher finishes its in-flight batch before persistence is flushed
	select {
	case <-dispatchDone:
	case <-time.After(10 * time.Second):
		Log.Warn("dispatch.shutdown_timeout")
	}
	if writer != nil {
		writer.Close()
	}
	Log.Info("shutdown complete", zap.Any("stats", dispatcher.Stats()))
}
