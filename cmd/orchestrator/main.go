package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ordersaga/cmd/orchestrator/config"
	grpcadapter "ordersaga/internal/adapters/grpc"
	"ordersaga/internal/adapters/httpx"
	"ordersaga/internal/broadcast"
	"ordersaga/internal/bus"
	"ordersaga/internal/engine"
	"ordersaga/internal/gateway"
	"ordersaga/internal/listener"
	"ordersaga/internal/logging"
	"ordersaga/internal/observability"
	"ordersaga/internal/outbox"
	"ordersaga/internal/recovery"
	"ordersaga/internal/reliability"
	"ordersaga/internal/saga"
	"ordersaga/internal/telemetry"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const serviceName = "order-saga"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()
	cfg, err := config.Load()
	logger := logging.New(os.Stdout, serviceName, cfg.LogLevel)
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		logger.Warn().Err(envErr).Msg("load .env")
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("orchestrator stopped")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	shutdownTracer, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Env,
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown tracer")
		}
	}()

	metrics := observability.NewMetrics()

	store, dbPing, closeStore, err := buildStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	producer := bus.NewProducer(bus.ProducerConfig{
		Brokers:      cfg.Kafka.Brokers,
		WriteTimeout: cfg.Kafka.WriteTimeout,
		BatchTimeout: cfg.Kafka.BatchTimeout,
	}, logger)
	defer func() {
		if err := producer.Close(); err != nil {
			logger.Error().Err(err).Msg("close producer")
		}
	}()

	checks := map[string]httpx.CheckFunc{}
	if dbPing != nil {
		checks["postgres"] = dbPing
	}

	hub := broadcast.NewHub(logger, broadcast.WithWriteTimeout(cfg.HTTP.FeedWriteTimeout))
	sinks := []broadcast.Sink{producer, hub}
	if cfg.Redis != nil {
		redisSink, redisPing, closeRedis, err := buildRedisSink(ctx, *cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer closeRedis()
		sinks = append(sinks, redisSink)
		checks["redis"] = redisPing
	}

	box := outbox.New(store, producer, outbox.WithMetrics(metrics), outbox.WithLogger(logger))
	deps := gateway.Deps{
		Instances:  store,
		Work:       store,
		Dispatcher: box,
		Logger:     logger,
	}
	eng, err := engine.New(store, []saga.ActionProvider{
		gateway.NewPaymentGateway(deps),
		gateway.NewInventoryGateway(deps),
		gateway.NewDeadLetterGateway(deps, metrics),
	},
		engine.WithNotifier(broadcast.NewMulti(sinks...)),
		engine.WithMetrics(metrics),
		engine.WithLogger(logger),
		engine.WithNotifyTimeout(cfg.NotifyTimeout),
	)
	if err != nil {
		return err
	}

	handlers := listener.New(eng, store, store,
		listener.WithMetrics(metrics),
		listener.WithLogger(logger),
	).Handlers()
	consumer := bus.NewConsumer(bus.NewReader(bus.ConsumerConfig{
		Brokers: cfg.Kafka.Brokers,
		GroupID: cfg.Kafka.GroupID,
		MaxWait: cfg.Kafka.MaxWait,
	}), handlers, cfg.Reliability.Consumer, producer, metrics, logger)
	defer func() {
		if err := consumer.Close(); err != nil {
			logger.Error().Err(err).Msg("close consumer")
		}
	}()

	scheduler, err := buildScheduler(cfg, store, eng, producer, metrics, logger)
	if err != nil {
		return err
	}

	router := httpx.NewRouter(httpx.NewHandler(store, checks, logger), httpx.RouterConfig{
		Metrics: metrics.Handler(),
		Feed:    hub,
		Logger:  logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcSrv := grpcadapter.NewServer(grpcadapter.ServerConfig{
		Limiter:    buildLimiter(cfg.GRPC, metrics),
		Metrics:    metrics,
		Logger:     logger,
		Reflection: cfg.Env != "production",
	})
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		logger.Info().Str("addr", httpSrv.Addr).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpcpkg.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		grpcSrv.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	grpcSrv.SetServing(true)
	logger.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("order saga orchestrator started")

	err = g.Wait()
	logger.Info().Msg("order saga orchestrator stopped")
	return err
}

func buildScheduler(cfg config.Config, store sagaStore, eng *engine.Engine, producer *bus.Producer, metrics *observability.Metrics, logger zerolog.Logger) (*recovery.Scheduler, error) {
	sweeper := recovery.NewSweeper(store, store, eng, recovery.Config{
		StaleAfter: cfg.Recovery.StaleAfter,
		BatchSize:  cfg.Recovery.BatchSize,
	}, metrics, logger)
	relay := outbox.NewRelay(store, producer, reliability.NewGuard(cfg.Reliability.Relay), outbox.RelayConfig{
		StaleAfter: cfg.Relay.StaleAfter,
		BatchSize:  cfg.Relay.BatchSize,
	}, metrics, logger)

	scheduler := recovery.NewScheduler(logger)
	if err := scheduler.Add("saga-recovery", cfg.Recovery.Schedule, sweeper.Sweep); err != nil {
		return nil, err
	}
	if err := scheduler.Add("outbox-relay", cfg.Relay.Schedule, relay.Sweep); err != nil {
		return nil, err
	}
	return scheduler, nil
}

func buildLimiter(cfg config.GRPCConfig, metrics *observability.Metrics) grpcadapter.Limiter {
	if cfg.RateLimitInterval <= 0 || cfg.RateLimitBurst <= 0 {
		return nil
	}
	return reliability.NewRateLimiter(cfg.RateLimitInterval, cfg.RateLimitBurst).OnWait(metrics.AddRateLimitWait)
}
