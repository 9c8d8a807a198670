package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Aidin1998/pincex_autoclose/internal/chain"
	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/executor"
	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/notify"
	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/repository"
	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/swaprouter"
	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/trigger"
	"github.com/Aidin1998/pincex_autoclose/internal/config"
	"github.com/Aidin1998/pincex_autoclose/internal/database"
	"github.com/Aidin1998/pincex_autoclose/internal/infrastructure/messaging"
	"github.com/Aidin1998/pincex_autoclose/internal/pricefeed"
	"github.com/Aidin1998/pincex_autoclose/internal/server"
	"github.com/Aidin1998/pincex_autoclose/pkg/logger"
	"github.com/Aidin1998/pincex_autoclose/pkg/telemetry"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	bootstrap, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	var paths []string
	if *configPath != "" {
		paths = append(paths, *configPath)
	}
	cfg, err := config.Load(bootstrap, paths...)
	if err != nil {
		bootstrap.Fatal("Failed to load configuration", zap.Error(err))
	}

	zapLogger, err := logger.NewLogger(cfg.Log)
	if err != nil {
		bootstrap.Fatal("Failed to create logger", zap.Error(err))
	}
	defer zapLogger.Sync()
	zapLogger = zapLogger.With(zap.String("env", cfg.Environment))

	if err := run(cfg, zapLogger); err != nil {
		zapLogger.Error("Service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	db, err := database.Open(cfg.Database)
	if err != nil {
		return err
	}
	if err := repository.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	store := repository.NewGormStore(db, zapLogger)

	gateway, err := chain.NewEVMGateway(ctx, evmChains(cfg), zapLogger)
	if err != nil {
		return fmt.Errorf("chain gateway: %w", err)
	}
	defer gateway.Close()

	broker, err := newBroker(ctx, cfg, zapLogger)
	if err != nil {
		return err
	}
	defer broker.Close()

	topics := brokerTopics(cfg)
	notifier := notify.NewNotifier(broker, topics.Events, zapLogger)

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				zapLogger.Error("Component stopped with error", zap.String("component", name), zap.Error(err))
				stop()
			}
		}()
	}

	var monitor *trigger.Monitor
	if cfg.Monitor.Enabled {
		feed, err := newFeed(ctx, cfg, zapLogger)
		if err != nil {
			return err
		}
		monitor = trigger.NewMonitor(trigger.Config{
			SyncInterval: cfg.Monitor.SyncInterval,
			TriggerTopic: topics.Trigger,
			RefireAfter:  cfg.Executor.LeaseTimeout,
			RearmAfter:   cfg.Broker.RetryDelay,
		}, store, store, gateway, feed, broker, notifier, zapLogger)
		start("trigger-monitor", monitor.Run)

		if cfg.Redis.Enabled {
			rdb, err := database.NewRedisClient(cfg.Redis)
			if err != nil {
				// the periodic sync still covers new orders
				zapLogger.Warn("Redis unavailable, wake-ups disabled", zap.Error(err))
			} else {
				defer rdb.Close()
				wakeup := trigger.NewRedisWakeup(rdb, cfg.Redis.WakeupChannel, monitor, zapLogger)
				start("redis-wakeup", wakeup.Run)
			}
		}
	}

	if cfg.Executor.Enabled {
		router := swaprouter.NewHTTPRouter(cfg.SwapRouter.BaseURL, cfg.SwapRouter.Timeout, zapLogger)
		exec := executor.NewExecutor(executor.Config{
			Workers:              cfg.Executor.Workers,
			MaxAttempts:          cfg.Executor.MaxAttempts,
			LeaseTimeout:         cfg.Executor.LeaseTimeout,
			RetryDelay:           cfg.Broker.RetryDelay,
			SuspendOnConfigError: cfg.Executor.SuspendOnConfigError,
			FeeRecipient:         cfg.Executor.FeeRecipient,
			FeeBps:               cfg.Executor.FeeBps,
			TriggerTopic:         topics.Trigger,
		}, store, store, store, gateway, router, notifier, zapLogger)
		start("executor", func(ctx context.Context) error { return exec.Run(ctx, broker) })
		start("retry-relay", broker.RunRetryRelay)
	}

	var syncer server.Syncer
	if monitor != nil {
		syncer = monitor
	}
	admin := server.NewServer(cfg.Server.Addr, zapLogger, store, broker, syncer)
	go func() {
		if err := admin.Start(); err != nil {
			zapLogger.Error("Admin server failed", zap.Error(err))
			stop()
		}
	}()

	zapLogger.Info("Autoclose service started",
		zap.Bool("monitor", cfg.Monitor.Enabled),
		zap.Bool("executor", cfg.Executor.Enabled),
		zap.String("broker", cfg.Broker.Driver),
		zap.Int("chains", len(cfg.Chains)))

	<-ctx.Done()
	zapLogger.Info("Shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := admin.Shutdown(sctx); err != nil {
		zapLogger.Warn("Admin server shutdown", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-sctx.Done():
		zapLogger.Warn("Timed out waiting for in-flight jobs")
	}
	return nil
}

func evmChains(cfg *config.Config) []chain.EVMChainConfig {
	out := make([]chain.EVMChainConfig, 0, len(cfg.Chains))
	for _, c := range cfg.Chains {
		out = append(out, chain.EVMChainConfig{
			ID:                  c.ID,
			Name:                c.Name,
			RPCURL:              c.RPCURL,
			PositionManager:     c.PositionManager,
			ConfirmationTimeout: c.ConfirmationTimeout,
			OperatorKey:         c.OperatorKey(),
		})
	}
	return out
}

func brokerTopics(cfg *config.Config) messaging.Topics {
	return messaging.Topics{
		Trigger: messaging.Topic(cfg.Broker.Kafka.TriggerTopic),
		Retry:   messaging.Topic(cfg.Broker.Kafka.RetryTopic),
		Events:  messaging.Topic(cfg.Broker.Kafka.EventsTopic),
	}
}

func newBroker(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) (messaging.Broker, error) {
	topics := brokerTopics(cfg)
	if cfg.Broker.Driver == "memory" {
		return messaging.NewMemoryBroker(topics, cfg.Broker.RetryDelay, zapLogger), nil
	}

	kcfg := messaging.DefaultKafkaConfig()
	kcfg.Brokers = cfg.Broker.Kafka.Brokers
	kcfg.ConsumerGroupPrefix = cfg.Broker.Kafka.ConsumerGroupPrefix
	kcfg.Topics = topics
	kcfg.RetryDelay = cfg.Broker.RetryDelay

	if cfg.Broker.Kafka.CreateTopics {
		admin, err := messaging.NewKafkaAdminClient(ctx, kcfg.Brokers, zapLogger)
		if err != nil {
			return nil, fmt.Errorf("kafka admin: %w", err)
		}
		tcfg := messaging.DefaultTopicConfig()
		if cfg.Broker.Kafka.Partitions > 0 {
			tcfg.Partitions = cfg.Broker.Kafka.Partitions
		}
		if cfg.Broker.Kafka.ReplicationFactor > 0 {
			tcfg.ReplicationFactor = cfg.Broker.Kafka.ReplicationFactor
		}
		err = admin.EnsureTopics(topics.All(), tcfg)
		_ = admin.Close()
		if err != nil {
			return nil, fmt.Errorf("ensure topics: %w", err)
		}
	}
	return messaging.NewKafkaBroker(kcfg, zapLogger)
}

func newFeed(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) (pricefeed.Source, error) {
	if cfg.Monitor.Feed == "relay" {
		rcfg := pricefeed.DefaultRelayConfig()
		return pricefeed.NewRelaySource(cfg.Monitor.RelayURL, &rcfg, zapLogger), nil
	}
	endpoints := make(map[int64]string, len(cfg.Chains))
	for _, c := range cfg.Chains {
		if c.WSURL != "" {
			endpoints[c.ID] = c.WSURL
		}
	}
	feed, err := chain.NewLogFeed(ctx, endpoints, zapLogger)
	if err != nil {
		return nil, fmt.Errorf("log feed: %w", err)
	}
	return feed, nil
}
