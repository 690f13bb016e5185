package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Relay-Faucet/internal/api"
	"Relay-Faucet/internal/auth"
	"Relay-Faucet/internal/chain"
	"Relay-Faucet/internal/config"
	"Relay-Faucet/internal/events"
	"Relay-Faucet/internal/ledger"
	"Relay-Faucet/internal/observability/alerting"
	"Relay-Faucet/internal/observability/metrics"
	"Relay-Faucet/internal/operation"
	"Relay-Faucet/internal/relay"
	"Relay-Faucet/internal/resilience"
	"Relay-Faucet/internal/wallet"
	"Relay-Faucet/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// main 是中继守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("relayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	runLog := logger.Named("relayd")

	urls, chainID, contract, err := cfg.Endpoints()
	if err != nil {
		return err
	}

	exec := resilience.New(resilience.WithPolicy(resilience.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BaseDelay:      time.Duration(cfg.Retry.BaseDelayMillis) * time.Millisecond,
		MaxDelay:       time.Duration(cfg.Retry.MaxDelayMillis) * time.Millisecond,
		AttemptTimeout: time.Duration(cfg.Retry.AttemptTimeoutSeconds) * time.Second,
		MaxJitter:      time.Duration(cfg.Retry.MaxJitterMillis) * time.Millisecond,
	}))

	operatorKey, err := chain.ParsePrivateKey(cfg.Chain.OperatorKey)
	if err != nil {
		return err
	}
	mgr, err := chain.NewManager(exec, operatorKey,
		chain.WithExpectedChainID(chainID),
		chain.WithPollInterval(cfg.Chain.PollInterval()),
	)
	if err != nil {
		return err
	}
	defer mgr.Close()
	if err := mgr.ConnectAny(ctx, urls); err != nil {
		return err
	}

	pool, err := buildPool(cfg, mgr, exec)
	if err != nil {
		return err
	}

	store, closeStore, err := buildLedgerStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	lockTTL := relay.WithdrawalLockTTL(exec.Policy())
	if configured := time.Duration(cfg.Ledger.LockTTLSeconds) * time.Second; configured > lockTTL {
		lockTTL = configured
	}
	book := ledger.New(store, ledger.WithLockTTL(lockTTL))

	journal, err := buildJournal(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := journal.Close(); err != nil {
			runLog.Warn("关闭操作流水失败", slog.Any("error", err))
		}
	}()

	publisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			runLog.Warn("关闭事件发布器失败", slog.Any("error", err))
		}
	}()

	fundAmount, err := relay.ParseEther(cfg.Relay.FundAmount)
	if err != nil {
		return fmt.Errorf("relay.fund_amount 无效: %w", err)
	}
	opts := []relay.Option{
		relay.WithJournal(journal),
		relay.WithPublisher(publisher),
		relay.WithAlerts(buildAlerts(cfg)),
		relay.WithFundAmount(fundAmount),
		relay.WithStressLimit(cfg.Relay.StressLimit),
	}
	if contract != "" {
		if !common.IsHexAddress(contract) {
			return fmt.Errorf("挖矿合约地址无效: %s", contract)
		}
		opts = append(opts, relay.WithMiningContract(common.HexToAddress(contract)))
	}
	svc, err := relay.New(mgr, exec, pool, book, opts...)
	if err != nil {
		return err
	}

	authSvc, err := auth.NewService(cfg.Auth, os.Getenv)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				runLog.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	runLog.Info("中继服务启动",
		slog.String("relayer", mgr.Operator().Hex()),
		slog.Int("pool_size", pool.Size()),
		slog.String("ledger", cfg.Ledger.Driver),
		slog.String("journal", cfg.Journal.Driver),
		slog.String("events", cfg.Events.Driver))

	server := api.NewServer(cfg.Server.Address, svc,
		api.WithRateLimit(cfg.Server.RateLimitPerMinute, cfg.Server.RateLimitBurst),
		api.WithAuth(authSvc),
		// 独立指标端口启用时不在 API 上重复暴露。
		api.WithMetricsEndpoint(cfg.Metrics.Enabled && cfg.Metrics.Address == ""),
	)
	serveErr := server.Start(ctx)
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		runLog.Error("API 服务异常退出", slog.Any("error", serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		runLog.Warn("等待后台结算超时", slog.Any("error", err))
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	path := os.Getenv("RELAYD_CONFIG")
	explicit := path != ""
	if !explicit {
		path = config.DefaultPath
	}

	var cfg *config.Config
	if _, err := os.Stat(path); err == nil || explicit {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildPool(cfg *config.Config, mgr *chain.Manager, exec *resilience.Executor) (*wallet.Scheduler, error) {
	floor, err := relay.ParseEther(cfg.Pool.FundingFloor)
	if err != nil {
		return nil, fmt.Errorf("pool.funding_floor 无效: %w", err)
	}
	topUp, err := relay.ParseEther(cfg.Pool.TopUpAmount)
	if err != nil {
		return nil, fmt.Errorf("pool.top_up_amount 无效: %w", err)
	}
	identities, err := wallet.GenerateIdentities(cfg.Pool.Size)
	if err != nil {
		return nil, err
	}
	return wallet.NewScheduler(identities,
		wallet.WithBusyWindow(cfg.Pool.BusyWindow()),
		wallet.WithFunding(floor, topUp),
		wallet.WithChain(mgr, exec),
	)
}

func buildLedgerStore(ctx context.Context, cfg *config.Config) (ledger.Store, func(), error) {
	switch cfg.Ledger.Driver {
	case config.DriverMemory:
		return ledger.NewMemoryStore(), func() {}, nil
	case config.DriverRedis:
		store, err := ledger.NewRedisStore(ctx, ledger.RedisStoreConfig{
			Address:  cfg.Ledger.Redis.Address,
			Password: cfg.Ledger.Redis.Password,
			DB:       cfg.Ledger.Redis.DB,
			Prefix:   cfg.Ledger.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}
}

func buildJournal(ctx context.Context, cfg *config.Config) (operation.Store, error) {
	switch cfg.Journal.Driver {
	case config.DriverMemory:
		return operation.NewMemoryStore(), nil
	case config.DriverMySQL:
		return operation.NewMySQLStore(ctx, operation.MySQLConfig{
			DSN:             cfg.Journal.MySQL.DSN,
			MaxOpenConns:    cfg.Journal.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Journal.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Journal.MySQL.ConnMaxLifetimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的流水驱动: %s", cfg.Journal.Driver)
	}
}

// buildPublisher 总是保留内存环形缓冲以支撑 GET /events。
func buildPublisher(ctx context.Context, cfg *config.Config) (events.Publisher, error) {
	if cfg.Events.Driver == config.DriverNone {
		return events.NopPublisher{}, nil
	}
	multi := events.Multi{events.NewMemoryPublisher(cfg.Events.Buffer)}
	switch cfg.Events.Driver {
	case config.DriverMemory:
	case config.DriverRedis:
		p, err := events.NewRedisPublisher(ctx, events.RedisConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			List:     cfg.Events.Redis.List,
			MaxLen:   cfg.Events.Redis.MaxLen,
		})
		if err != nil {
			return nil, err
		}
		multi = append(multi, p)
	case config.DriverRabbitMQ:
		p, err := events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:        cfg.Events.RabbitMQ.URL,
			Queue:      cfg.Events.RabbitMQ.Queue,
			Durable:    cfg.Events.RabbitMQ.Durable,
			AutoDelete: cfg.Events.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return nil, err
		}
		multi = append(multi, p)
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
	}
	return multi, nil
}

func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Alerts.Log {
		notifiers = append(notifiers, alerting.LogNotifier{})
	}
	for _, hook := range cfg.Alerts.Webhooks {
		if hook.URL == "" {
			continue
		}
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: hook.URL, Slack: hook.Slack, Headers: hook.Headers})
	}
	return alerting.NewFanout(notifiers...)
}
