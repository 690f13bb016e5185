// Package relay 实现中继服务的业务流程：资助、挖矿、领取奖励与压测。
package relay

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"Relay-Faucet/internal/chain"
	xerrors "Relay-Faucet/internal/errors"
	"Relay-Faucet/internal/events"
	"Relay-Faucet/internal/ledger"
	"Relay-Faucet/internal/observability/alerting"
	"Relay-Faucet/internal/observability/metrics"
	"Relay-Faucet/internal/operation"
	"Relay-Faucet/internal/resilience"
	"Relay-Faucet/internal/wallet"
	"Relay-Faucet/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
)

// 执行器标签。
const (
	LabelFund         = "Fund Transaction"
	LabelFundWait     = "Fund Confirmation"
	LabelMining       = "Mining Transaction"
	LabelMiningWait   = "Mining Confirmation"
	LabelClaim        = "Claim Transaction"
	LabelClaimWait    = "Claim Confirmation"
	LabelStatus       = "Status Check"
	LabelStressPrefix = "Stress Test"
)

// 默认参数。
var (
	DefaultFundAmount = big.NewInt(100_000_000_000_000_000) // 0.1 ether
)

const (
	DefaultStressCount = 10
	MaxStressCount     = 100
)

// Chain 是服务依赖的链上能力，*chain.Manager 实现了该接口。
type Chain interface {
	wallet.Chain
	BlockNumber(ctx context.Context) (uint64, error)
	Send(ctx context.Context, req chain.SendRequest) (*coretypes.Transaction, error)
	Operator() common.Address
}

// Service 编排链、钱包池、账本、流水与事件。
type Service struct {
	chain   Chain
	exec    *resilience.Executor
	pool    *wallet.Scheduler
	ledger  *ledger.Ledger
	journal operation.Store
	events  events.Publisher
	alerts  alerting.Dispatcher
	logger  *slog.Logger

	contract    common.Address
	fundAmount  *big.Int
	stressLimit int
	reward      RewardFunc
	now         func() time.Time
	started     time.Time

	bg       context.Context
	cancelBG context.CancelFunc
	pending  sync.WaitGroup
}

// Option 自定义 Service。
type Option func(*Service)

// WithJournal 设置操作流水存储。
func WithJournal(store operation.Store) Option {
	return func(s *Service) {
		if store != nil {
			s.journal = store
		}
	}
}

// WithPublisher 设置结算事件发布器。
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

// WithAlerts 设置告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(s *Service) {
		s.alerts = d
	}
}

// WithMiningContract 设置挖矿合约地址。
func WithMiningContract(addr common.Address) Option {
	return func(s *Service) {
		if addr != (common.Address{}) {
			s.contract = addr
		}
	}
}

// WithFundAmount 设置 /fund 未指定金额时的默认值（wei）。
func WithFundAmount(amount *big.Int) Option {
	return func(s *Service) {
		if amount != nil && amount.Sign() > 0 {
			s.fundAmount = new(big.Int).Set(amount)
		}
	}
}

// WithStressLimit 设置单次压测的最大交易数。
func WithStressLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.stressLimit = n
		}
	}
}

// WithRewardFunc 替换奖励抽取函数。
func WithRewardFunc(fn RewardFunc) Option {
	return func(s *Service) {
		if fn != nil {
			s.reward = fn
		}
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New 创建中继服务。
func New(c Chain, exec *resilience.Executor, pool *wallet.Scheduler, l *ledger.Ledger, opts ...Option) (*Service, error) {
	if c == nil || exec == nil || pool == nil || l == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "中继服务缺少依赖")
	}
	bg, cancel := context.WithCancel(context.Background())
	s := &Service{
		chain:       c,
		exec:        exec,
		pool:        pool,
		ledger:      l,
		journal:     operation.NewMemoryStore(),
		events:      events.NopPublisher{},
		logger:      logger.Named("relay"),
		contract:    common.HexToAddress(DefaultMiningContract),
		fundAmount:  new(big.Int).Set(DefaultFundAmount),
		stressLimit: MaxStressCount,
		reward:      DrawReward,
		now:         time.Now,
		bg:          bg,
		cancelBG:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()
	return s, nil
}

// Shutdown 等待所有后台结算结束；ctx 到期后取消剩余的结算。
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
		err = s.pool.Wait(ctx)
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.cancelBG()
	return err
}

// StatusResult 描述中继当前状态。
type StatusResult struct {
	RelayerAddress      string       `json:"relayerAddress"`
	Balance             string       `json:"balance"`
	BlockNumber         uint64       `json:"blockNumber"`
	Timestamp           string       `json:"timestamp"`
	Uptime              float64      `json:"uptime"`
	NetworkRetryEnabled bool         `json:"networkRetryEnabled"`
	Pool                wallet.Stats `json:"pool"`
}

// Status 查询中继账户余额与最新区块高度。
func (s *Service) Status(ctx context.Context) (*StatusResult, error) {
	type snapshot struct {
		balance *big.Int
		height  uint64
	}
	operator := s.chain.Operator()
	snap, _, err := resilience.Execute(ctx, s.exec, LabelStatus, func(ctx context.Context) (snapshot, error) {
		balance, err := s.chain.Balance(ctx, operator)
		if err != nil {
			return snapshot{}, err
		}
		height, err := s.chain.BlockNumber(ctx)
		if err != nil {
			return snapshot{}, err
		}
		return snapshot{balance: balance, height: height}, nil
	})
	if err != nil {
		alerting.Raise(ctx, s.alerts, LabelStatus, "", err)
		return nil, err
	}
	now := s.now()
	return &StatusResult{
		RelayerAddress:      operator.Hex(),
		Balance:             FormatEther(snap.balance),
		BlockNumber:         snap.height,
		Timestamp:           now.UTC().Format(time.RFC3339),
		Uptime:              now.Sub(s.started).Seconds(),
		NetworkRetryEnabled: true,
		Pool:                s.pool.Stats(),
	}, nil
}

// Operations 返回操作流水。
func (s *Service) Operations(ctx context.Context, opts ...operation.ListOption) ([]*operation.Record, error) {
	return s.journal.List(ctx, opts...)
}

// Operation 返回单条操作流水。
func (s *Service) Operation(ctx context.Context, id string) (*operation.Record, error) {
	return s.journal.Get(ctx, id)
}

// RecentEvents 返回最近的结算事件；发布器不支持回放时返回空。
func (s *Service) RecentEvents(limit int) []events.Event {
	if r, ok := s.events.(events.Recorder); ok {
		return r.Recent(limit)
	}
	return nil
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "Invalid address",
			xerrors.WithMetadata("address", raw))
	}
	return common.HexToAddress(raw), nil
}

// track 在后台运行一个可被 Shutdown 等待的任务。
func (s *Service) track(fn func(ctx context.Context)) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("后台任务异常", slog.Any("panic", r))
			}
		}()
		fn(s.bg)
	}()
}

// journalCreate 记录一笔操作；失败只记录日志并告警。
func (s *Service) journalCreate(ctx context.Context, rec *operation.Record) {
	if err := s.journal.Create(ctx, rec); err != nil {
		s.logger.Error("写入操作流水失败", slog.String("operation_id", rec.ID), slog.Any("error", err))
		alerting.Raise(ctx, s.alerts, string(rec.Kind), rec.ID, err)
	}
}

// settle 更新流水、发布事件并记录结算指标。
func (s *Service) settle(ctx context.Context, rec *operation.Record, receipt *coretypes.Receipt, cause error) {
	outcome := operation.Outcome{Status: operation.StatusConfirmed}
	if receipt != nil && receipt.BlockNumber != nil {
		outcome.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if cause != nil {
		outcome.Status = operation.StatusFailed
		outcome.ErrorCode = string(xerrors.CodeOf(cause))
		outcome.LastError = cause.Error()
	}
	if err := s.journal.Complete(ctx, rec.ID, outcome); err != nil {
		s.logger.Error("更新操作流水失败", slog.String("operation_id", rec.ID), slog.Any("error", err))
		alerting.Raise(ctx, s.alerts, string(rec.Kind), rec.ID, err)
	}
	metrics.ObserveSettlement(string(rec.Kind), string(outcome.Status))

	event := events.Event{
		OperationID: rec.ID,
		Kind:        string(rec.Kind),
		TxHash:      rec.TxHash,
		Wallet:      rec.Wallet,
		User:        rec.User,
		Reward:      rec.Reward,
		Status:      string(outcome.Status),
		Error:       outcome.LastError,
		BlockNumber: outcome.BlockNumber,
		OccurredAt:  s.now().UTC(),
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("发布结算事件失败", slog.String("operation_id", rec.ID), slog.Any("error", err))
		alerting.Raise(ctx, s.alerts, string(rec.Kind), rec.ID, err)
	}
}

func newOperationID() string {
	return uuid.NewString()
}
