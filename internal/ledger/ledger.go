// Package ledger 维护每个用户地址的待领取奖励余额。
package ledger

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	xerrors "Relay-Faucet/internal/errors"
	"Relay-Faucet/pkg/logger"
)

var (
	// ErrNothingToClaim 表示地址没有可领取的余额。
	ErrNothingToClaim = xerrors.New(xerrors.CodeNothingToClaim, "")
	// ErrWithdrawalInProgress 表示同一地址已有提现在进行中。
	ErrWithdrawalInProgress = xerrors.New(xerrors.CodeWithdrawalInProgress, "")
)

// Entry 是单个地址的账本记录。
type Entry struct {
	Balance *big.Int
	Minings int64
}

// Store 抽象账本的持久化实现。地址在进入 Store 前已统一为小写。
type Store interface {
	// Add 原子地增加余额与挖矿次数。
	Add(ctx context.Context, addr string, amount *big.Int, minings int64) error
	// Get 返回地址的当前记录，不存在时返回零值记录。
	Get(ctx context.Context, addr string) (Entry, error)
	// Deduct 原子地扣减余额，余额不足时返回错误。
	Deduct(ctx context.Context, addr string, amount *big.Int) error
}

// Locker 由支持跨进程互斥的 Store 实现，用于串行化同一地址的提现。
type Locker interface {
	Lock(ctx context.Context, addr string, ttl time.Duration) (unlock func(), err error)
}

// Ledger 是奖励账本。所有方法均可并发调用。
type Ledger struct {
	store   Store
	lockTTL time.Duration
	logger  *slog.Logger

	mu          sync.Mutex
	withdrawals map[string]struct{}
}

// Option 定义账本可选配置。
type Option func(*Ledger)

// WithLockTTL 设置分布式提现锁的过期时间。
func WithLockTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.lockTTL = ttl
		}
	}
}

// WithLogger 设置日志实例。
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.logger = log
		}
	}
}

// New 创建账本；store 为空时使用内存实现。
func New(store Store, opts ...Option) *Ledger {
	if store == nil {
		store = NewMemoryStore()
	}
	l := &Ledger{
		store:       store,
		lockTTL:     2 * time.Minute,
		withdrawals: make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.logger == nil {
		l.logger = logger.Named("ledger")
	}
	return l
}

// Normalize 将地址统一为去空白的小写形式。
func Normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Credit 为地址增加余额。
func (l *Ledger) Credit(ctx context.Context, addr string, amount *big.Int) error {
	return l.add(ctx, addr, amount, 0)
}

// RecordMining 记录一次已确认的挖矿并入账对应奖励（可以为零）。
func (l *Ledger) RecordMining(ctx context.Context, addr string, reward *big.Int) error {
	if reward == nil {
		reward = new(big.Int)
	}
	return l.add(ctx, addr, reward, 1)
}

func (l *Ledger) add(ctx context.Context, addr string, amount *big.Int, minings int64) error {
	key := Normalize(addr)
	if key == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "地址不能为空")
	}
	if amount == nil || amount.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "入账金额不能为负数")
	}
	if err := l.store.Add(ctx, key, amount, minings); err != nil {
		return err
	}
	l.logger.Debug("ledger credited",
		slog.String("address", key),
		slog.String("amount", amount.String()),
		slog.Int64("minings", minings))
	return nil
}

// BalanceOf 返回地址的当前余额，未知地址为零。
func (l *Ledger) BalanceOf(ctx context.Context, addr string) (*big.Int, error) {
	entry, err := l.Stats(ctx, addr)
	if err != nil {
		return nil, err
	}
	return entry.Balance, nil
}

// Stats 返回地址的余额与已确认挖矿次数。
func (l *Ledger) Stats(ctx context.Context, addr string) (Entry, error) {
	key := Normalize(addr)
	if key == "" {
		return Entry{}, xerrors.New(xerrors.CodeInvalidArgument, "地址不能为空")
	}
	entry, err := l.store.Get(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	if entry.Balance == nil {
		entry.Balance = new(big.Int)
	}
	return entry, nil
}

// WithdrawAndZero 读取余额快照并调用 payout 支付。仅在 payout 成功后扣减
// 恰好等于快照的金额，支付期间到账的奖励得以保留。同一地址的提现互斥，
// 并发提现返回 ErrWithdrawalInProgress；余额为零返回 ErrNothingToClaim。
func (l *Ledger) WithdrawAndZero(ctx context.Context, addr string, payout func(ctx context.Context, amount *big.Int) error) (*big.Int, error) {
	key := Normalize(addr)
	if key == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "地址不能为空")
	}

	release, err := l.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	entry, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry.Balance == nil || entry.Balance.Sign() <= 0 {
		return nil, ErrNothingToClaim
	}
	snapshot := new(big.Int).Set(entry.Balance)

	if err := payout(ctx, new(big.Int).Set(snapshot)); err != nil {
		l.logger.Warn("withdrawal payout failed",
			slog.String("address", key),
			slog.String("amount", snapshot.String()),
			slog.Any("error", err))
		return nil, err
	}

	// 支付已完成，扣减不受调用方取消影响。
	if err := l.store.Deduct(context.WithoutCancel(ctx), key, snapshot); err != nil {
		l.logger.Error("withdrawal paid but balance not deducted",
			slog.String("address", key),
			slog.String("amount", snapshot.String()),
			slog.Any("error", err))
		return snapshot, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提现已支付但账本扣减失败",
			xerrors.WithMetadata("address", key),
			xerrors.WithMetadata("amount", snapshot.String()),
			xerrors.WithRetryable(false),
			xerrors.WithAlert(true))
	}
	logger.Audit().Info("reward_withdrawn",
		slog.String("address", key),
		slog.String("amount", snapshot.String()))
	return snapshot, nil
}

func (l *Ledger) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	if _, busy := l.withdrawals[key]; busy {
		l.mu.Unlock()
		return nil, ErrWithdrawalInProgress
	}
	l.withdrawals[key] = struct{}{}
	l.mu.Unlock()

	local := func() {
		l.mu.Lock()
		delete(l.withdrawals, key)
		l.mu.Unlock()
	}

	locker, ok := l.store.(Locker)
	if !ok {
		return local, nil
	}
	unlock, err := locker.Lock(ctx, key, l.lockTTL)
	if err != nil {
		local()
		return nil, err
	}
	return func() {
		unlock()
		local()
	}, nil
}
