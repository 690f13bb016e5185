package wallet

import (
	"context"
	"log/slog"
	"math/big"
	"sync"

	xerrors "Relay-Faucet/internal/errors"
	"Relay-Faucet/internal/observability/metrics"
	"Relay-Faucet/internal/resilience"
	"Relay-Faucet/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// Executor labels used by lease operations.
const (
	LabelBalanceCheck = "Wallet Balance Check"
	LabelTopUp        = "Wallet Top-up"
	LabelTopUpConfirm = "Wallet Top-up Confirmation"
)

// Lease is an exclusive claim on one worker identity. It must be released
// exactly once; Release is idempotent.
type Lease struct {
	ID       string
	Identity Identity

	sched       *Scheduler
	slot        int
	releaseOnce sync.Once
}

// Address returns the leased identity's address.
func (l *Lease) Address() common.Address {
	return l.Identity.Address
}

// Fund tops the identity up from the operator when its balance is below the
// floor and waits for the top-up to be mined. Any failure releases the lease
// and is reported as FUNDING_FAILED. The returned transaction is nil when no
// top-up was needed.
func (l *Lease) Fund(ctx context.Context) (*coretypes.Transaction, error) {
	s := l.sched
	if s.chain == nil {
		l.Release()
		return nil, xerrors.New(xerrors.CodeFundingFailed, "未配置链客户端")
	}

	tx, err := l.fund(ctx)
	if err != nil {
		l.Release()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, xerrors.Wrap(xerrors.CodeFundingFailed, err, "",
			xerrors.WithMetadata("wallet", l.Identity.Address.Hex()))
	}
	return tx, nil
}

func (l *Lease) fund(ctx context.Context) (*coretypes.Transaction, error) {
	s := l.sched
	addr := l.Identity.Address

	balance, _, err := resilience.Execute(ctx, s.exec, LabelBalanceCheck, func(ctx context.Context) (*big.Int, error) {
		return s.chain.Balance(ctx, addr)
	})
	if err != nil {
		return nil, err
	}
	if balance.Cmp(s.floor) >= 0 {
		return nil, nil
	}

	tx, _, err := resilience.Execute(ctx, s.exec, LabelTopUp, func(ctx context.Context) (*coretypes.Transaction, error) {
		return s.chain.Transfer(ctx, addr, s.topUp)
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.exec.Do(ctx, LabelTopUpConfirm, func(ctx context.Context) error {
		_, err := s.chain.WaitMined(ctx, tx.Hash())
		return err
	}); err != nil {
		return tx, err
	}

	metrics.ObserveTopUp()
	logger.Audit().Info("worker_wallet_funded",
		slog.String("lease", l.ID),
		slog.String("wallet", addr.Hex()),
		slog.String("balance", balance.String()),
		slog.String("amount", s.topUp.String()),
		slog.String("tx", tx.Hash().Hex()))
	return tx, nil
}

// Submit runs send through the executor under label. On success the slot
// records the transaction hash as pending and starts its busy window. On
// failure the lease is released.
func (l *Lease) Submit(ctx context.Context, label string, send func(ctx context.Context, id Identity) (*coretypes.Transaction, error)) (*coretypes.Transaction, error) {
	s := l.sched
	tx, _, err := resilience.Execute(ctx, s.exec, label, func(ctx context.Context) (*coretypes.Transaction, error) {
		return send(ctx, l.Identity)
	})
	if err != nil {
		l.Release()
		return nil, err
	}
	s.markSubmitted(l, tx.Hash().Hex())
	s.logger.Debug("worker wallet submitted",
		slog.String("lease", l.ID),
		slog.String("wallet", l.Identity.Address.Hex()),
		slog.String("tx", tx.Hash().Hex()))
	return tx, nil
}

// Release clears the pending marker. The busy window, if any, keeps running.
func (l *Lease) Release() {
	l.releaseOnce.Do(func() {
		l.sched.release(l)
		l.sched.logger.Debug("worker wallet released",
			slog.String("lease", l.ID),
			slog.String("wallet", l.Identity.Address.Hex()))
	})
}
