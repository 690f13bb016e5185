package relay

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"time"

	"Relay-Faucet/internal/ledger"
	"Relay-Faucet/internal/observability/alerting"
	"Relay-Faucet/internal/operation"
	"Relay-Faucet/internal/resilience"

	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// ClaimResult 是一次领取的结果。
type ClaimResult struct {
	OperationID string `json:"operationId"`
	TxHash      string `json:"txHash"`
	Amount      string `json:"amount"`
}

// Claim 将 user 的全部待领奖励转给 user，并在交易确认后从账本扣减。
// 发送与确认分别重试，确认阶段的重试不会重复转账。
func (s *Service) Claim(ctx context.Context, user string) (*ClaimResult, error) {
	addr, err := parseAddress(user)
	if err != nil {
		return nil, err
	}

	// 转账一经广播便必须完成确认与扣减，调用方断开不能中止支付流程。
	ctx = context.WithoutCancel(ctx)
	var rec *operation.Record
	amount, err := s.ledger.WithdrawAndZero(ctx, addr.Hex(), func(ctx context.Context, amount *big.Int) error {
		tx, _, err := resilience.Execute(ctx, s.exec, LabelClaim, func(ctx context.Context) (*coretypes.Transaction, error) {
			return s.chain.Transfer(ctx, addr, amount)
		})
		if err != nil {
			return err
		}
		rec = &operation.Record{
			ID:     newOperationID(),
			Kind:   operation.KindClaim,
			User:   addr.Hex(),
			TxHash: tx.Hash().Hex(),
			Amount: amount.String(),
		}
		s.journalCreate(ctx, rec)

		receipt, _, err := resilience.Execute(ctx, s.exec, LabelClaimWait, func(ctx context.Context) (*coretypes.Receipt, error) {
			return s.chain.WaitMined(ctx, tx.Hash())
		})
		s.settle(ctx, rec, receipt, err)
		return err
	})
	if err != nil {
		if stdErrors.Is(err, ledger.ErrNothingToClaim) || stdErrors.Is(err, ledger.ErrWithdrawalInProgress) {
			return nil, err
		}
		s.logger.Warn("领取奖励失败", slog.String("user", addr.Hex()), slog.Any("error", err))
		opID := ""
		if rec != nil {
			opID = rec.ID
		}
		alerting.Raise(ctx, s.alerts, LabelClaim, opID, err)
		if amount == nil || rec == nil {
			return nil, err
		}
		// 已支付但扣减失败：仍返回交易信息。
		return &ClaimResult{OperationID: rec.ID, TxHash: rec.TxHash, Amount: FormatEther(amount)}, err
	}

	return &ClaimResult{
		OperationID: rec.ID,
		TxHash:      rec.TxHash,
		Amount:      FormatEther(amount),
	}, nil
}

// withdrawalLockMargin 覆盖流水写入与账本扣减的耗时。
const withdrawalLockMargin = 30 * time.Second

// WithdrawalLockTTL 返回分布式提现锁的最短过期时间：领取依次执行转账与确认
// 两次重试调用，锁必须在两者都耗尽重试预算前保持有效。
func WithdrawalLockTTL(p resilience.Policy) time.Duration {
	return 2*p.Budget() + withdrawalLockMargin
}

// ClaimableResult 描述待领取余额。
type ClaimableResult struct {
	Amount  string `json:"amount"`
	Minings int64  `json:"minings"`
}

// Claimable 返回 user 的待领取余额；余额为零时返回 ledger.ErrNothingToClaim。
func (s *Service) Claimable(ctx context.Context, user string) (*ClaimableResult, error) {
	addr, err := parseAddress(user)
	if err != nil {
		return nil, err
	}
	entry, err := s.ledger.Stats(ctx, addr.Hex())
	if err != nil {
		return nil, err
	}
	if entry.Balance.Sign() <= 0 {
		return nil, ledger.ErrNothingToClaim
	}
	return &ClaimableResult{Amount: FormatEther(entry.Balance), Minings: entry.Minings}, nil
}
