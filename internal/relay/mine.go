package relay

import (
	"context"
	"log/slog"

	"Relay-Faucet/internal/chain"
	xerrors "Relay-Faucet/internal/errors"
	"Relay-Faucet/internal/observability/alerting"
	"Relay-Faucet/internal/operation"
	"Relay-Faucet/internal/resilience"
	"Relay-Faucet/internal/wallet"
	"Relay-Faucet/pkg/logger"

	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// MineResult 是一次挖矿的提交结果。Reward 在交易确认后才计入账本。
type MineResult struct {
	OperationID string `json:"operationId"`
	TxHash      string `json:"txHash"`
	Nonce       uint64 `json:"nonce"`
	Solution    string `json:"solution"`
	From        string `json:"from"`
	Reward      string `json:"reward"`
}

// Mine 租用一个工作钱包，必要时先补充余额，再代用户提交 mineBlock 调用。
// 交易确认后奖励计入 user 的账本余额；无论结果如何租约都会释放。
func (s *Service) Mine(ctx context.Context, user string) (*MineResult, error) {
	userAddr, err := parseAddress(user)
	if err != nil {
		return nil, err
	}

	lease, err := s.pool.Lease(ctx)
	if err != nil {
		return nil, err
	}

	topUp, err := lease.Fund(ctx)
	if err != nil {
		s.logger.Error("工作钱包资助失败",
			slog.String("lease", lease.ID),
			slog.String("wallet", lease.Address().Hex()),
			slog.Any("error", err))
		alerting.Raise(ctx, s.alerts, wallet.LabelTopUp, lease.ID, err)
		return nil, err
	}
	if topUp != nil {
		s.recordTopUp(ctx, lease, topUp)
	}

	call, err := NewMiningCall()
	if err != nil {
		lease.Release()
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "生成挖矿参数失败")
	}
	data, err := call.Calldata()
	if err != nil {
		lease.Release()
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "编码挖矿调用失败")
	}

	tx, err := lease.Submit(ctx, LabelMining, func(ctx context.Context, id wallet.Identity) (*coretypes.Transaction, error) {
		return s.chain.Send(ctx, chain.SendRequest{
			Key:      id.Key(),
			To:       s.contract,
			Data:     data,
			GasLimit: MiningGasLimit,
		})
	})
	if err != nil {
		s.logger.Error("挖矿交易提交失败",
			slog.String("lease", lease.ID),
			slog.String("wallet", lease.Address().Hex()),
			slog.Any("error", err))
		alerting.Raise(ctx, s.alerts, LabelMining, lease.ID, err)
		return nil, err
	}

	reward := s.reward()
	rec := &operation.Record{
		ID:     lease.ID,
		Kind:   operation.KindMine,
		Wallet: lease.Address().Hex(),
		User:   userAddr.Hex(),
		TxHash: tx.Hash().Hex(),
		Amount: "0",
		Reward: reward.String(),
	}
	s.journalCreate(ctx, rec)
	logger.Audit().Info("mining_submitted",
		slog.String("operation_id", rec.ID),
		slog.String("user", rec.User),
		slog.String("wallet", rec.Wallet),
		slog.String("tx", rec.TxHash),
		slog.String("reward", reward.String()))

	var receipt *coretypes.Receipt
	s.pool.Settle(s.bg, lease, func(ctx context.Context) error {
		r, _, err := resilience.Execute(ctx, s.exec, LabelMiningWait, func(ctx context.Context) (*coretypes.Receipt, error) {
			return s.chain.WaitMined(ctx, tx.Hash())
		})
		receipt = r
		return err
	}, func(err error) {
		if err == nil {
			if creditErr := s.ledger.RecordMining(s.bg, userAddr.Hex(), reward); creditErr != nil {
				err = creditErr
				s.logger.Error("奖励入账失败",
					slog.String("operation_id", rec.ID),
					slog.String("user", rec.User),
					slog.Any("error", creditErr))
			} else {
				logger.Audit().Info("mining_rewarded",
					slog.String("operation_id", rec.ID),
					slog.String("user", rec.User),
					slog.String("reward", reward.String()))
			}
		}
		if err != nil {
			alerting.Raise(s.bg, s.alerts, LabelMiningWait, rec.ID, err)
		}
		s.settle(s.bg, rec, receipt, err)
	})

	return &MineResult{
		OperationID: rec.ID,
		TxHash:      rec.TxHash,
		Nonce:       call.Nonce,
		Solution:    call.Solution.Hex(),
		From:        rec.Wallet,
		Reward:      FormatEther(reward),
	}, nil
}

func (s *Service) recordTopUp(ctx context.Context, lease *wallet.Lease, tx *coretypes.Transaction) {
	rec := &operation.Record{
		ID:     newOperationID(),
		Kind:   operation.KindTopUp,
		Wallet: lease.Address().Hex(),
		TxHash: tx.Hash().Hex(),
		Amount: tx.Value().String(),
		Status: operation.StatusConfirmed,
	}
	s.journalCreate(ctx, rec)
}
