package relay

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	xerrors "Relay-Faucet/internal/errors"
	"Relay-Faucet/internal/observability/alerting"
	"Relay-Faucet/internal/operation"
	"Relay-Faucet/internal/resilience"
	"Relay-Faucet/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// FundResult 是一次资助的提交结果。
type FundResult struct {
	OperationID  string `json:"operationId"`
	TxHash       string `json:"txHash"`
	Amount       string `json:"amount"`
	ResponseTime int64  `json:"responseTime"`
}

// Fund 从中继账户向 to 转账。amount 为空时使用默认金额。交易确认在后台进行。
func (s *Service) Fund(ctx context.Context, to, amount string) (*FundResult, error) {
	addr, err := parseAddress(to)
	if err != nil {
		return nil, err
	}
	value := s.fundAmount
	if amount != "" {
		if value, err = ParseEther(amount); err != nil {
			return nil, err
		}
	}

	start := s.now()
	tx, _, err := resilience.Execute(ctx, s.exec, LabelFund, func(ctx context.Context) (*coretypes.Transaction, error) {
		return s.chain.Transfer(ctx, addr, value)
	})
	if err != nil {
		s.logger.Error("资助交易失败", slog.String("to", addr.Hex()), slog.Any("error", err))
		alerting.Raise(ctx, s.alerts, LabelFund, "", err)
		return nil, err
	}

	rec := &operation.Record{
		ID:     newOperationID(),
		Kind:   operation.KindFund,
		User:   addr.Hex(),
		TxHash: tx.Hash().Hex(),
		Amount: value.String(),
	}
	s.journalCreate(ctx, rec)
	logger.Audit().Info("fund_submitted",
		slog.String("operation_id", rec.ID),
		slog.String("to", addr.Hex()),
		slog.String("amount", value.String()),
		slog.String("tx", rec.TxHash))

	s.track(func(bg context.Context) {
		receipt, _, err := resilience.Execute(bg, s.exec, LabelFundWait, func(ctx context.Context) (*coretypes.Receipt, error) {
			return s.chain.WaitMined(ctx, tx.Hash())
		})
		if err != nil {
			s.logger.Warn("资助交易确认失败", slog.String("tx", rec.TxHash), slog.Any("error", err))
		} else {
			s.logger.Info("资助交易已确认", slog.String("tx", rec.TxHash), slog.Uint64("block", receipt.BlockNumber.Uint64()))
		}
		s.settle(bg, rec, receipt, err)
	})

	return &FundResult{
		OperationID:  rec.ID,
		TxHash:       rec.TxHash,
		Amount:       FormatEther(value),
		ResponseTime: s.now().Sub(start).Milliseconds(),
	}, nil
}

// StressResult 汇总一次压测提交的交易。失败项以 "error:" 前缀记录。
type StressResult struct {
	TxHashes []string `json:"txHashes"`
}

// Stress 并发发送 n 笔零金额转账到随机地址。n 为零时使用默认值。
func (s *Service) Stress(ctx context.Context, n int) (*StressResult, error) {
	if n == 0 {
		n = DefaultStressCount
	}
	if n < 0 || n > s.stressLimit {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("压测数量必须在 1 到 %d 之间", s.stressLimit))
	}

	var (
		mu     sync.Mutex
		hashes = make([]string, 0, n)
		wg     sync.WaitGroup
	)
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			label := fmt.Sprintf("%s %d", LabelStressPrefix, i)
			entry := s.stressOne(ctx, label)
			mu.Lock()
			hashes = append(hashes, entry)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	return &StressResult{TxHashes: hashes}, nil
}

func (s *Service) stressOne(ctx context.Context, label string) string {
	to, err := randomAddress()
	if err != nil {
		return "error:" + err.Error()
	}
	tx, _, err := resilience.Execute(ctx, s.exec, label, func(ctx context.Context) (*coretypes.Transaction, error) {
		return s.chain.Transfer(ctx, to, new(big.Int))
	})
	if err != nil {
		return "error:" + err.Error()
	}
	s.journalCreate(ctx, &operation.Record{
		ID:     newOperationID(),
		Kind:   operation.KindStress,
		User:   to.Hex(),
		TxHash: tx.Hash().Hex(),
		Amount: "0",
	})
	return tx.Hash().Hex()
}

func randomAddress() (common.Address, error) {
	var addr common.Address
	if _, err := rand.Read(addr[:]); err != nil {
		return common.Address{}, err
	}
	return addr, nil
}
