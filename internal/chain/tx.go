package chain

import (
	"context"
	"crypto/ecdsa"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	xerrors "Relay-Faucet/internal/errors"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
)

// FallbackGasPrice is used when the node cannot suggest a gas price.
var FallbackGasPrice = new(big.Int).Mul(big.NewInt(30), big.NewInt(params.GWei))

// gasPriceBumpPercent is applied on top of the node's suggestion.
const gasPriceBumpPercent = 120

// SendRequest describes a transaction signed by an arbitrary key.
type SendRequest struct {
	Key      *ecdsa.PrivateKey
	To       common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64
	// GasPrice defaults to GasPrice() when nil.
	GasPrice *big.Int
}

// BlockNumber returns the latest block height.
func (m *Manager) BlockNumber(ctx context.Context) (uint64, error) {
	s, err := m.Session()
	if err != nil {
		return 0, err
	}
	n, err := s.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return n, nil
}

// Balance returns the latest balance of addr in wei.
func (m *Manager) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	s, err := m.Session()
	if err != nil {
		return nil, err
	}
	balance, err := s.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// GasPrice returns the node's suggested gas price raised by 20%. When the node
// cannot answer, FallbackGasPrice is returned instead of an error.
func (m *Manager) GasPrice(ctx context.Context) (*big.Int, error) {
	s, err := m.Session()
	if err != nil {
		return nil, err
	}
	price, err := s.backend.SuggestGasPrice(ctx)
	if err != nil || price == nil || price.Sign() <= 0 {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		m.logger.Warn("gas price query failed, using fallback",
			slog.String("fallback", FallbackGasPrice.String()),
			slog.Any("error", err))
		return new(big.Int).Set(FallbackGasPrice), nil
	}
	bumped := new(big.Int).Mul(price, big.NewInt(gasPriceBumpPercent))
	return bumped.Div(bumped, big.NewInt(100)), nil
}

// Send signs and broadcasts a legacy transaction. Sends from the same signer are
// serialized so that concurrent callers never reuse a nonce.
func (m *Manager) Send(ctx context.Context, req SendRequest) (*coretypes.Transaction, error) {
	s, err := m.Session()
	if err != nil {
		return nil, err
	}
	if req.Key == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供交易签名器")
	}

	gasPrice := req.GasPrice
	if gasPrice == nil {
		if gasPrice, err = m.GasPrice(ctx); err != nil {
			return nil, err
		}
	}
	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit = params.TxGas
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	from := crypto.PubkeyToAddress(req.Key.PublicKey)
	unlock, err := m.lockSigner(ctx, from)
	if err != nil {
		return nil, err
	}
	defer unlock()

	nonce, err := s.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("查询交易计数失败: %w", err)
	}
	to := req.To
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    value,
		Data:     req.Data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(s.ChainID), req.Key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("发送交易失败: %w", err)
	}
	m.logger.Debug("transaction sent",
		slog.String("from", from.Hex()),
		slog.String("to", to.Hex()),
		slog.String("tx", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce))
	return signed, nil
}

// Transfer sends value from the operator identity to addr.
func (m *Manager) Transfer(ctx context.Context, to common.Address, value *big.Int) (*coretypes.Transaction, error) {
	return m.Send(ctx, SendRequest{Key: m.operatorKey, To: to, Value: value})
}

// Operator returns the relayer's own address.
func (m *Manager) Operator() common.Address {
	return crypto.PubkeyToAddress(m.operatorKey.PublicKey)
}

// WaitMined polls until the transaction has a receipt. A receipt with a failed
// status is reported as a TX_FAILED error.
func (m *Manager) WaitMined(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		s, err := m.Session()
		if err != nil {
			return nil, err
		}
		receipt, err := s.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == coretypes.ReceiptStatusFailed {
				block := ""
				if receipt.BlockNumber != nil {
					block = receipt.BlockNumber.String()
				}
				return receipt, xerrors.New(xerrors.CodeTxFailed, "",
					xerrors.WithMetadata("tx", hash.Hex()),
					xerrors.WithMetadata("block", block),
					xerrors.WithMetadata("gas_used", strconv.FormatUint(receipt.GasUsed, 10)))
			}
			return receipt, nil
		}
		if err != nil && !stdErrors.Is(err, gethcore.NotFound) {
			return nil, fmt.Errorf("查询交易回执失败: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) lockSigner(ctx context.Context, addr common.Address) (func(), error) {
	v, _ := m.nonces.LoadOrStore(addr, make(chan struct{}, 1))
	sem := v.(chan struct{})
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
