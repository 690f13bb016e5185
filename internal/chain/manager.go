// Package chain owns the live RPC session and the operator and worker transaction paths.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	xerrors "Relay-Faucet/internal/errors"
	"Relay-Faucet/internal/resilience"
	"Relay-Faucet/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ConnectLabel is the executor label used for connection attempts.
const ConnectLabel = "RPC Connection"

// ErrNotConnected is returned by every chain helper before a session exists.
var ErrNotConnected = xerrors.New(xerrors.CodeNotConnected, "")

// Backend is the subset of the Ethereum JSON-RPC surface used by the relayer.
// Both *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Dialer opens a backend for url. The returned close function releases it.
type Dialer func(ctx context.Context, url string) (Backend, func(), error)

// Session is a live, probed connection. Sessions are immutable once published;
// reconnecting replaces the session as a whole.
type Session struct {
	URL         string
	ChainID     *big.Int
	Operator    common.Address
	ConnectedAt time.Time

	backend Backend
	close   func()
}

// Backend exposes the underlying RPC backend.
func (s *Session) Backend() Backend {
	return s.backend
}

// Manager owns the process-wide chain session and the helpers built on it.
type Manager struct {
	exec            *resilience.Executor
	dial            Dialer
	operatorKey     *ecdsa.PrivateKey
	expectedChainID *big.Int
	pollInterval    time.Duration
	logger          *slog.Logger

	session atomic.Pointer[Session]
	nonces  sync.Map // common.Address -> chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the ethclient dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		if d != nil {
			m.dial = d
		}
	}
}

// WithExpectedChainID makes connections to any other chain fail terminally.
func WithExpectedChainID(id int64) Option {
	return func(m *Manager) {
		if id > 0 {
			m.expectedChainID = big.NewInt(id)
		}
	}
}

// WithPollInterval sets how often WaitMined polls for a receipt.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager builds a Manager that signs operator transactions with operatorKey.
func NewManager(exec *resilience.Executor, operatorKey *ecdsa.PrivateKey, opts ...Option) (*Manager, error) {
	if operatorKey == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置中继签名私钥")
	}
	if exec == nil {
		exec = resilience.New()
	}
	m := &Manager{
		exec:         exec,
		dial:         dialEthereum,
		operatorKey:  operatorKey,
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.logger == nil {
		m.logger = logger.Named("chain")
	}
	return m, nil
}

// ParsePrivateKey decodes a hex-encoded secp256k1 key, with or without 0x.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "私钥不能为空")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "私钥格式错误")
	}
	return key, nil
}

// Connect dials url, probes it and publishes the resulting session. The whole
// sequence runs inside the resilient executor.
func (m *Manager) Connect(ctx context.Context, url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊 RPC 地址")
	}

	session, report, err := resilience.Execute(ctx, m.exec, ConnectLabel, func(ctx context.Context) (*Session, error) {
		return m.open(ctx, url)
	})
	if err != nil {
		return fmt.Errorf("连接以太坊节点失败 (%s): %w", url, err)
	}

	if previous := m.session.Swap(session); previous != nil && previous.close != nil {
		previous.close()
	}
	m.logger.Info("rpc connection established",
		slog.String("url", url),
		slog.String("chain_id", session.ChainID.String()),
		slog.String("operator", session.Operator.Hex()),
		slog.Int("attempts", report.Attempts))
	return nil
}

// ConnectAny tries each endpoint in order and keeps the first that connects.
func (m *Manager) ConnectAny(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "未配置任何链的 RPC 端点")
	}
	var lastErr error
	for i, url := range urls {
		err := m.Connect(ctx, url)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		m.logger.Warn("rpc endpoint unavailable",
			slog.String("url", url),
			slog.Int("index", i),
			slog.Any("error", err))
	}
	return lastErr
}

func (m *Manager) open(ctx context.Context, url string) (*Session, error) {
	backend, closeFn, err := m.dial(ctx, url)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok && closeFn != nil {
			closeFn()
		}
	}()

	if _, err := backend.BlockNumber(ctx); err != nil {
		return nil, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	if m.expectedChainID != nil && chainID.Cmp(m.expectedChainID) != 0 {
		return nil, xerrors.New(xerrors.CodeTerminal, "链 ID 与配置不符",
			xerrors.WithMetadata("expected", m.expectedChainID.String()),
			xerrors.WithMetadata("actual", chainID.String()))
	}

	ok = true
	return &Session{
		URL:         url,
		ChainID:     new(big.Int).Set(chainID),
		Operator:    crypto.PubkeyToAddress(m.operatorKey.PublicKey),
		ConnectedAt: time.Now(),
		backend:     backend,
		close:       closeFn,
	}, nil
}

// Session returns the current session or ErrNotConnected.
func (m *Manager) Session() (*Session, error) {
	if m == nil {
		return nil, ErrNotConnected
	}
	s := m.session.Load()
	if s == nil {
		return nil, ErrNotConnected
	}
	return s, nil
}

// Connected reports whether a session has been published.
func (m *Manager) Connected() bool {
	return m != nil && m.session.Load() != nil
}

// Executor returns the executor guarding chain calls.
func (m *Manager) Executor() *resilience.Executor {
	return m.exec
}

// Close releases the current session.
func (m *Manager) Close() {
	if m == nil {
		return
	}
	if s := m.session.Swap(nil); s != nil && s.close != nil {
		s.close()
	}
}

func dialEthereum(ctx context.Context, url string) (Backend, func(), error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}
