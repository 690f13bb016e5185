package wallet

import (
	"context"
	stdErrors "errors"
	"math/big"
	"sync"
	"testing"
	"time"

	xerrors "Relay-Faucet/internal/errors"
	"Relay-Faucet/internal/resilience"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

type fakeChain struct {
	mu          sync.Mutex
	balances    map[common.Address]*big.Int
	transfers   []*big.Int
	transferErr error
	waitErr     error
}

func (f *fakeChain) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *fakeChain) Transfer(ctx context.Context, to common.Address, value *big.Int) (*coretypes.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transferErr != nil {
		return nil, f.transferErr
	}
	f.transfers = append(f.transfers, new(big.Int).Set(value))
	return coretypes.NewTx(&coretypes.LegacyTx{Nonce: uint64(len(f.transfers)), To: &to, Value: value, Gas: 21000, GasPrice: big.NewInt(1)}), nil
}

func (f *fakeChain) WaitMined(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful, TxHash: hash}, nil
}

func quickExecutor() *resilience.Executor {
	return resilience.New(
		resilience.WithPolicy(resilience.Policy{MaxAttempts: 2}),
		resilience.WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }),
	)
}

func TestFundSkipsWalletAboveFloor(t *testing.T) {
	chain := &fakeChain{balances: map[common.Address]*big.Int{}}
	s, _ := newTestScheduler(t, 1, WithChain(chain, quickExecutor()))
	lease, _ := s.Lease(context.Background())
	chain.balances[lease.Address()] = new(big.Int).Set(DefaultFundingFloor)

	tx, err := lease.Fund(context.Background())
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if tx != nil || len(chain.transfers) != 0 {
		t.Fatal("wallet at the floor should not be topped up")
	}
}

func TestFundTopsUpLowWallet(t *testing.T) {
	chain := &fakeChain{balances: map[common.Address]*big.Int{}}
	s, _ := newTestScheduler(t, 1, WithChain(chain, quickExecutor()))
	lease, _ := s.Lease(context.Background())
	chain.balances[lease.Address()] = big.NewInt(1)

	tx, err := lease.Fund(context.Background())
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if tx == nil || len(chain.transfers) != 1 || chain.transfers[0].Cmp(DefaultTopUpAmount) != 0 {
		t.Fatalf("expected a single top-up of %s, got %v", DefaultTopUpAmount, chain.transfers)
	}
	if stats := s.Stats(); stats.Pending != 1 {
		t.Fatalf("lease should still be held after funding, got %+v", stats)
	}
}

func TestFundFailureReleasesLease(t *testing.T) {
	chain := &fakeChain{
		balances:    map[common.Address]*big.Int{},
		transferErr: stdErrors.New("insufficient funds for gas * price + value"),
	}
	s, _ := newTestScheduler(t, 1, WithChain(chain, quickExecutor()))
	ctx := context.Background()
	lease, _ := s.Lease(ctx)

	_, err := lease.Fund(ctx)
	if !xerrors.HasCode(err, xerrors.CodeFundingFailed) {
		t.Fatalf("expected FUNDING_FAILED, got %v", err)
	}
	if !stdErrors.Is(err, chain.transferErr) {
		t.Fatalf("funding error should wrap the cause, got %v", err)
	}
	next, err := s.Lease(ctx)
	if err != nil {
		t.Fatalf("abandoned lease should be released: %v", err)
	}
	if next.Address() != lease.Address() {
		t.Fatal("expected the same identity back")
	}
}

func TestFundFailsWhenConfirmationReverts(t *testing.T) {
	chain := &fakeChain{
		balances: map[common.Address]*big.Int{},
		waitErr:  xerrors.New(xerrors.CodeTxFailed, ""),
	}
	s, _ := newTestScheduler(t, 1, WithChain(chain, quickExecutor()))
	lease, _ := s.Lease(context.Background())

	_, err := lease.Fund(context.Background())
	if !xerrors.HasCode(err, xerrors.CodeFundingFailed) || !xerrors.HasCode(err, xerrors.CodeTxFailed) {
		t.Fatalf("expected FUNDING_FAILED wrapping TX_FAILED, got %v", err)
	}
	if s.Stats().Pending != 0 {
		t.Fatal("lease should be released")
	}
}
