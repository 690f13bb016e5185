package relay

import (
	"context"
	stdErrors "errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"Relay-Faucet/internal/chain"
	xerrors "Relay-Faucet/internal/errors"
	"Relay-Faucet/internal/events"
	"Relay-Faucet/internal/ledger"
	"Relay-Faucet/internal/observability/alerting"
	"Relay-Faucet/internal/operation"
	"Relay-Faucet/internal/resilience"
	"Relay-Faucet/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

type transfer struct {
	to    common.Address
	value *big.Int
}

type fakeChain struct {
	mu           sync.Mutex
	operator     common.Address
	balances     map[common.Address]*big.Int
	defaultBal   *big.Int
	height       uint64
	nonce        uint64
	transfers    []transfer
	sends        []chain.SendRequest
	transferErr  func(to common.Address, value *big.Int) error
	waitErr      error
	waitGate     chan struct{}
	// waitFailures 个回执查询先以网络错误失败。
	waitFailures int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		operator:   common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		balances:   make(map[common.Address]*big.Int),
		defaultBal: big.NewInt(1_000_000_000_000_000_000),
		height:     42,
	}
}

func (f *fakeChain) nextTx(to common.Address, value *big.Int, data []byte) *coretypes.Transaction {
	f.nonce++
	return coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    f.nonce,
		To:       &to,
		Value:    new(big.Int).Set(value),
		Gas:      21000,
		GasPrice: big.NewInt(1),
		Data:     data,
	})
}

func (f *fakeChain) Balance(_ context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int).Set(f.defaultBal), nil
}

func (f *fakeChain) Transfer(_ context.Context, to common.Address, value *big.Int) (*coretypes.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transferErr != nil {
		if err := f.transferErr(to, value); err != nil {
			return nil, err
		}
	}
	f.transfers = append(f.transfers, transfer{to: to, value: new(big.Int).Set(value)})
	return f.nextTx(to, value, nil), nil
}

func (f *fakeChain) Send(_ context.Context, req chain.SendRequest) (*coretypes.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, req)
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	return f.nextTx(req.To, value, req.Data), nil
}

func (f *fakeChain) WaitMined(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	f.mu.Lock()
	gate := f.waitGate
	waitErr := f.waitErr
	flaky := f.waitFailures > 0
	if flaky {
		f.waitFailures--
	}
	f.mu.Unlock()
	if flaky {
		return nil, xerrors.New(xerrors.CodeTransientNetwork, "receipt query: connection reset")
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if waitErr != nil {
		return nil, waitErr
	}
	return &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful, TxHash: hash, BlockNumber: big.NewInt(int64(f.height))}, nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return f.height, nil }

func (f *fakeChain) Operator() common.Address { return f.operator }

func (f *fakeChain) transfersTo(addr common.Address) []transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transfer
	for _, t := range f.transfers {
		if t.to == addr {
			out = append(out, t)
		}
	}
	return out
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, e alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAlerts) codes() []xerrors.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]xerrors.Code, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Code)
	}
	return out
}

type harness struct {
	svc     *Service
	chain   *fakeChain
	pool    *wallet.Scheduler
	ledger  *ledger.Ledger
	journal *operation.MemoryStore
	events  *events.MemoryPublisher
	alerts  *recordingAlerts
}

var fixedReward = big.NewInt(2_000_000_000_000_000) // 0.002

func newHarness(t *testing.T, poolSize int, configure func(*fakeChain)) *harness {
	t.Helper()
	fc := newFakeChain()
	if configure != nil {
		configure(fc)
	}
	exec := resilience.New(
		resilience.WithSleeper(func(context.Context, time.Duration) error { return nil }),
		resilience.WithJitter(func(time.Duration) time.Duration { return 0 }),
	)
	ids, err := wallet.GenerateIdentities(poolSize)
	if err != nil {
		t.Fatalf("generate identities: %v", err)
	}
	pool, err := wallet.NewScheduler(ids, wallet.WithChain(fc, exec))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	h := &harness{
		chain:   fc,
		pool:    pool,
		ledger:  ledger.New(ledger.NewMemoryStore()),
		journal: operation.NewMemoryStore(),
		events:  events.NewMemoryPublisher(16),
		alerts:  &recordingAlerts{},
	}
	h.svc, err = New(fc, exec, pool, h.ledger,
		WithJournal(h.journal),
		WithPublisher(h.events),
		WithAlerts(h.alerts),
		WithRewardFunc(func() *big.Int { return new(big.Int).Set(fixedReward) }),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return h
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

const userAddr = "0x1111111111111111111111111111111111111111"

func TestMineCreditsRewardAfterConfirmation(t *testing.T) {
	h := newHarness(t, 2, nil)
	ctx := context.Background()

	res, err := h.svc.Mine(ctx, userAddr)
	if err != nil {
		t.Fatalf("mine: %v", err)
	}
	if res.Reward != "0.002" || res.TxHash == "" || res.From == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Nonce >= maxMiningNonce {
		t.Fatalf("nonce out of range: %d", res.Nonce)
	}
	h.drain(t)

	if len(h.chain.sends) != 1 {
		t.Fatalf("expected one mining send, got %d", len(h.chain.sends))
	}
	sent := h.chain.sends[0]
	if sent.To != common.HexToAddress(DefaultMiningContract) || sent.GasLimit != MiningGasLimit {
		t.Fatalf("unexpected mining request %+v", sent)
	}
	if got := sent.Data[:4]; string(got) != string(miningABI.Methods["mineBlock"].ID) {
		t.Fatalf("unexpected selector %x", got)
	}

	stats, _ := h.ledger.Stats(ctx, userAddr)
	if stats.Balance.Cmp(fixedReward) != 0 || stats.Minings != 1 {
		t.Fatalf("expected reward credited, got %+v", stats)
	}
	rec, err := h.journal.Get(ctx, res.OperationID)
	if err != nil {
		t.Fatalf("journal get: %v", err)
	}
	if rec.Status != operation.StatusConfirmed || rec.BlockNumber != 42 {
		t.Fatalf("unexpected record %+v", rec)
	}
	recent := h.svc.RecentEvents(10)
	if len(recent) != 1 || recent[0].Kind != "mine" || recent[0].Status != "confirmed" {
		t.Fatalf("unexpected events %+v", recent)
	}
	if p := h.pool.Stats().Pending; p != 0 {
		t.Fatalf("expected lease released, %d pending", p)
	}
}

func TestMineRevertedTransactionIsNotCredited(t *testing.T) {
	h := newHarness(t, 1, func(fc *fakeChain) {
		fc.waitErr = xerrors.New(xerrors.CodeTxFailed, "transaction reverted")
	})
	ctx := context.Background()

	res, err := h.svc.Mine(ctx, userAddr)
	if err != nil {
		t.Fatalf("mine: %v", err)
	}
	h.drain(t)

	balance, _ := h.ledger.BalanceOf(ctx, userAddr)
	if balance.Sign() != 0 {
		t.Fatalf("reverted mining must not be credited, got %s", balance)
	}
	rec, _ := h.journal.Get(ctx, res.OperationID)
	if rec.Status != operation.StatusFailed || rec.ErrorCode != string(xerrors.CodeTxFailed) {
		t.Fatalf("unexpected record %+v", rec)
	}
	if p := h.pool.Stats().Pending; p != 0 {
		t.Fatalf("expected lease released after failure, %d pending", p)
	}
}

func TestMineRejectsWhenPoolExhausted(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, 1, func(fc *fakeChain) { fc.waitGate = gate })
	ctx := context.Background()

	if _, err := h.svc.Mine(ctx, userAddr); err != nil {
		t.Fatalf("first mine: %v", err)
	}
	_, err := h.svc.Mine(ctx, userAddr)
	if !stdErrors.Is(err, wallet.ErrAllWorkersBusy) {
		t.Fatalf("expected all workers busy, got %v", err)
	}
	close(gate)
	h.drain(t)
}

func TestMineTopsUpLowWorkerWallet(t *testing.T) {
	h := newHarness(t, 1, func(fc *fakeChain) { fc.defaultBal = new(big.Int) })
	ctx := context.Background()

	res, err := h.svc.Mine(ctx, userAddr)
	if err != nil {
		t.Fatalf("mine: %v", err)
	}
	h.drain(t)

	topUps := h.chain.transfersTo(common.HexToAddress(res.From))
	if len(topUps) != 1 || topUps[0].value.Cmp(wallet.DefaultTopUpAmount) != 0 {
		t.Fatalf("expected one top-up, got %+v", topUps)
	}
	records, _ := h.journal.List(ctx, operation.WithKinds(operation.KindTopUp))
	if len(records) != 1 || records[0].Status != operation.StatusConfirmed {
		t.Fatalf("expected confirmed top-up record, got %+v", records)
	}
}

func TestMineFundingFailureReleasesAndAlerts(t *testing.T) {
	h := newHarness(t, 1, func(fc *fakeChain) {
		fc.defaultBal = new(big.Int)
		fc.transferErr = func(common.Address, *big.Int) error { return stdErrors.New("insufficient funds for gas") }
	})
	ctx := context.Background()

	_, err := h.svc.Mine(ctx, userAddr)
	if !xerrors.HasCode(err, xerrors.CodeFundingFailed) {
		t.Fatalf("expected funding failure, got %v", err)
	}
	if len(h.chain.sends) != 0 {
		t.Fatalf("mining must not be submitted after funding failure")
	}
	stats := h.pool.Stats()
	if stats.Available != 1 {
		t.Fatalf("expected wallet available again, got %+v", stats)
	}
	codes := h.alerts.codes()
	if len(codes) != 1 || codes[0] != xerrors.CodeFundingFailed {
		t.Fatalf("expected funding alert, got %v", codes)
	}
	h.drain(t)
}

func TestMineRejectsInvalidAddress(t *testing.T) {
	h := newHarness(t, 1, nil)
	if _, err := h.svc.Mine(context.Background(), "not-an-address"); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if h.pool.Stats().Available != 1 {
		t.Fatalf("invalid input must not lease a wallet")
	}
}

func TestClaimPaysOutAndZeroes(t *testing.T) {
	h := newHarness(t, 1, nil)
	ctx := context.Background()
	if err := h.ledger.Credit(ctx, strings.ToUpper(userAddr), big.NewInt(5_000_000_000_000_000)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	claimable, err := h.svc.Claimable(ctx, userAddr)
	if err != nil {
		t.Fatalf("claimable: %v", err)
	}
	if claimable.Amount != "0.005" {
		t.Fatalf("unexpected claimable %+v", claimable)
	}

	res, err := h.svc.Claim(ctx, userAddr)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Amount != "0.005" || res.TxHash == "" {
		t.Fatalf("unexpected claim %+v", res)
	}
	paid := h.chain.transfersTo(common.HexToAddress(userAddr))
	if len(paid) != 1 || paid[0].value.Cmp(big.NewInt(5_000_000_000_000_000)) != 0 {
		t.Fatalf("unexpected payouts %+v", paid)
	}
	if _, err := h.svc.Claim(ctx, userAddr); !stdErrors.Is(err, ledger.ErrNothingToClaim) {
		t.Fatalf("expected nothing to claim, got %v", err)
	}
	if _, err := h.svc.Claimable(ctx, userAddr); !stdErrors.Is(err, ledger.ErrNothingToClaim) {
		t.Fatalf("expected nothing claimable, got %v", err)
	}
	rec, _ := h.journal.Get(ctx, res.OperationID)
	if rec.Kind != operation.KindClaim || rec.Status != operation.StatusConfirmed {
		t.Fatalf("unexpected claim record %+v", rec)
	}
	h.drain(t)
}

func TestClaimFailureKeepsBalance(t *testing.T) {
	h := newHarness(t, 1, func(fc *fakeChain) {
		fc.waitErr = xerrors.New(xerrors.CodeTxFailed, "transaction reverted")
	})
	ctx := context.Background()
	amount := big.NewInt(3_000_000_000_000_000)
	_ = h.ledger.Credit(ctx, userAddr, amount)

	if _, err := h.svc.Claim(ctx, userAddr); !xerrors.HasCode(err, xerrors.CodeTxFailed) {
		t.Fatalf("expected tx failure, got %v", err)
	}
	balance, _ := h.ledger.BalanceOf(ctx, userAddr)
	if balance.Cmp(amount) != 0 {
		t.Fatalf("balance must survive a failed payout, got %s", balance)
	}
	h.drain(t)
}

func TestClaimSurvivesCallerDisconnect(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, 1, func(fc *fakeChain) { fc.waitGate = gate })
	to := common.HexToAddress(userAddr)
	if err := h.ledger.Credit(context.Background(), userAddr, big.NewInt(5_000_000_000_000_000)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		res *ClaimResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.svc.Claim(ctx, userAddr)
		done <- outcome{res, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(h.chain.transfersTo(to)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("payout was never broadcast")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("claim did not finish after confirmation")
	}
	if out.err != nil {
		t.Fatalf("claim should complete despite the caller leaving: %v", out.err)
	}
	if out.res.Amount != "0.005" {
		t.Fatalf("unexpected claim %+v", out.res)
	}

	if _, err := h.svc.Claim(context.Background(), userAddr); !stdErrors.Is(err, ledger.ErrNothingToClaim) {
		t.Fatalf("balance must be deducted once paid, got %v", err)
	}
	if paid := h.chain.transfersTo(to); len(paid) != 1 {
		t.Fatalf("expected exactly one payout, got %d", len(paid))
	}
	h.drain(t)
}

func TestWithdrawalLockTTLOutlastsPayout(t *testing.T) {
	policy := resilience.DefaultPolicy()
	ttl := WithdrawalLockTTL(policy)
	if ttl <= 2*policy.Budget() {
		t.Fatalf("lock ttl %v must exceed transfer plus confirmation budget %v", ttl, 2*policy.Budget())
	}
	if want := 368 * time.Second; ttl != want {
		t.Fatalf("WithdrawalLockTTL = %v, want %v", ttl, want)
	}
	longer := policy
	longer.AttemptTimeout = time.Minute
	if WithdrawalLockTTL(longer) <= ttl {
		t.Fatal("lock ttl must grow with the attempt timeout")
	}
}

func TestFundConfirmationRetriesReceiptErrors(t *testing.T) {
	h := newHarness(t, 1, func(fc *fakeChain) { fc.waitFailures = 2 })
	ctx := context.Background()

	res, err := h.svc.Fund(ctx, userAddr, "")
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	h.drain(t)

	rec, err := h.journal.Get(ctx, res.OperationID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != operation.StatusConfirmed {
		t.Fatalf("transient receipt errors must be retried, got %+v", rec)
	}
}

func TestFundAmounts(t *testing.T) {
	h := newHarness(t, 1, nil)
	ctx := context.Background()
	to := common.HexToAddress(userAddr)

	if _, err := h.svc.Fund(ctx, "0x123", ""); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid address, got %v", err)
	}
	if _, err := h.svc.Fund(ctx, userAddr, "abc"); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid amount, got %v", err)
	}

	res, err := h.svc.Fund(ctx, userAddr, "")
	if err != nil {
		t.Fatalf("fund default: %v", err)
	}
	if res.Amount != "0.1" {
		t.Fatalf("expected default amount, got %+v", res)
	}
	if _, err := h.svc.Fund(ctx, userAddr, "0.25"); err != nil {
		t.Fatalf("fund custom: %v", err)
	}
	h.drain(t)

	paid := h.chain.transfersTo(to)
	if len(paid) != 2 || paid[0].value.Cmp(DefaultFundAmount) != 0 || paid[1].value.String() != "250000000000000000" {
		t.Fatalf("unexpected transfers %+v", paid)
	}
	records, _ := h.journal.List(ctx, operation.WithKinds(operation.KindFund), operation.WithStatuses(operation.StatusConfirmed))
	if len(records) != 2 {
		t.Fatalf("expected 2 confirmed fund records, got %d", len(records))
	}
}

func TestStressCollectsHashesAndErrors(t *testing.T) {
	var calls int
	h := newHarness(t, 1, func(fc *fakeChain) {
		fc.transferErr = func(common.Address, *big.Int) error {
			calls++
			if calls%2 == 0 {
				return stdErrors.New("nonce too low")
			}
			return nil
		}
	})
	ctx := context.Background()

	res, err := h.svc.Stress(ctx, 4)
	if err != nil {
		t.Fatalf("stress: %v", err)
	}
	if len(res.TxHashes) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(res.TxHashes))
	}
	failed := 0
	for _, entry := range res.TxHashes {
		if strings.HasPrefix(entry, "error:") {
			failed++
		}
	}
	if failed != 2 {
		t.Fatalf("expected 2 failures, got %v", res.TxHashes)
	}

	if _, err := h.svc.Stress(ctx, MaxStressCount+1); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid count, got %v", err)
	}
	calls = 0
	h.chain.transferErr = nil
	res, err = h.svc.Stress(ctx, 0)
	if err != nil || len(res.TxHashes) != DefaultStressCount {
		t.Fatalf("expected default count, got %v %v", res, err)
	}
	h.drain(t)
}

func TestStatusReportsOperator(t *testing.T) {
	h := newHarness(t, 3, nil)
	st, err := h.svc.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.RelayerAddress != h.chain.operator.Hex() || st.Balance != "1.0" || st.BlockNumber != 42 {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.Pool.Size != 3 || st.Pool.Available != 3 || !st.NetworkRetryEnabled {
		t.Fatalf("unexpected pool stats %+v", st.Pool)
	}
}
