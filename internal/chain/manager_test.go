package chain

import (
	"context"
	stdErrors "errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	xerrors "Relay-Faucet/internal/errors"
	"Relay-Faucet/internal/resilience"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

type fakeBackend struct {
	mu        sync.Mutex
	probeErrs []error
	chainID   *big.Int
	gasPrice  *big.Int
	gasErr    error
	balances  map[common.Address]*big.Int
	nonces    map[common.Address]uint64
	sent      []*coretypes.Transaction
	receipts  map[common.Hash]*coretypes.Receipt
	closed    bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:  big.NewInt(1337),
		gasPrice: big.NewInt(10_000_000_000),
		balances: map[common.Address]*big.Int{},
		nonces:   map[common.Address]uint64{},
		receipts: map[common.Hash]*coretypes.Receipt{},
	}
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.probeErrs) > 0 {
		err := f.probeErrs[0]
		f.probeErrs = f.probeErrs[1:]
		return 0, err
	}
	return 42, nil
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return f.chainID, nil
}

func (f *fakeBackend) BalanceAt(ctx context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if f.gasErr != nil {
		return nil, f.gasErr
	}
	return f.gasPrice, nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[account], nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return err
	}
	// Widen the race window between nonce lookup and submission.
	time.Sleep(time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx.Nonce() != f.nonces[sender] {
		return stdErrors.New("nonce too low")
	}
	f.nonces[sender]++
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, gethcore.NotFound
}

func (f *fakeBackend) setReceipt(hash common.Hash, status uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[hash] = &coretypes.Receipt{Status: status, TxHash: hash, BlockNumber: big.NewInt(43)}
}

func (f *fakeBackend) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func fastExecutor() *resilience.Executor {
	return resilience.New(
		resilience.WithSleeper(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
		resilience.WithJitter(func(time.Duration) time.Duration { return 0 }),
	)
}

func newTestManager(t *testing.T, backends map[string]*fakeBackend, opts ...Option) *Manager {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dial := func(ctx context.Context, url string) (Backend, func(), error) {
		b, ok := backends[url]
		if !ok {
			return nil, nil, stdErrors.New("no known transport for URL scheme")
		}
		return b, func() {
			b.mu.Lock()
			b.closed = true
			b.mu.Unlock()
		}, nil
	}
	opts = append([]Option{WithDialer(dial), WithPollInterval(5 * time.Millisecond)}, opts...)
	m, err := NewManager(fastExecutor(), key, opts...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestSessionBeforeConnect(t *testing.T) {
	m := newTestManager(t, nil)
	if _, err := m.Session(); !xerrors.HasCode(err, xerrors.CodeNotConnected) {
		t.Fatalf("expected NOT_CONNECTED, got %v", err)
	}
	if _, err := m.BlockNumber(context.Background()); !stdErrors.Is(err, ErrNotConnected) {
		t.Fatalf("helpers must fail before connect, got %v", err)
	}
}

func TestConnectRetriesProbe(t *testing.T) {
	backend := newFakeBackend()
	backend.probeErrs = []error{syscall.ECONNREFUSED, stdErrors.New("network is unreachable")}
	m := newTestManager(t, map[string]*fakeBackend{"http://rpc-a": backend})

	if err := m.Connect(context.Background(), "http://rpc-a"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	s, err := m.Session()
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if s.ChainID.Int64() != 1337 || s.URL != "http://rpc-a" {
		t.Fatalf("unexpected session %+v", s)
	}
	if s.Operator != m.Operator() {
		t.Fatalf("operator mismatch: %s vs %s", s.Operator.Hex(), m.Operator().Hex())
	}
}

func TestConnectAnyFallsBack(t *testing.T) {
	good := newFakeBackend()
	m := newTestManager(t, map[string]*fakeBackend{"http://rpc-b": good})

	if err := m.ConnectAny(context.Background(), []string{"ftp://rpc-a", "http://rpc-b"}); err != nil {
		t.Fatalf("connect any: %v", err)
	}
	s, _ := m.Session()
	if s.URL != "http://rpc-b" {
		t.Fatalf("expected fallback endpoint, got %s", s.URL)
	}
}

func TestConnectRejectsWrongChain(t *testing.T) {
	backend := newFakeBackend()
	backend.chainID = big.NewInt(5)
	m := newTestManager(t, map[string]*fakeBackend{"http://rpc-a": backend}, WithExpectedChainID(1337))

	err := m.Connect(context.Background(), "http://rpc-a")
	if !xerrors.HasCode(err, xerrors.CodeTerminal) {
		t.Fatalf("expected terminal chain mismatch, got %v", err)
	}
	if m.Connected() {
		t.Fatal("session must not be published")
	}
	if !backend.closed {
		t.Fatal("failed attempt must close its backend")
	}
}

func TestReconnectReplacesSession(t *testing.T) {
	a, b := newFakeBackend(), newFakeBackend()
	m := newTestManager(t, map[string]*fakeBackend{"http://rpc-a": a, "http://rpc-b": b})
	ctx := context.Background()

	if err := m.Connect(ctx, "http://rpc-a"); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	first, _ := m.Session()
	if err := m.Connect(ctx, "http://rpc-b"); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	second, _ := m.Session()
	if first == second || second.URL != "http://rpc-b" {
		t.Fatal("reconnect should publish a new session")
	}
	if first.URL != "http://rpc-a" {
		t.Fatal("previous session must not be mutated")
	}
	if !a.closed {
		t.Fatal("previous backend should be closed")
	}
}

func TestGasPriceBumpAndFallback(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(t, map[string]*fakeBackend{"http://rpc-a": backend})
	ctx := context.Background()
	if err := m.Connect(ctx, "http://rpc-a"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	price, err := m.GasPrice(ctx)
	if err != nil {
		t.Fatalf("gas price: %v", err)
	}
	if price.Cmp(big.NewInt(12_000_000_000)) != 0 {
		t.Fatalf("expected 20%% bump, got %s", price)
	}

	backend.gasErr = stdErrors.New("method not found")
	price, err = m.GasPrice(ctx)
	if err != nil {
		t.Fatalf("fallback gas price: %v", err)
	}
	if price.Cmp(FallbackGasPrice) != 0 {
		t.Fatalf("expected fallback price, got %s", price)
	}
}

func TestSendSerializesSignerNonces(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(t, map[string]*fakeBackend{"http://rpc-a": backend})
	ctx := context.Background()
	if err := m.Connect(ctx, "http://rpc-a"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			to := common.BigToAddress(big.NewInt(int64(i + 1)))
			if _, err := m.Transfer(ctx, to, big.NewInt(1)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("transfer: %v", err)
	}
	if got := backend.sentCount(); got != n {
		t.Fatalf("expected %d transactions, got %d", n, got)
	}
	seen := map[uint64]bool{}
	for _, tx := range backend.sent {
		if seen[tx.Nonce()] {
			t.Fatalf("nonce %d reused", tx.Nonce())
		}
		seen[tx.Nonce()] = true
		if tx.Gas() != 21000 {
			t.Fatalf("unexpected gas limit %d", tx.Gas())
		}
	}
}

func TestWaitMined(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(t, map[string]*fakeBackend{"http://rpc-a": backend})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Connect(ctx, "http://rpc-a"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ok := common.HexToHash("0x01")
	go func() {
		time.Sleep(20 * time.Millisecond)
		backend.setReceipt(ok, coretypes.ReceiptStatusSuccessful)
	}()
	receipt, err := m.WaitMined(ctx, ok)
	if err != nil {
		t.Fatalf("wait mined: %v", err)
	}
	if receipt.BlockNumber.Int64() != 43 {
		t.Fatalf("unexpected receipt block %v", receipt.BlockNumber)
	}

	reverted := common.HexToHash("0x02")
	backend.setReceipt(reverted, coretypes.ReceiptStatusFailed)
	_, err = m.WaitMined(ctx, reverted)
	if !xerrors.HasCode(err, xerrors.CodeTxFailed) {
		t.Fatalf("expected TX_FAILED, got %v", err)
	}
	if resilience.IsTransient(err) {
		t.Fatal("a reverted transaction must not be retried")
	}
}

func TestWaitMinedHonoursContext(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(t, map[string]*fakeBackend{"http://rpc-a": backend})
	if err := m.Connect(context.Background(), "http://rpc-a"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := m.WaitMined(ctx, common.HexToHash("0x03")); !stdErrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestParsePrivateKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	encoded := "0x" + common.Bytes2Hex(crypto.FromECDSA(key))
	parsed, err := ParsePrivateKey(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if crypto.PubkeyToAddress(parsed.PublicKey) != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatal("parsed key differs")
	}
	if _, err := ParsePrivateKey("zz"); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestLoadDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	content := `default: omega
chains:
  omega:
    type: evm
    chain_id: 1313161916
    rpc_urls:
      - " https://rpc-a.example "
      - ""
      - https://rpc-b.example
    mining_contract: "0x54c731627f2d2b55267b53e604c869ab8e6a323b"
  local:
    rpc_urls: ["http://127.0.0.1:8545"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	defs, err := LoadDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def, name, err := defs.Resolve("")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if name != "omega" || def.ChainID != 1313161916 {
		t.Fatalf("unexpected default chain %s %+v", name, def)
	}
	urls := def.Endpoints()
	if len(urls) != 2 || urls[0] != "https://rpc-a.example" {
		t.Fatalf("unexpected endpoints %v", urls)
	}
	if _, _, err := defs.Resolve("missing"); err == nil {
		t.Fatal("expected unknown chain error")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(bad, []byte("chains:\n  sol:\n    type: solana\n"), 0o600)
	if _, err := LoadDefinitions(bad); err == nil {
		t.Fatal("expected unsupported type error")
	}
}
