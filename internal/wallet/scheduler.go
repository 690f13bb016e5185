// Package wallet implements the worker wallet pool and the lease scheduler that
// hands one idle identity to each request.
package wallet

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	xerrors "Relay-Faucet/internal/errors"
	"Relay-Faucet/internal/observability/metrics"
	"Relay-Faucet/internal/resilience"
	"Relay-Faucet/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/google/uuid"
)

// Defaults for the busy window and pre-flight funding.
const (
	DefaultBusyWindow = 30 * time.Second
)

var (
	// DefaultFundingFloor is 0.0002 ether.
	DefaultFundingFloor = new(big.Int).Mul(big.NewInt(200_000), big.NewInt(params.GWei))
	// DefaultTopUpAmount is 0.001 ether.
	DefaultTopUpAmount = new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(params.GWei))
)

// ErrAllWorkersBusy is returned when a full scan finds no selectable identity.
var ErrAllWorkersBusy = xerrors.New(xerrors.CodeAllWorkersBusy, "")

// reserved marks a slot that has been leased but has not submitted yet.
const reserved = "reserved"

// Chain is the subset of chain operations used for pre-flight funding.
type Chain interface {
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	Transfer(ctx context.Context, to common.Address, value *big.Int) (*coretypes.Transaction, error)
	WaitMined(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
}

type slot struct {
	identity  Identity
	pending   string
	leaseID   string
	busyUntil time.Time
}

func (s *slot) selectable(now time.Time) bool {
	return s.pending == "" && !now.Before(s.busyUntil)
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size      int `json:"size"`
	Pending   int `json:"pending"`
	Busy      int `json:"busy"`
	Available int `json:"available"`
}

// Scheduler leases worker identities round-robin. Selection and reservation
// happen in the same critical section.
type Scheduler struct {
	mu     sync.Mutex
	slots  []*slot
	cursor int

	busyWindow time.Duration
	floor      *big.Int
	topUp      *big.Int
	chain      Chain
	exec       *resilience.Executor
	now        func() time.Time
	logger     *slog.Logger

	settling sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithBusyWindow sets the minimum reservation after a submission.
func WithBusyWindow(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.busyWindow = d
		}
	}
}

// WithFunding sets the balance floor and the top-up amount used by Lease.Fund.
func WithFunding(floor, topUp *big.Int) Option {
	return func(s *Scheduler) {
		if floor != nil {
			s.floor = new(big.Int).Set(floor)
		}
		if topUp != nil {
			s.topUp = new(big.Int).Set(topUp)
		}
	}
}

// WithChain wires the chain and executor used for pre-flight funding.
func WithChain(chain Chain, exec *resilience.Executor) Option {
	return func(s *Scheduler) {
		s.chain = chain
		s.exec = exec
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewScheduler builds a scheduler over a fixed set of identities.
func NewScheduler(identities []Identity, opts ...Option) (*Scheduler, error) {
	if len(identities) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "矿工钱包池不能为空")
	}
	s := &Scheduler{
		slots:      make([]*slot, 0, len(identities)),
		busyWindow: DefaultBusyWindow,
		floor:      new(big.Int).Set(DefaultFundingFloor),
		topUp:      new(big.Int).Set(DefaultTopUpAmount),
		now:        time.Now,
	}
	seen := make(map[common.Address]struct{}, len(identities))
	for _, id := range identities {
		if id.key == nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "矿工钱包缺少私钥")
		}
		if _, dup := seen[id.Address]; dup {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "矿工钱包重复",
				xerrors.WithMetadata("address", id.Address.Hex()))
		}
		seen[id.Address] = struct{}{}
		s.slots = append(s.slots, &slot{identity: id})
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.exec == nil {
		s.exec = resilience.New()
	}
	if s.logger == nil {
		s.logger = logger.Named("wallet")
	}
	metrics.SetPoolState(len(s.slots), 0, 0)
	return s, nil
}

// Size returns the number of identities in the pool.
func (s *Scheduler) Size() int {
	return len(s.slots)
}

// Lease reserves the next selectable identity, scanning at most one full
// rotation from the cursor.
func (s *Scheduler) Lease(ctx context.Context) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	now := s.now()
	n := len(s.slots)
	for i := 0; i < n; i++ {
		idx := s.cursor
		s.cursor = (s.cursor + 1) % n
		sl := s.slots[idx]
		if !sl.selectable(now) {
			continue
		}
		lease := &Lease{
			ID:       uuid.NewString(),
			Identity: sl.identity,
			sched:    s,
			slot:     idx,
		}
		sl.pending = reserved
		sl.leaseID = lease.ID
		stats := s.statsLocked(now)
		s.mu.Unlock()

		metrics.ObserveLease("acquired")
		metrics.SetPoolState(stats.Available, stats.Pending, stats.Busy)
		s.logger.Debug("worker wallet leased",
			slog.String("lease", lease.ID),
			slog.String("wallet", lease.Identity.Address.Hex()))
		return lease, nil
	}
	s.mu.Unlock()

	metrics.ObserveLease("busy")
	s.logger.Warn("all worker wallets busy", slog.Int("pool_size", n))
	return nil, ErrAllWorkersBusy
}

// Settle waits for a submitted lease in a tracked goroutine and hands wait's
// error to onSettled. The lease is released afterwards in a deferred call, so
// it is freed exactly once whatever the outcome, panics included.
func (s *Scheduler) Settle(ctx context.Context, lease *Lease, wait func(ctx context.Context) error, onSettled func(err error)) {
	s.settling.Add(1)
	go func() {
		defer s.settling.Done()
		defer lease.Release()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("settlement panicked",
					slog.String("lease", lease.ID),
					slog.Any("panic", r))
			}
		}()

		err := wait(ctx)
		if err != nil {
			s.logger.Warn("settlement failed",
				slog.String("lease", lease.ID),
				slog.String("wallet", lease.Identity.Address.Hex()),
				slog.Any("error", err))
		} else {
			s.logger.Debug("settlement finished",
				slog.String("lease", lease.ID),
				slog.String("wallet", lease.Identity.Address.Hex()))
		}
		if onSettled != nil {
			onSettled(err)
		}
	}()
}

// Wait blocks until every tracked settlement has finished or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.settling.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports how many identities are pending, inside their busy window or
// available right now.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	stats := s.statsLocked(s.now())
	s.mu.Unlock()
	metrics.SetPoolState(stats.Available, stats.Pending, stats.Busy)
	return stats
}

func (s *Scheduler) statsLocked(now time.Time) Stats {
	stats := Stats{Size: len(s.slots)}
	for _, sl := range s.slots {
		switch {
		case sl.pending != "":
			stats.Pending++
		case now.Before(sl.busyUntil):
			stats.Busy++
		default:
			stats.Available++
		}
	}
	return stats
}

func (s *Scheduler) markSubmitted(l *Lease, txHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.slots[l.slot]
	if sl.leaseID != l.ID {
		return
	}
	sl.pending = txHash
	sl.busyUntil = s.now().Add(s.busyWindow)
}

func (s *Scheduler) release(l *Lease) {
	s.mu.Lock()
	sl := s.slots[l.slot]
	if sl.leaseID == l.ID {
		sl.pending = ""
		sl.leaseID = ""
	}
	stats := s.statsLocked(s.now())
	s.mu.Unlock()
	metrics.SetPoolState(stats.Available, stats.Pending, stats.Busy)
}
