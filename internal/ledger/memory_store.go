package ledger

import (
	"context"
	"math/big"
	"sync"

	xerrors "Relay-Faucet/internal/errors"
)

// MemoryStore 将账本保存在进程内存中，重启后丢失。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore 创建内存账本。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

// Add 实现 Store 接口。
func (s *MemoryStore) Add(_ context.Context, addr string, amount *big.Int, minings int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[addr]
	if !ok {
		entry = &Entry{Balance: new(big.Int)}
		s.entries[addr] = entry
	}
	entry.Balance.Add(entry.Balance, amount)
	entry.Minings += minings
	return nil
}

// Get 实现 Store 接口。
func (s *MemoryStore) Get(_ context.Context, addr string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[addr]
	if !ok {
		return Entry{Balance: new(big.Int)}, nil
	}
	return Entry{Balance: new(big.Int).Set(entry.Balance), Minings: entry.Minings}, nil
}

// Deduct 实现 Store 接口。
func (s *MemoryStore) Deduct(_ context.Context, addr string, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[addr]
	if !ok || entry.Balance.Cmp(amount) < 0 {
		return xerrors.New(xerrors.CodeStorageFailure, "余额不足以扣减",
			xerrors.WithRetryable(false),
			xerrors.WithMetadata("address", addr))
	}
	entry.Balance.Sub(entry.Balance, amount)
	return nil
}
