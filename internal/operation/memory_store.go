package operation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 以内存方式保存操作流水，重启后丢失。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, record *Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.ID]; ok {
		return ErrRecordConflict
	}
	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	clone := *record
	m.records[record.ID] = &clone
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	clone := *record
	return &clone, nil
}

// Complete 实现 Store 接口。
func (m *MemoryStore) Complete(_ context.Context, id string, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	record.Status = outcome.Status
	record.BlockNumber = outcome.BlockNumber
	record.ErrorCode = outcome.ErrorCode
	record.LastError = outcome.LastError
	record.UpdatedAt = time.Now().Unix()
	return nil
}

// List 实现 Store 接口，按更新时间倒序返回。
func (m *MemoryStore) List(_ context.Context, opts ...ListOption) ([]*Record, error) {
	options := buildListOptions(opts)

	m.mu.RLock()
	matched := make([]*Record, 0, len(m.records))
	for _, record := range m.records {
		if matches(record, options) {
			clone := *record
			matched = append(matched, &clone)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt == matched[j].UpdatedAt {
			if matched[i].CreatedAt == matched[j].CreatedAt {
				return matched[i].ID > matched[j].ID
			}
			return matched[i].CreatedAt > matched[j].CreatedAt
		}
		return matched[i].UpdatedAt > matched[j].UpdatedAt
	})

	if options.Offset >= len(matched) {
		return []*Record{}, nil
	}
	matched = matched[options.Offset:]
	if len(matched) > options.Limit {
		matched = matched[:options.Limit]
	}
	return matched, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error {
	return nil
}

func matches(record *Record, opts ListOptions) bool {
	if opts.User != "" && record.User != opts.User {
		return false
	}
	if len(opts.Kinds) > 0 {
		found := false
		for _, k := range opts.Kinds {
			if record.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(opts.Statuses) > 0 {
		found := false
		for _, s := range opts.Statuses {
			if record.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
