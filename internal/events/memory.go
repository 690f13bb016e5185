package events

import (
	"context"
	"errors"
	"sync"
)

// MemoryPublisher 在内存环形缓冲区中保留最近的事件。
type MemoryPublisher struct {
	mu     sync.RWMutex
	buf    []Event
	next   int
	full   bool
	closed bool
}

// NewMemoryPublisher 创建容量为 size 的内存发布器。
func NewMemoryPublisher(size int) *MemoryPublisher {
	if size <= 0 {
		size = 256
	}
	return &MemoryPublisher{buf: make([]Event, size)}
}

// Publish 实现 Publisher 接口，缓冲区满时覆盖最旧的事件。
func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("事件发布器已关闭")
	}
	p.buf[p.next] = event
	p.next = (p.next + 1) % len(p.buf)
	if p.next == 0 {
		p.full = true
	}
	return nil
}

// Recent 按时间倒序返回最多 limit 条事件。
func (p *MemoryPublisher) Recent(limit int) []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	count := p.next
	if p.full {
		count = len(p.buf)
	}
	if limit <= 0 || limit > count {
		limit = count
	}
	out := make([]Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (p.next - i + len(p.buf)) % len(p.buf)
		out = append(out, p.buf[idx])
	}
	return out
}

// Close 实现 Publisher 接口。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
