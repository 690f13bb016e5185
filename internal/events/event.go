// Package events 发布操作结算事件，供下游系统订阅。
package events

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"time"
)

// Event 描述一次结算。
type Event struct {
	OperationID string    `json:"operation_id"`
	Kind        string    `json:"kind"`
	TxHash      string    `json:"tx_hash"`
	Wallet      string    `json:"wallet,omitempty"`
	User        string    `json:"user,omitempty"`
	Reward      string    `json:"reward,omitempty"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Encode 将事件编码为 JSON。
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher 负责投递结算事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Recorder 由能够回放最近事件的 Publisher 实现。
type Recorder interface {
	Recent(limit int) []Event
}

// NopPublisher 丢弃所有事件。
type NopPublisher struct{}

// Publish 实现 Publisher 接口。
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher 接口。
func (NopPublisher) Close() error { return nil }

// Multi 将事件同时投递给多个 Publisher。
type Multi []Publisher

// Publish 投递给所有 Publisher，并合并返回的错误。
func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs error
	for _, p := range m {
		if p == nil {
			continue
		}
		errs = stdErrors.Join(errs, p.Publish(ctx, event))
	}
	return errs
}

// Close 关闭所有 Publisher。
func (m Multi) Close() error {
	var errs error
	for _, p := range m {
		if p == nil {
			continue
		}
		errs = stdErrors.Join(errs, p.Close())
	}
	return errs
}

// Recent 返回第一个支持回放的 Publisher 中的最近事件。
func (m Multi) Recent(limit int) []Event {
	for _, p := range m {
		if r, ok := p.(Recorder); ok {
			return r.Recent(limit)
		}
	}
	return nil
}
