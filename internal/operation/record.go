// Package operation 记录中继提交的每一笔链上操作，便于审计与排障。
package operation

import (
	"context"
	"strings"

	xerrors "Relay-Faucet/internal/errors"
)

// Kind 表示操作类型。
type Kind string

const (
	KindFund   Kind = "fund"
	KindMine   Kind = "mine"
	KindClaim  Kind = "claim"
	KindTopUp  Kind = "topup"
	KindStress Kind = "stress"
)

// Status 表示操作所处的阶段。
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// IsValidStatus 判断状态是否合法。
func IsValidStatus(s Status) bool {
	switch s {
	case StatusSubmitted, StatusConfirmed, StatusFailed:
		return true
	default:
		return false
	}
}

var (
	// ErrRecordNotFound 表示记录不存在。
	ErrRecordNotFound = xerrors.New(xerrors.CodeInvalidArgument, "操作记录不存在")
	// ErrRecordConflict 表示记录 ID 重复。
	ErrRecordConflict = xerrors.New(xerrors.CodeInvalidArgument, "操作记录已存在")
)

// Record 是一笔已提交操作的流水。金额均为十进制 wei 字符串。
type Record struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	Wallet      string `json:"wallet,omitempty"`
	User        string `json:"user,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Reward      string `json:"reward,omitempty"`
	Status      Status `json:"status"`
	ErrorCode   string `json:"error_code,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Outcome 描述操作结算结果。
type Outcome struct {
	Status      Status
	BlockNumber uint64
	ErrorCode   string
	LastError   string
}

// Store 定义流水存储需要实现的接口。
type Store interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Complete(ctx context.Context, id string, outcome Outcome) error
	List(ctx context.Context, opts ...ListOption) ([]*Record, error)
	Close() error
}

// ListOptions 控制流水查询条件。
type ListOptions struct {
	Limit    int
	Offset   int
	User     string
	Kinds    []Kind
	Statuses []Status
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.User = strings.ToLower(strings.TrimSpace(opts.User))
	if opts.Statuses != nil {
		valid := opts.Statuses[:0]
		for _, s := range opts.Statuses {
			if IsValidStatus(s) {
				valid = append(valid, s)
			}
		}
		opts.Statuses = valid
	}
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回条数。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset 跳过前 n 条记录。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithUser 按用户地址过滤。
func WithUser(user string) ListOption {
	return func(opts *ListOptions) {
		opts.User = user
	}
}

// WithKinds 按操作类型过滤。
func WithKinds(kinds ...Kind) ListOption {
	return func(opts *ListOptions) {
		opts.Kinds = append(opts.Kinds[:0], kinds...)
	}
}

// WithStatuses 按状态过滤。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func validateRecord(record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "操作 ID 不能为空")
	}
	if record.Kind == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "操作类型不能为空")
	}
	if record.Status == "" {
		record.Status = StatusSubmitted
	}
	record.User = strings.ToLower(strings.TrimSpace(record.User))
	return nil
}
