package policy

import "context"

// RuleStore 负责规则的持久化。规则本身不可变：调整语义时写入
// 新版本并停用旧规则，让历史审计仍可回溯到当时生效的定义。
type RuleStore interface {
	// CreateRule 写入一条新规则，ID 冲突时返回错误。
	CreateRule(ctx context.Context, rule *Rule) error
	// GetRule 按 ID 查询规则。
	GetRule(ctx context.Context, id string) (*Rule, error)
	// ListRules 返回全部规则，含停用的，由调用方筛选。
	ListRules(ctx context.Context) ([]*Rule, error)
	// DisableRule 停用规则，对已停用的规则是幂等操作。
	DisableRule(ctx context.Context, id string) (*Rule, error)
	// Close 释放底层资源。
	Close() error
}

// ApprovalStore 负责升级审批单的持久化。
type ApprovalStore interface {
	// CreateApproval 写入一条审批单。
	CreateApproval(ctx context.Context, approval *Approval) error
	// GetApproval 按 ID 查询审批单。
	GetApproval(ctx context.Context, id string) (*Approval, error)
	// FindApprovalByFingerprint 返回指纹对应的最新一条审批单，
	// 不存在时返回 ErrApprovalNotFound。
	FindApprovalByFingerprint(ctx context.Context, fingerprint string) (*Approval, error)
	// ListApprovals 按状态筛选审批单，status 为空串时返回全部。
	ListApprovals(ctx context.Context, status ApprovalStatus) ([]*Approval, error)
	// ResolveApproval 将 PENDING 审批单置为终态，重复处理返回
	// ErrApprovalResolved。
	ResolveApproval(ctx context.Context, id string, status ApprovalStatus, resolvedBy, note string, expiresAt int64) (*Approval, error)
	// Close 释放底层资源。
	Close() error
}

// UsageStore 维护使用计数谓词引用的计数器。
type UsageStore interface {
	// IncrementUsage 将计数器加一并返回新值。
	IncrementUsage(ctx context.Context, counter string) (int64, error)
	// GetUsage 批量读取计数器当前值，缺省为零。
	GetUsage(ctx context.Context, counters []string) (map[string]int64, error)
	// Close 释放底层资源。
	Close() error
}
