package policy

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentPlane/internal/errors"
)

// MemoryStore 是规则、审批单与使用计数的内存实现，
// 用于单机部署和测试。
type MemoryStore struct {
	mu        sync.RWMutex
	rules     map[string]*Rule
	approvals map[string]*Approval
	usage     map[string]int64
}

var (
	_ RuleStore     = (*MemoryStore)(nil)
	_ ApprovalStore = (*MemoryStore)(nil)
	_ UsageStore    = (*MemoryStore)(nil)
)

// NewMemoryStore 创建内存策略存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:     make(map[string]*Rule),
		approvals: make(map[string]*Approval),
		usage:     make(map[string]int64),
	}
}

// CreateRule 写入一条新规则。
func (s *MemoryStore) CreateRule(ctx context.Context, rule *Rule) error {
	if rule == nil || rule.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "规则缺少 ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rules[rule.ID]; exists {
		return xerrors.New(xerrors.CodeConflict, "规则 ID 已存在",
			xerrors.WithMetadata("rule_id", rule.ID))
	}
	now := time.Now().Unix()
	if rule.CreatedAt == 0 {
		rule.CreatedAt = now
	}
	if rule.UpdatedAt == 0 {
		rule.UpdatedAt = rule.CreatedAt
	}
	s.rules[rule.ID] = cloneRule(rule)
	return nil
}

// GetRule 按 ID 查询规则。
func (s *MemoryStore) GetRule(ctx context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	return cloneRule(rule), nil
}

// ListRules 返回全部规则，按创建时间排序保证求值顺序稳定。
func (s *MemoryStore) ListRules(ctx context.Context) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Rule, 0, len(s.rules))
	for _, rule := range s.rules {
		out = append(out, cloneRule(rule))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DisableRule 停用规则。
func (s *MemoryStore) DisableRule(ctx context.Context, id string) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	if rule.Enabled {
		rule.Enabled = false
		rule.UpdatedAt = time.Now().Unix()
	}
	return cloneRule(rule), nil
}

// CreateApproval 写入审批单。
func (s *MemoryStore) CreateApproval(ctx context.Context, approval *Approval) error {
	if approval == nil || approval.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "审批单缺少 ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.approvals[approval.ID]; exists {
		return xerrors.New(xerrors.CodeConflict, "审批单 ID 已存在",
			xerrors.WithMetadata("approval_id", approval.ID))
	}
	if approval.CreatedAt == 0 {
		approval.CreatedAt = time.Now().Unix()
	}
	s.approvals[approval.ID] = cloneApproval(approval)
	return nil
}

// GetApproval 按 ID 查询审批单。
func (s *MemoryStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	approval, ok := s.approvals[id]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	return cloneApproval(approval), nil
}

// FindApprovalByFingerprint 返回指纹对应的最新审批单。
func (s *MemoryStore) FindApprovalByFingerprint(ctx context.Context, fingerprint string) (*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Approval
	for _, approval := range s.approvals {
		if approval.Fingerprint != fingerprint {
			continue
		}
		if latest == nil || approval.CreatedAt > latest.CreatedAt ||
			(approval.CreatedAt == latest.CreatedAt && approval.ID > latest.ID) {
			latest = approval
		}
	}
	if latest == nil {
		return nil, ErrApprovalNotFound
	}
	return cloneApproval(latest), nil
}

// ListApprovals 按状态筛选审批单。
func (s *MemoryStore) ListApprovals(ctx context.Context, status ApprovalStatus) ([]*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Approval, 0, len(s.approvals))
	for _, approval := range s.approvals {
		if status != "" && approval.Status != status {
			continue
		}
		out = append(out, cloneApproval(approval))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ResolveApproval 将审批单置为终态。
func (s *MemoryStore) ResolveApproval(ctx context.Context, id string, status ApprovalStatus, resolvedBy, note string, expiresAt int64) (*Approval, error) {
	if status != ApprovalApproved && status != ApprovalRejected {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "审批终态不合法",
			xerrors.WithMetadata("status", string(status)))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	approval, ok := s.approvals[id]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	if approval.Resolved() {
		return nil, xerrors.Wrap(CodeApprovalResolved, ErrApprovalResolved, "审批单已处理",
			xerrors.WithMetadata("approval_id", id),
			xerrors.WithMetadata("status", string(approval.Status)))
	}
	approval.Status = status
	approval.ResolvedBy = resolvedBy
	approval.Note = note
	approval.ResolvedAt = time.Now().Unix()
	if status == ApprovalApproved {
		approval.ExpiresAt = expiresAt
	}
	return cloneApproval(approval), nil
}

// IncrementUsage 将计数器加一。
func (s *MemoryStore) IncrementUsage(ctx context.Context, counter string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[counter]++
	return s.usage[counter], nil
}

// GetUsage 批量读取计数器。
func (s *MemoryStore) GetUsage(ctx context.Context, counters []string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(counters))
	for _, counter := range counters {
		out[counter] = s.usage[counter]
	}
	return out, nil
}

// Close 实现存储接口，无资源需要释放。
func (s *MemoryStore) Close() error {
	return nil
}
