package policy

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPlane/internal/errors"
	"AgentPlane/internal/observability/metrics"
	"AgentPlane/pkg/logger"
)

// defaultApprovalTTL 是审批通过后授权的默认有效期。
const defaultApprovalTTL = 15 * time.Minute

// Service 封装规则管理、授权判定与升级审批流程。
type Service struct {
	rules       RuleStore
	approvals   ApprovalStore
	usage       UsageStore
	approvalTTL time.Duration
	metrics     *metrics.Metrics
	nowFn       func() time.Time
}

// NewService 创建策略服务。
func NewService(rules RuleStore, approvals ApprovalStore, usage UsageStore, approvalTTL time.Duration, m *metrics.Metrics) *Service {
	if approvalTTL <= 0 {
		approvalTTL = defaultApprovalTTL
	}
	return &Service{
		rules:       rules,
		approvals:   approvals,
		usage:       usage,
		approvalTTL: approvalTTL,
		metrics:     m,
		nowFn:       time.Now,
	}
}

func (s *Service) ready() error {
	if s == nil || s.rules == nil || s.approvals == nil || s.usage == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "策略服务未初始化")
	}
	return nil
}

// Authorize 执行一次完整授权：求值、累计使用计数、处理升级审批，
// 并写入审计日志。返回的判定中 ESCALATE 已折算为最终的放行或拒绝。
func (s *Service) Authorize(ctx context.Context, input Input) (*Decision, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.Permission) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "授权请求缺少权限标识")
	}
	start := time.Now()
	if input.Now.IsZero() {
		input.Now = s.nowFn()
	}

	rules, err := s.rules.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	input.Usage, err = s.loadUsage(ctx, rules)
	if err != nil {
		return nil, err
	}

	decision := Evaluate(rules, input)
	if decision.RuleID != "" {
		if err := s.bumpUsage(ctx, rules, decision.RuleID); err != nil {
			return nil, err
		}
	}
	if decision.Effect == EffectEscalate {
		decision, err = s.resolveEscalation(ctx, decision, input)
		if err != nil {
			return nil, err
		}
	}

	elapsed := time.Since(start)
	s.metrics.ObservePolicyDecision(string(decision.Effect), elapsed)
	logger.Audit().Info("policy_decision",
		slog.String("agent_id", input.AgentID),
		slog.String("permission", input.Permission),
		slog.String("effect", string(decision.Effect)),
		slog.String("rule_id", decision.RuleID),
		slog.String("reason", decision.Reason),
		slog.Int64("elapsed_us", elapsed.Microseconds()))
	return &decision, nil
}

// Check 做一次无副作用的假设判定：不累计计数、不创建审批单。
// 已存在的审批单会反映在结果里。
func (s *Service) Check(ctx context.Context, input Input) (*Decision, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.Permission) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "授权请求缺少权限标识")
	}
	if input.Now.IsZero() {
		input.Now = s.nowFn()
	}

	rules, err := s.rules.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	input.Usage, err = s.loadUsage(ctx, rules)
	if err != nil {
		return nil, err
	}

	decision := Evaluate(rules, input)
	if decision.Effect != EffectEscalate {
		return &decision, nil
	}

	fingerprint := Fingerprint(input.AgentID, input.Permission, input.Context)
	approval, err := s.approvals.FindApprovalByFingerprint(ctx, fingerprint)
	if err != nil {
		if stdErrors.Is(err, ErrApprovalNotFound) {
			decision.Reason = "escalation requires approval"
			return &decision, nil
		}
		return nil, err
	}
	decision.ApprovalID = approval.ID
	switch {
	case approval.GrantActive(input.Now.Unix()):
		decision.Effect = EffectAllow
		decision.Reason = "escalation approved"
	case approval.Status == ApprovalApproved:
		decision.Reason = "escalation approval expired"
	case approval.Status == ApprovalRejected:
		decision.Effect = EffectDeny
		decision.Reason = "escalation rejected"
	default:
		decision.Reason = "escalation pending approval"
	}
	return &decision, nil
}

// loadUsage 读取启用规则引用的全部计数器快照。
func (s *Service) loadUsage(ctx context.Context, rules []*Rule) (map[string]int64, error) {
	var counters []string
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		for i := range rule.Predicates {
			if rule.Predicates[i].Kind == KindUsageCounter {
				counters = append(counters, rule.Predicates[i].counterName(rule.ID))
			}
		}
	}
	if len(counters) == 0 {
		return nil, nil
	}
	return s.usage.GetUsage(ctx, counters)
}

// bumpUsage 对命中规则的计数谓词逐一累加。
func (s *Service) bumpUsage(ctx context.Context, rules []*Rule, ruleID string) error {
	for _, rule := range rules {
		if rule.ID != ruleID {
			continue
		}
		for i := range rule.Predicates {
			if rule.Predicates[i].Kind != KindUsageCounter {
				continue
			}
			if _, err := s.usage.IncrementUsage(ctx, rule.Predicates[i].counterName(rule.ID)); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

// resolveEscalation 把 ESCALATE 判定折算为调用方可见的终态：
// 审批通过且未过期时放行，否则拒绝；没有审批单时新建一张 PENDING。
func (s *Service) resolveEscalation(ctx context.Context, decision Decision, input Input) (Decision, error) {
	fingerprint := Fingerprint(input.AgentID, input.Permission, input.Context)
	now := input.Now.Unix()

	approval, err := s.approvals.FindApprovalByFingerprint(ctx, fingerprint)
	if err == nil {
		switch {
		case approval.GrantActive(now):
			decision.Effect = EffectAllow
			decision.ApprovalID = approval.ID
			decision.Reason = "escalation approved"
			return decision, nil
		case approval.Status == ApprovalRejected:
			decision.Effect = EffectDeny
			decision.ApprovalID = approval.ID
			decision.Reason = "escalation rejected"
			return decision, nil
		case approval.Status == ApprovalPending:
			decision.Effect = EffectDeny
			decision.ApprovalID = approval.ID
			decision.Reason = "escalation pending approval"
			return decision, nil
		}
		// 审批已过期，重新走一轮审批。
	} else if !stdErrors.Is(err, ErrApprovalNotFound) {
		return Decision{}, err
	}

	approval = &Approval{
		ID:          uuid.NewString(),
		Fingerprint: fingerprint,
		AgentID:     input.AgentID,
		Permission:  input.Permission,
		Context:     input.Context,
		RuleID:      decision.RuleID,
		Status:      ApprovalPending,
		CreatedAt:   now,
	}
	if err := s.approvals.CreateApproval(ctx, approval); err != nil {
		return Decision{}, err
	}
	logger.Audit().Info("approval_requested",
		slog.String("approval_id", approval.ID),
		slog.String("agent_id", input.AgentID),
		slog.String("permission", input.Permission),
		slog.String("rule_id", decision.RuleID))

	decision.Effect = EffectDeny
	decision.ApprovalID = approval.ID
	decision.Reason = "escalation pending approval"
	return decision, nil
}

// CreateRule 写入一条新规则并返回其完整定义。
func (s *Service) CreateRule(ctx context.Context, rule *Rule) (*Rule, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "规则为空")
	}
	clone := cloneRule(rule)
	clone.ID = uuid.NewString()
	clone.Version = 1
	clone.Enabled = true
	now := s.nowFn().Unix()
	clone.CreatedAt = now
	clone.UpdatedAt = now
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	if err := s.rules.CreateRule(ctx, clone); err != nil {
		return nil, err
	}
	logger.Audit().Info("policy_rule_created",
		slog.String("rule_id", clone.ID),
		slog.String("name", clone.Name),
		slog.String("effect", string(clone.Effect)),
		slog.Int("priority", clone.Priority))
	return clone, nil
}

// ReplaceRule 用新定义替换规则：旧规则停用，新规则携带递增的
// 版本号写入。先停用旧版本，新版本写入失败时宁可暂缺规则，
// 也不允许两个版本同时生效。
func (s *Service) ReplaceRule(ctx context.Context, id string, rule *Rule) (*Rule, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "规则为空")
	}
	old, err := s.rules.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}

	clone := cloneRule(rule)
	clone.ID = uuid.NewString()
	clone.Version = old.Version + 1
	clone.Enabled = true
	if strings.TrimSpace(clone.Name) == "" {
		clone.Name = old.Name
	}
	now := s.nowFn().Unix()
	clone.CreatedAt = now
	clone.UpdatedAt = now
	if err := clone.Validate(); err != nil {
		return nil, err
	}

	if _, err := s.rules.DisableRule(ctx, id); err != nil {
		return nil, err
	}
	if err := s.rules.CreateRule(ctx, clone); err != nil {
		return nil, err
	}
	logger.Audit().Info("policy_rule_replaced",
		slog.String("old_rule_id", id),
		slog.String("rule_id", clone.ID),
		slog.Int("version", clone.Version))
	return clone, nil
}

// DisableRule 停用规则，停用后的规则不再参与求值。
func (s *Service) DisableRule(ctx context.Context, id string) (*Rule, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rule, err := s.rules.DisableRule(ctx, id)
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("policy_rule_disabled", slog.String("rule_id", id))
	return rule, nil
}

// GetRule 按 ID 查询规则。
func (s *Service) GetRule(ctx context.Context, id string) (*Rule, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.rules.GetRule(ctx, id)
}

// ListRules 返回规则列表，默认只含启用中的规则。
func (s *Service) ListRules(ctx context.Context, includeDisabled bool) ([]*Rule, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rules, err := s.rules.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	if includeDisabled {
		return rules, nil
	}
	enabled := rules[:0]
	for _, rule := range rules {
		if rule.Enabled {
			enabled = append(enabled, rule)
		}
	}
	return enabled, nil
}

// GetApproval 按 ID 查询审批单。
func (s *Service) GetApproval(ctx context.Context, id string) (*Approval, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.approvals.GetApproval(ctx, id)
}

// ListApprovals 按状态筛选审批单。
func (s *Service) ListApprovals(ctx context.Context, status ApprovalStatus) ([]*Approval, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	switch status {
	case "", ApprovalPending, ApprovalApproved, ApprovalRejected:
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "审批状态不合法",
			xerrors.WithMetadata("status", string(status)))
	}
	return s.approvals.ListApprovals(ctx, status)
}

// ResolveApproval 处理一张 PENDING 审批单。通过时授权在
// approvalTTL 内生效，驳回则对该指纹永久拒绝。
func (s *Service) ResolveApproval(ctx context.Context, id string, approve bool, resolvedBy, note string) (*Approval, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	status := ApprovalRejected
	var expires int64
	if approve {
		status = ApprovalApproved
		expires = s.nowFn().Add(s.approvalTTL).Unix()
	}
	approval, err := s.approvals.ResolveApproval(ctx, id, status, resolvedBy, note, expires)
	if err != nil {
		return nil, err
	}
	s.metrics.ApprovalResolved(string(status))
	logger.Audit().Info("approval_resolved",
		slog.String("approval_id", id),
		slog.String("status", string(status)),
		slog.String("resolved_by", resolvedBy))
	return approval, nil
}
