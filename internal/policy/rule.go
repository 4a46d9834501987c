package policy

import (
	"fmt"
	"strings"

	xerrors "AgentPlane/internal/errors"
	"AgentPlane/internal/registry"
)

// Effect 表示规则命中后的处置方式。
type Effect string

const (
	EffectAllow    Effect = "ALLOW"
	EffectDeny     Effect = "DENY"
	EffectEscalate Effect = "ESCALATE"
)

// PredicateKind 枚举谓词的封闭变体。新增谓词种类时只需扩展
// matchPredicate 中的分支，求值循环保持不变。
type PredicateKind string

const (
	KindPermission   PredicateKind = "permission"
	KindAgentType    PredicateKind = "agent_type"
	KindTimeWindow   PredicateKind = "time_window"
	KindUsageCounter PredicateKind = "usage_counter"
)

// Predicate 是带标签的谓词变体，各字段按 Kind 解释。
type Predicate struct {
	Kind PredicateKind `json:"kind" yaml:"kind"`

	// KindPermission：精确匹配权限串，或 "resource:*" 前缀通配，"*" 全配。
	Permission string `json:"permission,omitempty" yaml:"permission,omitempty"`

	// KindAgentType：命中任意一个列出的代理类型。
	AgentTypes []string `json:"agent_types,omitempty" yaml:"agent_types,omitempty"`

	// KindTimeWindow：UTC 小时窗口 [start, end)，start > end 表示跨夜。
	StartHour int `json:"start_hour,omitempty" yaml:"start_hour,omitempty"`
	EndHour   int `json:"end_hour,omitempty" yaml:"end_hour,omitempty"`

	// KindUsageCounter：计数器未达上限时命中。Counter 为空时使用规则
	// 自身的调用计数器。
	Counter string `json:"counter,omitempty" yaml:"counter,omitempty"`
	Max     int64  `json:"max,omitempty" yaml:"max,omitempty"`
}

// Rule 是一条带优先级的授权规则。规则一经引用即不可变，
// 更新通过生成新版本并停用旧规则完成。
type Rule struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Effect      Effect      `json:"effect"`
	Priority    int         `json:"priority"`
	Predicates  []Predicate `json:"predicates"`
	RoleIDs     []string    `json:"role_ids,omitempty"`
	AgentIDs    []string    `json:"agent_ids,omitempty"`
	NotBefore   int64       `json:"not_before,omitempty"`
	NotAfter    int64       `json:"not_after,omitempty"`
	Version     int         `json:"version"`
	Enabled     bool        `json:"enabled"`
	CreatedAt   int64       `json:"created_at"`
	UpdatedAt   int64       `json:"updated_at"`
}

var (
	// ErrRuleNotFound 表示指定的规则不存在。
	ErrRuleNotFound = xerrors.New(CodeRuleNotFound, "policy rule not found")
	// ErrApprovalNotFound 表示指定的审批单不存在。
	ErrApprovalNotFound = xerrors.New(CodeApprovalNotFound, "approval not found")
	// ErrApprovalResolved 表示审批单已被处理过。
	ErrApprovalResolved = xerrors.New(CodeApprovalResolved, "approval already resolved", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeRuleNotFound     xerrors.Code = "RULE_NOT_FOUND"
	CodeApprovalNotFound xerrors.Code = "APPROVAL_NOT_FOUND"
	CodeApprovalResolved xerrors.Code = "APPROVAL_ALREADY_RESOLVED"
)

func init() {
	xerrors.Register(CodeRuleNotFound, xerrors.Attributes{
		Message:   "policy rule not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeApprovalNotFound, xerrors.Attributes{
		Message:   "approval not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeApprovalResolved, xerrors.Attributes{
		Message:   "approval already resolved",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidEffect 检查处置方式是否受支持。
func IsValidEffect(effect Effect) bool {
	switch effect {
	case EffectAllow, EffectDeny, EffectEscalate:
		return true
	default:
		return false
	}
}

// Validate 校验规则定义的完整性。
func (r *Rule) Validate() error {
	if r == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "规则为空")
	}
	if strings.TrimSpace(r.Name) == "" {
		return xerrors.New(xerrors.CodeValidationFailed, "规则名称不能为空")
	}
	if !IsValidEffect(r.Effect) {
		return xerrors.New(xerrors.CodeValidationFailed, "规则处置方式不受支持",
			xerrors.WithMetadata("effect", string(r.Effect)))
	}
	if len(r.Predicates) == 0 {
		return xerrors.New(xerrors.CodeValidationFailed, "规则至少需要一个谓词")
	}
	for i := range r.Predicates {
		if err := r.Predicates[i].validate(); err != nil {
			return err
		}
	}
	if r.NotBefore != 0 && r.NotAfter != 0 && r.NotAfter < r.NotBefore {
		return xerrors.New(xerrors.CodeValidationFailed, "规则生效窗口不合法")
	}
	return nil
}

// Global 判断规则是否不限定角色与代理。
func (r *Rule) Global() bool {
	return len(r.RoleIDs) == 0 && len(r.AgentIDs) == 0
}

// counterName 返回使用计数谓词对应的计数器名称。
func (p *Predicate) counterName(ruleID string) string {
	if strings.TrimSpace(p.Counter) != "" {
		return p.Counter
	}
	return "rule:" + ruleID
}

func (p *Predicate) validate() error {
	switch p.Kind {
	case KindPermission:
		if strings.TrimSpace(p.Permission) == "" {
			return xerrors.New(xerrors.CodeValidationFailed, "权限谓词缺少匹配模式")
		}
	case KindAgentType:
		if len(p.AgentTypes) == 0 {
			return xerrors.New(xerrors.CodeValidationFailed, "代理类型谓词缺少类型列表")
		}
		for _, t := range p.AgentTypes {
			if !registry.IsValidType(registry.AgentType(t)) {
				return xerrors.New(xerrors.CodeValidationFailed,
					fmt.Sprintf("未知的代理类型 %q", t))
			}
		}
	case KindTimeWindow:
		if p.StartHour < 0 || p.StartHour > 23 || p.EndHour < 0 || p.EndHour > 24 {
			return xerrors.New(xerrors.CodeValidationFailed, "时间窗口小时超出范围")
		}
		if p.StartHour == p.EndHour {
			return xerrors.New(xerrors.CodeValidationFailed, "时间窗口不能为空窗口")
		}
	case KindUsageCounter:
		if p.Max <= 0 {
			return xerrors.New(xerrors.CodeValidationFailed, "使用计数谓词的上限必须为正数")
		}
	default:
		return xerrors.New(xerrors.CodeValidationFailed,
			fmt.Sprintf("未知的谓词种类 %q", p.Kind))
	}
	return nil
}

// cloneRule 返回规则的深拷贝。
func cloneRule(rule *Rule) *Rule {
	if rule == nil {
		return nil
	}
	clone := *rule
	clone.Predicates = append([]Predicate(nil), rule.Predicates...)
	clone.RoleIDs = append([]string(nil), rule.RoleIDs...)
	clone.AgentIDs = append([]string(nil), rule.AgentIDs...)
	return &clone
}
