package policy

import (
	"sort"
	"strings"
	"time"

	"AgentPlane/internal/registry"
)

// Input 是一次授权判定的全部输入。求值不携带任何隐式状态，
// 相同输入必然得到相同判定。
type Input struct {
	AgentID    string             `json:"agent_id"`
	AgentType  registry.AgentType `json:"agent_type"`
	RoleIDs    []string           `json:"role_ids,omitempty"`
	Permission string             `json:"permission"`
	Context    map[string]string  `json:"context,omitempty"`
	Now        time.Time          `json:"-"`
	Usage      map[string]int64   `json:"-"`
}

// Decision 是求值结果。Effect 为 ESCALATE 时由上层转换为审批流程，
// ApprovalID 由审批流程回填。
type Decision struct {
	Effect     Effect `json:"effect"`
	RuleID     string `json:"rule_id,omitempty"`
	RuleName   string `json:"rule_name,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
	Reason     string `json:"reason"`
}

// Evaluate 对规则集做一次纯函数求值：筛选适用规则，按优先级
// 升序排序（同优先级按创建时间，再按 ID），谓词全部命中的第一条
// 规则生效。没有任何规则命中时拒绝，系统默认封闭。
func Evaluate(rules []*Rule, input Input) Decision {
	candidates := make([]*Rule, 0, len(rules))
	for _, rule := range rules {
		if rule == nil || !rule.Enabled {
			continue
		}
		if !applicable(rule, input) {
			continue
		}
		candidates = append(candidates, rule)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		if candidates[i].CreatedAt != candidates[j].CreatedAt {
			return candidates[i].CreatedAt < candidates[j].CreatedAt
		}
		return candidates[i].ID < candidates[j].ID
	})

	for _, rule := range candidates {
		if matchRule(rule, input) {
			return Decision{
				Effect:   rule.Effect,
				RuleID:   rule.ID,
				RuleName: rule.Name,
				Reason:   "matched rule " + rule.Name,
			}
		}
	}
	return Decision{
		Effect: EffectDeny,
		Reason: "no matching rule, default deny",
	}
}

// applicable 检查规则的作用范围与生效窗口，不涉及谓词。
func applicable(rule *Rule, input Input) bool {
	now := input.Now.Unix()
	if rule.NotBefore != 0 && now < rule.NotBefore {
		return false
	}
	if rule.NotAfter != 0 && now > rule.NotAfter {
		return false
	}
	if rule.Global() {
		return true
	}
	for _, id := range rule.AgentIDs {
		if id == input.AgentID {
			return true
		}
	}
	for _, id := range rule.RoleIDs {
		for _, held := range input.RoleIDs {
			if id == held {
				return true
			}
		}
	}
	return false
}

// matchRule 要求规则的全部谓词同时命中。
func matchRule(rule *Rule, input Input) bool {
	for i := range rule.Predicates {
		if !matchPredicate(rule, &rule.Predicates[i], input) {
			return false
		}
	}
	return true
}

func matchPredicate(rule *Rule, p *Predicate, input Input) bool {
	switch p.Kind {
	case KindPermission:
		return MatchPermission(p.Permission, input.Permission)
	case KindAgentType:
		for _, t := range p.AgentTypes {
			if registry.AgentType(t) == input.AgentType {
				return true
			}
		}
		return false
	case KindTimeWindow:
		hour := input.Now.UTC().Hour()
		if p.StartHour < p.EndHour {
			return hour >= p.StartHour && hour < p.EndHour
		}
		// 跨夜窗口，例如 22 点到次日 6 点。
		return hour >= p.StartHour || hour < p.EndHour
	case KindUsageCounter:
		return input.Usage[p.counterName(rule.ID)] < p.Max
	default:
		// 未知谓词永不命中，避免旧版本进程放行新语义。
		return false
	}
}

// MatchPermission 按授权模式匹配权限串。模式可以是精确权限、
// "resource:*" 前缀通配或 "*" 全匹配。
func MatchPermission(pattern, permission string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	permission = strings.ToLower(strings.TrimSpace(permission))
	if pattern == "" || permission == "" {
		return false
	}
	if pattern == "*" || pattern == permission {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ":*"); ok {
		return strings.HasPrefix(permission, prefix+":")
	}
	return false
}
