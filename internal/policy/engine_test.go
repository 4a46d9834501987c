package policy

import (
	"testing"
	"time"

	"AgentPlane/internal/registry"
)

var engineNow = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

func permRule(id, name string, effect Effect, priority int, pattern string) *Rule {
	return &Rule{
		ID:       id,
		Name:     name,
		Effect:   effect,
		Priority: priority,
		Predicates: []Predicate{
			{Kind: KindPermission, Permission: pattern},
		},
		Version:   1,
		Enabled:   true,
		CreatedAt: engineNow.Unix(),
	}
}

func TestEvaluateDefaultDeny(t *testing.T) {
	decision := Evaluate(nil, Input{
		AgentID:    "agent-1",
		Permission: "data:read",
		Now:        engineNow,
	})
	if decision.Effect != EffectDeny {
		t.Fatalf("expected default deny, got %s", decision.Effect)
	}
	if decision.RuleID != "" {
		t.Fatalf("default deny must not reference a rule, got %q", decision.RuleID)
	}

	rules := []*Rule{permRule("r1", "allow-tools", EffectAllow, 10, "tools:*")}
	decision = Evaluate(rules, Input{AgentID: "agent-1", Permission: "data:read", Now: engineNow})
	if decision.Effect != EffectDeny {
		t.Fatalf("non-matching rule must fall through to deny, got %s", decision.Effect)
	}
}

func TestEvaluatePriorityOrder(t *testing.T) {
	rules := []*Rule{
		permRule("allow", "allow-all", EffectAllow, 100, "*"),
		permRule("deny", "deny-delete", EffectDeny, 10, "data:delete"),
	}
	decision := Evaluate(rules, Input{AgentID: "a", Permission: "data:delete", Now: engineNow})
	if decision.Effect != EffectDeny || decision.RuleID != "deny" {
		t.Fatalf("lower priority value must win, got %s from %q", decision.Effect, decision.RuleID)
	}

	decision = Evaluate(rules, Input{AgentID: "a", Permission: "data:read", Now: engineNow})
	if decision.Effect != EffectAllow || decision.RuleID != "allow" {
		t.Fatalf("fallback rule should match, got %s from %q", decision.Effect, decision.RuleID)
	}
}

func TestEvaluateTieBreaksOnCreationTime(t *testing.T) {
	older := permRule("older", "older", EffectAllow, 50, "*")
	older.CreatedAt = engineNow.Add(-time.Hour).Unix()
	newer := permRule("newer", "newer", EffectDeny, 50, "*")

	decision := Evaluate([]*Rule{newer, older}, Input{AgentID: "a", Permission: "x:y", Now: engineNow})
	if decision.RuleID != "older" {
		t.Fatalf("older rule must win the tie, got %q", decision.RuleID)
	}
}

func TestEvaluateScoping(t *testing.T) {
	roleScoped := permRule("role-rule", "role-rule", EffectAllow, 10, "*")
	roleScoped.RoleIDs = []string{"role-ops"}
	agentScoped := permRule("agent-rule", "agent-rule", EffectDeny, 5, "*")
	agentScoped.AgentIDs = []string{"agent-42"}
	rules := []*Rule{roleScoped, agentScoped}

	decision := Evaluate(rules, Input{AgentID: "agent-1", Permission: "x:y", Now: engineNow})
	if decision.Effect != EffectDeny || decision.RuleID != "" {
		t.Fatalf("out-of-scope rules must not apply, got %s from %q", decision.Effect, decision.RuleID)
	}

	decision = Evaluate(rules, Input{AgentID: "agent-1", RoleIDs: []string{"role-ops"}, Permission: "x:y", Now: engineNow})
	if decision.RuleID != "role-rule" {
		t.Fatalf("role scoped rule should apply, got %q", decision.RuleID)
	}

	decision = Evaluate(rules, Input{AgentID: "agent-42", Permission: "x:y", Now: engineNow})
	if decision.RuleID != "agent-rule" {
		t.Fatalf("agent scoped rule should apply, got %q", decision.RuleID)
	}
}

func TestEvaluateDisabledAndExpiredRules(t *testing.T) {
	disabled := permRule("disabled", "disabled", EffectAllow, 1, "*")
	disabled.Enabled = false
	future := permRule("future", "future", EffectAllow, 2, "*")
	future.NotBefore = engineNow.Add(time.Hour).Unix()
	past := permRule("past", "past", EffectAllow, 3, "*")
	past.NotAfter = engineNow.Add(-time.Hour).Unix()

	decision := Evaluate([]*Rule{disabled, future, past}, Input{AgentID: "a", Permission: "x:y", Now: engineNow})
	if decision.Effect != EffectDeny || decision.RuleID != "" {
		t.Fatalf("disabled and out-of-window rules must not match, got %s from %q",
			decision.Effect, decision.RuleID)
	}
}

func TestEvaluateAgentTypePredicate(t *testing.T) {
	rule := &Rule{
		ID: "sub-only", Name: "sub-only", Effect: EffectEscalate, Priority: 10,
		Predicates: []Predicate{
			{Kind: KindPermission, Permission: "tools:*"},
			{Kind: KindAgentType, AgentTypes: []string{string(registry.TypeSub)}},
		},
		Enabled: true, Version: 1, CreatedAt: engineNow.Unix(),
	}
	rules := []*Rule{rule}

	decision := Evaluate(rules, Input{AgentType: registry.TypeSub, Permission: "tools:invoke", Now: engineNow})
	if decision.Effect != EffectEscalate {
		t.Fatalf("sub agent should escalate, got %s", decision.Effect)
	}
	decision = Evaluate(rules, Input{AgentType: registry.TypeExecutive, Permission: "tools:invoke", Now: engineNow})
	if decision.Effect != EffectDeny || decision.RuleID != "" {
		t.Fatalf("executive agent should not match, got %s from %q", decision.Effect, decision.RuleID)
	}
}

func TestEvaluateTimeWindowPredicate(t *testing.T) {
	sameDay := &Rule{
		ID: "work-hours", Name: "work-hours", Effect: EffectAllow, Priority: 10,
		Predicates: []Predicate{
			{Kind: KindPermission, Permission: "*"},
			{Kind: KindTimeWindow, StartHour: 9, EndHour: 17},
		},
		Enabled: true, Version: 1, CreatedAt: engineNow.Unix(),
	}
	overnight := &Rule{
		ID: "maintenance", Name: "maintenance", Effect: EffectAllow, Priority: 10,
		Predicates: []Predicate{
			{Kind: KindPermission, Permission: "*"},
			{Kind: KindTimeWindow, StartHour: 22, EndHour: 6},
		},
		Enabled: true, Version: 1, CreatedAt: engineNow.Unix(),
	}

	at := func(hour int) time.Time {
		return time.Date(2026, 3, 14, hour, 15, 0, 0, time.UTC)
	}
	cases := []struct {
		rule  *Rule
		hour  int
		match bool
	}{
		{sameDay, 9, true},
		{sameDay, 16, true},
		{sameDay, 17, false},
		{sameDay, 3, false},
		{overnight, 23, true},
		{overnight, 3, true},
		{overnight, 12, false},
	}
	for _, tc := range cases {
		decision := Evaluate([]*Rule{tc.rule}, Input{AgentID: "a", Permission: "x:y", Now: at(tc.hour)})
		matched := decision.RuleID == tc.rule.ID
		if matched != tc.match {
			t.Fatalf("rule %s at hour %d: matched=%v, want %v", tc.rule.ID, tc.hour, matched, tc.match)
		}
	}
}

func TestEvaluateUsageCounterPredicate(t *testing.T) {
	limited := &Rule{
		ID: "limited", Name: "limited", Effect: EffectAllow, Priority: 10,
		Predicates: []Predicate{
			{Kind: KindPermission, Permission: "tools:*"},
			{Kind: KindUsageCounter, Max: 2},
		},
		Enabled: true, Version: 1, CreatedAt: engineNow.Unix(),
	}
	fallback := permRule("fallback", "fallback", EffectDeny, 100, "*")
	rules := []*Rule{limited, fallback}

	input := Input{AgentID: "a", Permission: "tools:invoke", Now: engineNow}

	input.Usage = map[string]int64{"rule:limited": 1}
	if decision := Evaluate(rules, input); decision.RuleID != "limited" {
		t.Fatalf("counter below max should match, got %q", decision.RuleID)
	}
	input.Usage = map[string]int64{"rule:limited": 2}
	if decision := Evaluate(rules, input); decision.RuleID != "fallback" {
		t.Fatalf("exhausted counter should fall through, got %q", decision.RuleID)
	}
}

func TestMatchPermission(t *testing.T) {
	cases := []struct {
		pattern    string
		permission string
		want       bool
	}{
		{"data:read", "data:read", true},
		{"data:read", "DATA:READ", true},
		{"data:read", "data:write", false},
		{"tools:*", "tools:invoke", true},
		{"tools:*", "tools:shell:exec", true},
		{"tools:*", "toolsmith:run", false},
		{"*", "anything:at:all", true},
		{"", "data:read", false},
		{"data:*", "", false},
	}
	for _, tc := range cases {
		if got := MatchPermission(tc.pattern, tc.permission); got != tc.want {
			t.Fatalf("MatchPermission(%q, %q) = %v, want %v", tc.pattern, tc.permission, got, tc.want)
		}
	}
}
