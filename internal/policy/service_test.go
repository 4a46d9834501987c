package policy

import (
	"context"
	stdErrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "AgentPlane/internal/errors"
)

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	svc := NewService(store, store, store, time.Minute, nil)
	return svc, store
}

func TestAuthorizeEscalationLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	current := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	svc.nowFn = func() time.Time { return current }

	if _, err := svc.CreateRule(ctx, &Rule{
		Name:     "escalate-tools",
		Effect:   EffectEscalate,
		Priority: 10,
		Predicates: []Predicate{
			{Kind: KindPermission, Permission: "tools:*"},
		},
	}); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	input := Input{AgentID: "agent-1", Permission: "tools:invoke"}

	first, err := svc.Authorize(ctx, input)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if first.Effect != EffectDeny || first.ApprovalID == "" {
		t.Fatalf("escalation should deny and open an approval, got %s approval=%q",
			first.Effect, first.ApprovalID)
	}

	second, err := svc.Authorize(ctx, input)
	if err != nil {
		t.Fatalf("authorize again: %v", err)
	}
	if second.ApprovalID != first.ApprovalID {
		t.Fatalf("repeated requests must share one approval, got %q and %q",
			first.ApprovalID, second.ApprovalID)
	}
	pending, err := svc.ListApprovals(ctx, ApprovalPending)
	if err != nil {
		t.Fatalf("list approvals: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected a single pending approval, got %d", len(pending))
	}

	if _, err := svc.ResolveApproval(ctx, first.ApprovalID, true, "operator-1", "looks fine"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	granted, err := svc.Authorize(ctx, input)
	if err != nil {
		t.Fatalf("authorize after approval: %v", err)
	}
	if granted.Effect != EffectAllow {
		t.Fatalf("approved escalation should allow, got %s (%s)", granted.Effect, granted.Reason)
	}

	// 审批授权过期后重新进入待审批状态。
	current = current.Add(2 * time.Minute)
	expired, err := svc.Authorize(ctx, input)
	if err != nil {
		t.Fatalf("authorize after expiry: %v", err)
	}
	if expired.Effect != EffectDeny || expired.ApprovalID == first.ApprovalID {
		t.Fatalf("expired grant should open a fresh approval, got %s approval=%q",
			expired.Effect, expired.ApprovalID)
	}

	if _, err := svc.ResolveApproval(ctx, expired.ApprovalID, false, "operator-1", "not this time"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	rejected, err := svc.Authorize(ctx, input)
	if err != nil {
		t.Fatalf("authorize after rejection: %v", err)
	}
	if rejected.Effect != EffectDeny || rejected.Reason != "escalation rejected" {
		t.Fatalf("rejected escalation must stay denied, got %s (%s)", rejected.Effect, rejected.Reason)
	}

	_, err = svc.ResolveApproval(ctx, expired.ApprovalID, true, "operator-2", "")
	if !stdErrors.Is(err, ErrApprovalResolved) {
		t.Fatalf("double resolution should fail with APPROVAL_ALREADY_RESOLVED, got %v", err)
	}
}

func TestAuthorizeUsageCounter(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	limited, err := svc.CreateRule(ctx, &Rule{
		Name:     "two-shots",
		Effect:   EffectAllow,
		Priority: 10,
		Predicates: []Predicate{
			{Kind: KindPermission, Permission: "data:write"},
			{Kind: KindUsageCounter, Max: 2},
		},
	})
	if err != nil {
		t.Fatalf("create limited rule: %v", err)
	}
	if _, err := svc.CreateRule(ctx, &Rule{
		Name:     "deny-rest",
		Effect:   EffectDeny,
		Priority: 100,
		Predicates: []Predicate{
			{Kind: KindPermission, Permission: "*"},
		},
	}); err != nil {
		t.Fatalf("create fallback rule: %v", err)
	}

	input := Input{AgentID: "agent-1", Permission: "data:write"}
	for i := 0; i < 2; i++ {
		decision, err := svc.Authorize(ctx, input)
		if err != nil {
			t.Fatalf("authorize %d: %v", i, err)
		}
		if decision.Effect != EffectAllow {
			t.Fatalf("call %d should be allowed, got %s", i, decision.Effect)
		}
	}

	decision, err := svc.Authorize(ctx, input)
	if err != nil {
		t.Fatalf("authorize after limit: %v", err)
	}
	if decision.Effect != EffectDeny || decision.RuleName != "deny-rest" {
		t.Fatalf("exhausted counter should hit the fallback, got %s from %q",
			decision.Effect, decision.RuleName)
	}

	counter := "rule:" + limited.ID
	usage, err := store.GetUsage(ctx, []string{counter})
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if usage[counter] != 2 {
		t.Fatalf("counter must only advance on a match, got %d", usage[counter])
	}
}

func TestCheckHasNoSideEffects(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	rule, err := svc.CreateRule(ctx, &Rule{
		Name:     "escalate-limited",
		Effect:   EffectEscalate,
		Priority: 10,
		Predicates: []Predicate{
			{Kind: KindPermission, Permission: "tools:*"},
			{Kind: KindUsageCounter, Max: 5},
		},
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	decision, err := svc.Check(ctx, Input{AgentID: "agent-1", Permission: "tools:invoke"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Effect != EffectEscalate {
		t.Fatalf("dry run must report the raw effect, got %s", decision.Effect)
	}

	approvals, err := svc.ListApprovals(ctx, "")
	if err != nil {
		t.Fatalf("list approvals: %v", err)
	}
	if len(approvals) != 0 {
		t.Fatalf("check must not create approvals, found %d", len(approvals))
	}
	counter := "rule:" + rule.ID
	usage, err := store.GetUsage(ctx, []string{counter})
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if usage[counter] != 0 {
		t.Fatalf("check must not advance counters, got %d", usage[counter])
	}
}

func TestReplaceRuleVersioning(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	v1, err := svc.CreateRule(ctx, &Rule{
		Name:     "data-access",
		Effect:   EffectAllow,
		Priority: 10,
		Predicates: []Predicate{
			{Kind: KindPermission, Permission: "data:read"},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	v2, err := svc.ReplaceRule(ctx, v1.ID, &Rule{
		Name:     "data-access",
		Effect:   EffectDeny,
		Priority: 10,
		Predicates: []Predicate{
			{Kind: KindPermission, Permission: "data:read"},
		},
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if v2.ID == v1.ID || v2.Version != 2 {
		t.Fatalf("replacement must mint a new identity, got id=%q version=%d", v2.ID, v2.Version)
	}

	old, err := svc.GetRule(ctx, v1.ID)
	if err != nil {
		t.Fatalf("get old: %v", err)
	}
	if old.Enabled {
		t.Fatal("old version must be disabled after replacement")
	}

	enabled, err := svc.ListRules(ctx, false)
	if err != nil {
		t.Fatalf("list enabled: %v", err)
	}
	if len(enabled) != 1 || enabled[0].ID != v2.ID {
		t.Fatalf("only the new version should be active, got %d rules", len(enabled))
	}

	decision, err := svc.Authorize(ctx, Input{AgentID: "a", Permission: "data:read"})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if decision.Effect != EffectDeny || decision.RuleID != v2.ID {
		t.Fatalf("evaluation must use the new version, got %s from %q", decision.Effect, decision.RuleID)
	}
}

func TestCreateRuleValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		rule *Rule
	}{
		{"missing name", &Rule{Effect: EffectAllow, Predicates: []Predicate{{Kind: KindPermission, Permission: "*"}}}},
		{"bad effect", &Rule{Name: "x", Effect: "MAYBE", Predicates: []Predicate{{Kind: KindPermission, Permission: "*"}}}},
		{"no predicates", &Rule{Name: "x", Effect: EffectAllow}},
		{"empty window", &Rule{Name: "x", Effect: EffectAllow, Predicates: []Predicate{{Kind: KindTimeWindow, StartHour: 5, EndHour: 5}}}},
		{"bad agent type", &Rule{Name: "x", Effect: EffectAllow, Predicates: []Predicate{{Kind: KindAgentType, AgentTypes: []string{"ROOT"}}}}},
		{"zero max", &Rule{Name: "x", Effect: EffectAllow, Predicates: []Predicate{{Kind: KindUsageCounter}}}},
		{"unknown kind", &Rule{Name: "x", Effect: EffectAllow, Predicates: []Predicate{{Kind: "geo_fence"}}}},
	}
	for _, tc := range cases {
		if _, err := svc.CreateRule(ctx, tc.rule); xerrors.CodeOf(err) != xerrors.CodeValidationFailed {
			t.Fatalf("%s: expected VALIDATION_FAILED, got %v", tc.name, err)
		}
	}
}

func TestSeedFromFileIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "policies.yaml")
	seed := `rules:
  - name: deny-data-delete
    description: destructive data operations are blocked outright
    effect: DENY
    priority: 10
    predicates:
      - kind: permission
        permission: "data:delete"
  - name: escalate-sub-tools
    effect: ESCALATE
    priority: 50
    predicates:
      - kind: permission
        permission: "tools:*"
      - kind: agent_type
        agent_types: ["SUB"]
  - name: allow-read
    effect: ALLOW
    priority: 100
    predicates:
      - kind: permission
        permission: "data:read"
`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	created, err := svc.SeedFromFile(ctx, path)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if created != 3 {
		t.Fatalf("expected 3 seeded rules, got %d", created)
	}

	created, err = svc.SeedFromFile(ctx, path)
	if err != nil {
		t.Fatalf("second seed: %v", err)
	}
	if created != 0 {
		t.Fatalf("second seeding must be a no-op, created %d", created)
	}

	rules, err := svc.ListRules(ctx, false)
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("expected 3 active rules, got %d", len(rules))
	}

	decision, err := svc.Authorize(ctx, Input{AgentID: "agent-1", Permission: "data:delete"})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if decision.Effect != EffectDeny || decision.RuleName != "deny-data-delete" {
		t.Fatalf("seeded deny rule should win, got %s from %q", decision.Effect, decision.RuleName)
	}
}
