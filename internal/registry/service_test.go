package registry

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"

	xerrors "AgentPlane/internal/errors"
	"AgentPlane/internal/identity"
)

type recordingListener struct {
	mu     sync.Mutex
	events []LifecycleEvent
	fail   error
}

func (l *recordingListener) OnAgentLifecycle(_ context.Context, event LifecycleEvent, _ *Agent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return l.fail
}

func (l *recordingListener) seen() []LifecycleEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LifecycleEvent(nil), l.events...)
}

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewService(store, store, identity.NewIssuer()), store
}

func TestRegisterIssuesSecretExactlyOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "executor", "", []string{PermAgentsExecute, PermToolsInvoke})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}

	reg, err := svc.Register(ctx, RegisterRequest{
		Name:    "planner-agent",
		Type:    TypeExecutive,
		Version: "1.2.0",
		RoleIDs: []string{role.ID},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Agent.Status != StatusRegistered {
		t.Fatalf("unexpected initial status: %s", reg.Agent.Status)
	}
	if len(reg.IdentitySecret) != 43 {
		t.Fatalf("unexpected secret length: %d", len(reg.IdentitySecret))
	}

	got, err := svc.Get(ctx, reg.Agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if !identity.VerifySecret(reg.IdentitySecret, got.SecretHash) {
		t.Fatalf("stored hash should verify the issued secret")
	}
	if got.SecretHash == reg.IdentitySecret {
		t.Fatalf("raw secret must not be persisted")
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterRequest{Name: " ", Type: TypeSub}); xerrors.CodeOf(err) != xerrors.CodeValidationFailed {
		t.Fatalf("expected validation failure for empty name, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterRequest{Name: "a", Type: AgentType("MANAGER")}); xerrors.CodeOf(err) != xerrors.CodeValidationFailed {
		t.Fatalf("expected validation failure for bad type, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterRequest{Name: "a", Type: TypeSub, Version: "banana"}); xerrors.CodeOf(err) != xerrors.CodeValidationFailed {
		t.Fatalf("expected validation failure for bad version, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterRequest{Name: "a", Type: TypeSub, RoleIDs: []string{"missing"}}); xerrors.CodeOf(err) != CodeRoleNotFound {
		t.Fatalf("expected role not found, got %v", err)
	}

	// 名称不要求唯一：注册脚本会带时间戳重复注册。
	first, err := svc.Register(ctx, RegisterRequest{Name: "dup", Type: TypeSub})
	if err != nil {
		t.Fatalf("register first: %v", err)
	}
	second, err := svc.Register(ctx, RegisterRequest{Name: "dup", Type: TypeSub})
	if err != nil {
		t.Fatalf("register duplicate name: %v", err)
	}
	if first.Agent.ID == second.Agent.ID {
		t.Fatalf("agents must get distinct ids")
	}
}

func TestLifecycleTransitions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	listener := &recordingListener{}
	svc.AddLifecycleListener(listener)

	reg, err := svc.Register(ctx, RegisterRequest{Name: "worker", Type: TypeFunctional})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	id := reg.Agent.ID

	agent, err := svc.Resume(ctx, id)
	if err != nil || agent.Status != StatusRunning {
		t.Fatalf("resume registered agent: %v status=%s", err, agent.Status)
	}
	agent, err = svc.Pause(ctx, id)
	if err != nil || agent.Status != StatusPaused {
		t.Fatalf("pause running agent: %v", err)
	}
	if agent, err = svc.Pause(ctx, id); err != nil || agent.Status != StatusPaused {
		t.Fatalf("pause should be idempotent: %v", err)
	}
	agent, err = svc.Resume(ctx, id)
	if err != nil || agent.Status != StatusRunning {
		t.Fatalf("resume paused agent: %v", err)
	}

	if _, err := svc.MarkErrored(ctx, id, "executor fault"); err != nil {
		t.Fatalf("mark errored: %v", err)
	}
	agent, err = svc.Resume(ctx, id)
	if err != nil || agent.Status != StatusRunning {
		t.Fatalf("resume errored agent: %v", err)
	}

	if _, err := svc.Decommission(ctx, id); err != nil {
		t.Fatalf("decommission: %v", err)
	}
	if _, err := svc.Pause(ctx, id); xerrors.CodeOf(err) != xerrors.CodeStateTransition {
		t.Fatalf("pause after decommission should fail transition, got %v", err)
	}
	if _, err := svc.Resume(ctx, id); xerrors.CodeOf(err) != xerrors.CodeStateTransition {
		t.Fatalf("resume after decommission should fail transition, got %v", err)
	}

	before := len(listener.seen())
	agent, err = svc.Decommission(ctx, id)
	if err != nil || agent.Status != StatusDecommissioned {
		t.Fatalf("second decommission should stay successful: %v", err)
	}
	if len(listener.seen()) != before {
		t.Fatalf("idempotent decommission must not re-notify listeners")
	}

	want := []LifecycleEvent{LifecycleResumed, LifecyclePaused, LifecycleResumed, LifecycleErrored, LifecycleResumed, LifecycleDecommissioned}
	got := listener.seen()
	if len(got) != len(want) {
		t.Fatalf("unexpected listener events: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestListenerFailureSurfacesFromPause(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.AddLifecycleListener(&recordingListener{fail: stdErrors.New("revocation failed")})

	reg, err := svc.Register(ctx, RegisterRequest{Name: "worker", Type: TypeSub})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Pause(ctx, reg.Agent.ID); err == nil {
		t.Fatalf("expected pause to surface listener failure")
	}
}

func TestRoleManagement(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateRole(ctx, "bad", "", []string{"launch:rockets"}); xerrors.CodeOf(err) != xerrors.CodeValidationFailed {
		t.Fatalf("expected unknown permission rejection, got %v", err)
	}

	role, err := svc.CreateRole(ctx, "reader", "read only", []string{PermAgentsRead, PermAgentsRead, " AGENTS:READ "})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	if len(role.Permissions) != 1 || role.Permissions[0] != PermAgentsRead {
		t.Fatalf("permissions should be deduped and normalized: %+v", role.Permissions)
	}

	if _, err := svc.CreateRole(ctx, "READER", "", nil); !stdErrors.Is(err, ErrRoleConflict) {
		t.Fatalf("expected duplicate role conflict, got %v", err)
	}

	reg, err := svc.Register(ctx, RegisterRequest{Name: "a", Type: TypeSub, RoleIDs: []string{role.ID}})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := svc.DeleteRole(ctx, role.ID); !stdErrors.Is(err, ErrRoleInUse) {
		t.Fatalf("expected role in use, got %v", err)
	}

	if _, err := svc.Decommission(ctx, reg.Agent.ID); err != nil {
		t.Fatalf("decommission: %v", err)
	}
	if err := svc.DeleteRole(ctx, role.ID); err != nil {
		t.Fatalf("delete unreferenced role: %v", err)
	}
}

func TestAgentAccessUnionsPermissions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	r1, err := svc.CreateRole(ctx, "exec", "", []string{PermAgentsExecute, PermToolsInvoke})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	r2, err := svc.CreateRole(ctx, "reader", "", []string{PermAgentsRead, PermToolsInvoke})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}

	reg, err := svc.Register(ctx, RegisterRequest{Name: "a", Type: TypeFunctional, RoleIDs: []string{r1.ID, r2.ID}})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	roles, permissions, err := svc.AgentAccess(ctx, reg.Agent)
	if err != nil {
		t.Fatalf("agent access: %v", err)
	}
	if len(roles) != 2 {
		t.Fatalf("expected 2 roles, got %d", len(roles))
	}
	want := []string{PermAgentsExecute, PermAgentsRead, PermToolsInvoke}
	if len(permissions) != len(want) {
		t.Fatalf("unexpected permission union: %+v", permissions)
	}
	for i := range want {
		if permissions[i] != want[i] {
			t.Fatalf("permission %d: expected %s, got %s", i, want[i], permissions[i])
		}
	}
}
