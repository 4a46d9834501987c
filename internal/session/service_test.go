package session

import (
	"context"
	"testing"
	"time"

	xerrors "AgentPlane/internal/errors"
	"AgentPlane/internal/identity"
	"AgentPlane/internal/registry"
)

type fixture struct {
	sessions *Service
	registry *registry.Service
	agentID  string
	secret   string
	now      func() time.Time
	advance  func(d time.Duration)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := registry.NewMemoryStore()
	agents := registry.NewService(store, store, identity.NewIssuer())
	registered, err := agents.Register(context.Background(), registry.RegisterRequest{
		Name: "worker-1",
		Type: registry.TypeFunctional,
	})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}

	svc := NewService(NewMemoryStore(), agents, time.Hour, nil)
	current := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	svc.nowFn = func() time.Time { return current }

	return &fixture{
		sessions: svc,
		registry: agents,
		agentID:  registered.Agent.ID,
		secret:   registered.IdentitySecret,
		now:      func() time.Time { return current },
		advance:  func(d time.Duration) { current = current.Add(d) },
	}
}

func TestLoginIssuesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.sessions.Login(ctx, f.agentID, f.secret, "10.0.0.7:5122")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if result.Token == "" || result.SessionID == "" {
		t.Fatal("login must return a token and session id")
	}
	if want := f.now().Add(time.Hour).Unix(); result.ExpiresAt != want {
		t.Fatalf("expiry = %d, want %d", result.ExpiresAt, want)
	}

	f.advance(10 * time.Minute)
	sess, err := f.sessions.Validate(ctx, result.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if sess.AgentID != f.agentID {
		t.Fatalf("session agent = %q, want %q", sess.AgentID, f.agentID)
	}
	if sess.LastSeenAt != f.now().Unix() {
		t.Fatalf("validate must touch last_seen, got %d want %d", sess.LastSeenAt, f.now().Unix())
	}
	if sess.RemoteAddr != "10.0.0.7:5122" {
		t.Fatalf("remote addr = %q", sess.RemoteAddr)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.sessions.Login(ctx, f.agentID, "not-the-secret", ""); xerrors.CodeOf(err) != xerrors.CodeAuthenticationFailed {
		t.Fatalf("wrong secret: expected AUTHENTICATION_FAILED, got %v", err)
	}
	// 未知代理也按认证失败处理，错误里不暴露是否存在。
	if _, err := f.sessions.Login(ctx, "no-such-agent", f.secret, ""); xerrors.CodeOf(err) != xerrors.CodeAuthenticationFailed {
		t.Fatalf("unknown agent: expected AUTHENTICATION_FAILED, got %v", err)
	}
	if _, err := f.sessions.Login(ctx, "", "", ""); xerrors.CodeOf(err) != xerrors.CodeAuthenticationFailed {
		t.Fatal("empty credentials must fail authentication")
	}
}

func TestLoginRefusedByLifecycleState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.registry.Pause(ctx, f.agentID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := f.sessions.Login(ctx, f.agentID, f.secret, ""); xerrors.CodeOf(err) != xerrors.CodeStateTransition {
		t.Fatalf("paused agent: expected STATE_TRANSITION_INVALID, got %v", err)
	}

	if _, err := f.registry.Resume(ctx, f.agentID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := f.sessions.Login(ctx, f.agentID, f.secret, ""); err != nil {
		t.Fatalf("running agent should log in: %v", err)
	}

	if _, err := f.registry.Decommission(ctx, f.agentID); err != nil {
		t.Fatalf("decommission: %v", err)
	}
	if _, err := f.sessions.Login(ctx, f.agentID, f.secret, ""); xerrors.CodeOf(err) != xerrors.CodeStateTransition {
		t.Fatalf("decommissioned agent: expected STATE_TRANSITION_INVALID, got %v", err)
	}
}

func TestValidateExpiryAndRevocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.sessions.Login(ctx, f.agentID, f.secret, "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := f.sessions.Validate(ctx, first.Token); err != nil {
		t.Fatalf("validate fresh session: %v", err)
	}

	f.advance(2 * time.Hour)
	if _, err := f.sessions.Validate(ctx, first.Token); xerrors.CodeOf(err) != xerrors.CodeAuthenticationFailed {
		t.Fatalf("expired session: expected AUTHENTICATION_FAILED, got %v", err)
	}

	second, err := f.sessions.Login(ctx, f.agentID, f.secret, "")
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if err := f.sessions.Revoke(ctx, second.Token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := f.sessions.Validate(ctx, second.Token); xerrors.CodeOf(err) != xerrors.CodeAuthenticationFailed {
		t.Fatalf("revoked session: expected AUTHENTICATION_FAILED, got %v", err)
	}
	if err := f.sessions.Revoke(ctx, "unknown-token"); xerrors.CodeOf(err) != xerrors.CodeAuthenticationFailed {
		t.Fatalf("revoking unknown token: expected AUTHENTICATION_FAILED, got %v", err)
	}
}

func TestLifecycleHookRevokesSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registry.AddLifecycleListener(f.sessions.LifecycleHook())

	first, err := f.sessions.Login(ctx, f.agentID, f.secret, "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	second, err := f.sessions.Login(ctx, f.agentID, f.secret, "")
	if err != nil {
		t.Fatalf("second login: %v", err)
	}

	// 暂停在注册操作返回前吊销全部会话，不留旧会话窗口。
	if _, err := f.registry.Pause(ctx, f.agentID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := f.sessions.Validate(ctx, first.Token); xerrors.CodeOf(err) != xerrors.CodeAuthenticationFailed {
		t.Fatal("pause must revoke existing sessions")
	}
	if _, err := f.sessions.Validate(ctx, second.Token); xerrors.CodeOf(err) != xerrors.CodeAuthenticationFailed {
		t.Fatal("pause must revoke every session of the agent")
	}

	// 恢复后重新登录，退役同样立即吊销。
	if _, err := f.registry.Resume(ctx, f.agentID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	third, err := f.sessions.Login(ctx, f.agentID, f.secret, "")
	if err != nil {
		t.Fatalf("login after resume: %v", err)
	}
	if _, err := f.registry.Decommission(ctx, f.agentID); err != nil {
		t.Fatalf("decommission: %v", err)
	}
	if _, err := f.sessions.Validate(ctx, third.Token); xerrors.CodeOf(err) != xerrors.CodeAuthenticationFailed {
		t.Fatal("decommission must revoke existing sessions")
	}
}

func TestPurgeExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.sessions.Login(ctx, f.agentID, f.secret, ""); err != nil {
		t.Fatalf("login: %v", err)
	}
	f.advance(3 * time.Hour)

	purged, err := f.sessions.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	purged, err = f.sessions.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("second purge: %v", err)
	}
	if purged != 0 {
		t.Fatalf("second purge = %d, want 0", purged)
	}
}
