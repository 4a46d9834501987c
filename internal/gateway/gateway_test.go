package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "AgentPlane/internal/errors"
	"AgentPlane/internal/identity"
	"AgentPlane/internal/policy"
	"AgentPlane/internal/registry"
	"AgentPlane/internal/session"
)

type fixture struct {
	agents   *registry.Service
	sessions *session.Service
	policies *policy.Service
	gateway  *Gateway

	agentID string
	secret  string
	roleID  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	agentStore := registry.NewMemoryStore()
	agents := registry.NewService(agentStore, agentStore, identity.NewIssuer())
	sessions := session.NewService(session.NewMemoryStore(), agents, time.Hour, nil)
	agents.AddLifecycleListener(sessions.LifecycleHook())

	policyStore := policy.NewMemoryStore()
	policies := policy.NewService(policyStore, policyStore, policyStore, time.Minute, nil)

	ctx := context.Background()
	role, err := agents.CreateRole(ctx, "executor", "", []string{"agents:execute", "agents:read"})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	registered, err := agents.Register(ctx, registry.RegisterRequest{
		Name:    "worker-1",
		Type:    registry.TypeFunctional,
		RoleIDs: []string{role.ID},
	})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if _, err := agents.Resume(ctx, registered.Agent.ID); err != nil {
		t.Fatalf("start agent: %v", err)
	}

	rules := []*policy.Rule{
		{
			Name:     "executor-can-execute",
			Effect:   policy.EffectAllow,
			Priority: 10,
			RoleIDs:  []string{role.ID},
			Predicates: []policy.Predicate{
				{Kind: policy.KindPermission, Permission: "agents:*"},
			},
		},
		{
			Name:     "deny-secrets",
			Effect:   policy.EffectDeny,
			Priority: 1,
			Predicates: []policy.Predicate{
				{Kind: policy.KindPermission, Permission: "secrets:*"},
			},
		},
	}
	for _, rule := range rules {
		if _, err := policies.CreateRule(ctx, rule); err != nil {
			t.Fatalf("create rule %s: %v", rule.Name, err)
		}
	}

	return &fixture{
		agents:   agents,
		sessions: sessions,
		policies: policies,
		gateway:  NewGateway(agents, sessions, policies, nil),
		agentID:  registered.Agent.ID,
		secret:   registered.IdentitySecret,
		roleID:   role.ID,
	}
}

func TestAuthorizeWithSessionToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	login, err := f.sessions.Login(ctx, f.agentID, f.secret, "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	ident, err := f.gateway.Authorize(ctx, Credential{Token: login.Token}, "agents:execute", nil)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if ident.Agent.ID != f.agentID {
		t.Fatalf("agent = %s, want %s", ident.Agent.ID, f.agentID)
	}
	if ident.SessionID != login.SessionID {
		t.Fatalf("session = %s, want %s", ident.SessionID, login.SessionID)
	}
	if len(ident.Roles) != 1 || ident.Roles[0].ID != f.roleID {
		t.Fatalf("roles = %+v, want role %s", ident.Roles, f.roleID)
	}
	if len(ident.Permissions) != 2 {
		t.Fatalf("permissions = %v, want union of role grants", ident.Permissions)
	}
	if ident.Decision == nil || ident.Decision.Effect != policy.EffectAllow {
		t.Fatalf("decision = %+v, want ALLOW", ident.Decision)
	}
}

func TestAuthorizeWithRawSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ident, err := f.gateway.Authorize(ctx, Credential{AgentID: f.agentID, Secret: f.secret}, "agents:read", nil)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if ident.SessionID != "" {
		t.Fatal("raw secret authorization must not create a session")
	}

	if _, err := f.gateway.Authorize(ctx, Credential{AgentID: f.agentID, Secret: "wrong"}, "agents:read", nil); xerrors.CodeOf(err) != xerrors.CodeAuthenticationFailed {
		t.Fatalf("wrong secret: code = %s, want AUTHENTICATION_FAILED", xerrors.CodeOf(err))
	}
	if _, err := f.gateway.Authorize(ctx, Credential{AgentID: "missing", Secret: f.secret}, "agents:read", nil); xerrors.CodeOf(err) != xerrors.CodeAuthenticationFailed {
		t.Fatal("unknown agent must look identical to a bad secret")
	}
	if _, err := f.gateway.Authorize(ctx, Credential{}, "agents:read", nil); xerrors.CodeOf(err) != xerrors.CodeAuthenticationFailed {
		t.Fatal("empty credential must fail authentication")
	}
}

func TestAuthorizeDenialCarriesRuleID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gateway.Authorize(ctx, Credential{AgentID: f.agentID, Secret: f.secret}, "secrets:rotate", nil)
	if xerrors.CodeOf(err) != xerrors.CodeAuthorizationDenied {
		t.Fatalf("code = %s, want AUTHORIZATION_DENIED", xerrors.CodeOf(err))
	}
	typed, ok := xerrors.From(err)
	if !ok {
		t.Fatal("denial must be a typed error")
	}
	meta := typed.Metadata()
	if meta["rule_id"] == "" {
		t.Fatalf("metadata = %v, want matched rule id", meta)
	}
	if meta["effect"] != string(policy.EffectDeny) {
		t.Fatalf("effect = %s, want DENY", meta["effect"])
	}
}

func TestAuthorizeDefaultDeny(t *testing.T) {
	f := newFixture(t)

	// 没有任何规则命中的权限默认拒绝。
	_, err := f.gateway.Authorize(context.Background(), Credential{AgentID: f.agentID, Secret: f.secret}, "billing:charge", nil)
	if xerrors.CodeOf(err) != xerrors.CodeAuthorizationDenied {
		t.Fatalf("code = %s, want AUTHORIZATION_DENIED", xerrors.CodeOf(err))
	}
}

func TestAuthorizeAgentSkipsCredentialCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ident, err := f.gateway.AuthorizeAgent(ctx, f.agentID, "agents:execute", map[string]string{"workflow_id": "wf-1"})
	if err != nil {
		t.Fatalf("authorize agent: %v", err)
	}
	if ident.SessionID != "" {
		t.Fatal("in-process authorization must not mint a session")
	}
	if ident.Decision == nil || ident.Decision.Effect != policy.EffectAllow {
		t.Fatalf("decision = %+v, want ALLOW", ident.Decision)
	}

	if _, err := f.gateway.AuthorizeAgent(ctx, f.agentID, "secrets:rotate", nil); xerrors.CodeOf(err) != xerrors.CodeAuthorizationDenied {
		t.Fatalf("code = %s, want AUTHORIZATION_DENIED", xerrors.CodeOf(err))
	}
	if _, err := f.gateway.AuthorizeAgent(ctx, "missing", "agents:execute", nil); !errors.Is(err, registry.ErrAgentNotFound) {
		t.Fatalf("unknown agent: %v, want ErrAgentNotFound", err)
	}

	if _, err := f.agents.Pause(ctx, f.agentID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := f.gateway.AuthorizeAgent(ctx, f.agentID, "agents:execute", nil); xerrors.CodeOf(err) != xerrors.CodeAuthorizationDenied {
		t.Fatal("paused agent must not be authorized")
	}
	if _, err := f.agents.Decommission(ctx, f.agentID); err != nil {
		t.Fatalf("decommission: %v", err)
	}
	if _, err := f.gateway.AuthorizeAgent(ctx, f.agentID, "agents:execute", nil); xerrors.CodeOf(err) != xerrors.CodeAuthorizationDenied {
		t.Fatal("decommissioned agent must not be authorized")
	}
}

func TestAuthorizeRefusesInoperableStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.agents.Pause(ctx, f.agentID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// 暂停代理仍可认证，但不能授权任何操作。
	if _, err := f.gateway.Authenticate(ctx, Credential{AgentID: f.agentID, Secret: f.secret}); err != nil {
		t.Fatalf("paused agent should still authenticate: %v", err)
	}
	if _, err := f.gateway.Authorize(ctx, Credential{AgentID: f.agentID, Secret: f.secret}, "agents:execute", nil); xerrors.CodeOf(err) != xerrors.CodeAuthorizationDenied {
		t.Fatal("paused agent must not be authorized")
	}

	if _, err := f.agents.Decommission(ctx, f.agentID); err != nil {
		t.Fatalf("decommission: %v", err)
	}
	if _, err := f.gateway.Authenticate(ctx, Credential{AgentID: f.agentID, Secret: f.secret}); xerrors.CodeOf(err) != xerrors.CodeAuthenticationFailed {
		t.Fatal("decommissioned agent must not authenticate at all")
	}
}

func TestAuthorizeRevokedSessionAfterPause(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	login, err := f.sessions.Login(ctx, f.agentID, f.secret, "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := f.agents.Pause(ctx, f.agentID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// 暂停返回时会话已吊销，令牌立即失效。
	if _, err := f.gateway.Authenticate(ctx, Credential{Token: login.Token}); xerrors.CodeOf(err) != xerrors.CodeAuthenticationFailed {
		t.Fatal("session token must die with the pause")
	}
}

func TestMiddlewareInjectsIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	login, err := f.sessions.Login(ctx, f.agentID, f.secret, "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	var seen *AuthorizedIdentity
	handler := f.gateway.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string]string{"POST": "agents:execute"},
		AuditEvent:          "test_route",
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/test", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if seen == nil || seen.Agent.ID != f.agentID {
		t.Fatalf("identity in context = %+v, want agent %s", seen, f.agentID)
	}
}

func TestMiddlewareRejectsWithJSONBody(t *testing.T) {
	f := newFixture(t)

	handler := f.gateway.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string]string{"*": "secrets:rotate"},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run on denial")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/secrets", nil)
	req.Header.Set(HeaderAgentID, f.agentID)
	req.Header.Set(HeaderAgentSecret, f.secret)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var body struct {
		Code   string `json:"code"`
		RuleID string `json:"rule_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != string(xerrors.CodeAuthorizationDenied) {
		t.Fatalf("code = %s, want AUTHORIZATION_DENIED", body.Code)
	}
	if body.RuleID == "" {
		t.Fatal("denial body must carry the matched rule id")
	}
}

func TestMiddlewareAuthenticateOnlyRoute(t *testing.T) {
	f := newFixture(t)

	handler := f.gateway.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// 无凭据直接拒绝。
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil)
	req.Header.Set(HeaderAgentID, f.agentID)
	req.Header.Set(HeaderAgentSecret, f.secret)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{xerrors.New(xerrors.CodeValidationFailed, "x"), http.StatusBadRequest},
		{xerrors.New(xerrors.CodeDependencyCycle, "x"), http.StatusBadRequest},
		{xerrors.New(xerrors.CodeAuthenticationFailed, "x"), http.StatusUnauthorized},
		{xerrors.New(xerrors.CodeAuthorizationDenied, "x"), http.StatusForbidden},
		{registry.ErrAgentNotFound, http.StatusNotFound},
		{policy.ErrRuleNotFound, http.StatusNotFound},
		{session.ErrSessionNotFound, http.StatusNotFound},
		{xerrors.New(xerrors.CodeStateTransition, "x"), http.StatusConflict},
		{policy.ErrApprovalResolved, http.StatusConflict},
		{registry.ErrRoleInUse, http.StatusConflict},
		{xerrors.New(xerrors.CodeTimeout, "x"), http.StatusGatewayTimeout},
		{xerrors.New(xerrors.CodeStorageFailure, "x"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
