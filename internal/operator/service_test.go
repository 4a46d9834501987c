package operator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func newTestService(t *testing.T, seeds ...Seed) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	svc, err := NewService(context.Background(), Config{
		Mode: ModeJWT,
		JWT: JWTOptions{
			Secret:     "test-secret",
			Issuer:     "agentplane",
			AccessTTL:  3600,
			RefreshTTL: 7200,
		},
		Seeds: seeds,
	}, store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, store
}

func adminSeed() Seed {
	return Seed{
		Username:    "admin",
		Password:    "s3cret",
		Roles:       []string{"admin"},
		Permissions: []string{"agents:create", "roles:manage", "approvals:resolve"},
	}
}

func TestPasswordGrantIssuesPair(t *testing.T) {
	svc, _ := newTestService(t, adminSeed())
	ctx := context.Background()

	pair, err := svc.IssueToken(ctx, TokenRequest{Username: "admin", Password: "s3cret"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if pair.TokenType != "Bearer" {
		t.Fatalf("token type = %s, want Bearer", pair.TokenType)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("both access and refresh tokens must be issued")
	}
	if pair.ExpiresIn != 3600 || pair.RefreshExpiresIn != 7200 {
		t.Fatalf("ttl = %d/%d, want 3600/7200", pair.ExpiresIn, pair.RefreshExpiresIn)
	}

	subject, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Username != "admin" {
		t.Fatalf("subject = %s, want admin", subject.Username)
	}
	if !subject.HasPermission("agents:create") {
		t.Fatal("subject must carry seeded permissions")
	}
}

func TestPasswordGrantRejectsBadCredentials(t *testing.T) {
	svc, _ := newTestService(t, adminSeed(), Seed{
		Username: "ghost",
		Password: "pw",
		Disabled: true,
	})
	ctx := context.Background()

	if _, err := svc.IssueToken(ctx, TokenRequest{Username: "admin", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.IssueToken(ctx, TokenRequest{Username: "nobody", Password: "pw"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown account: err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.IssueToken(ctx, TokenRequest{Username: "ghost", Password: "pw"}); !errors.Is(err, ErrOperatorDisabled) {
		t.Fatalf("disabled account: err = %v, want ErrOperatorDisabled", err)
	}
	if _, err := svc.IssueToken(ctx, TokenRequest{GrantType: "client_credentials"}); !errors.Is(err, ErrUnsupportedGrant) {
		t.Fatalf("unknown grant: err = %v, want ErrUnsupportedGrant", err)
	}
}

func TestRefreshGrant(t *testing.T) {
	svc, store := newTestService(t, adminSeed())
	ctx := context.Background()

	pair, err := svc.IssueToken(ctx, TokenRequest{Username: "admin", Password: "s3cret"})
	if err != nil {
		t.Fatalf("password grant: %v", err)
	}

	renewed, err := svc.IssueToken(ctx, TokenRequest{GrantType: "refresh_token", RefreshToken: pair.RefreshToken})
	if err != nil {
		t.Fatalf("refresh grant: %v", err)
	}
	if renewed.AccessToken == "" {
		t.Fatal("refresh must issue a new access token")
	}
	if _, err := svc.AuthenticateRequest(ctx, "Bearer "+renewed.AccessToken); err != nil {
		t.Fatalf("renewed token must authenticate: %v", err)
	}

	// 访问令牌不能当刷新令牌用。
	if _, err := svc.IssueToken(ctx, TokenRequest{GrantType: "refresh_token", RefreshToken: pair.AccessToken}); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("access-as-refresh: err = %v, want ErrInvalidToken", err)
	}
	if _, err := svc.IssueToken(ctx, TokenRequest{GrantType: "refresh_token", RefreshToken: "garbage"}); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage refresh: err = %v, want ErrInvalidToken", err)
	}

	// 账号停用后刷新立即失效。
	disabled := adminSeed()
	disabled.Disabled = true
	if err := store.ApplySeed(ctx, disabled); err != nil {
		t.Fatalf("disable account: %v", err)
	}
	if _, err := svc.IssueToken(ctx, TokenRequest{GrantType: "refresh_token", RefreshToken: pair.RefreshToken}); !errors.Is(err, ErrOperatorDisabled) {
		t.Fatalf("refresh for disabled account: err = %v, want ErrOperatorDisabled", err)
	}
}

func TestAuthenticateRequestRejections(t *testing.T) {
	svc, _ := newTestService(t, adminSeed())
	ctx := context.Background()

	pair, err := svc.IssueToken(ctx, TokenRequest{Username: "admin", Password: "s3cret"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	if _, err := svc.AuthenticateRequest(ctx, ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("empty header: err = %v, want ErrMissingToken", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Basic abc"); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("non-bearer: err = %v, want ErrMissingToken", err)
	}
	// 刷新令牌不能访问受保护路由。
	if _, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh-as-access: err = %v, want ErrInvalidToken", err)
	}
	// 篡改签名立即失效。
	if _, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken+"x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("tampered token: err = %v, want ErrInvalidToken", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	svc, _ := newTestService(t, adminSeed())

	claims := jwtClaims{
		Username:  "admin",
		TokenType: tokenTypeAccess,
		Subject:   strconv.FormatInt(1, 10),
		Issuer:    "agentplane",
		IssuedAt:  time.Now().Unix() - 120,
		ExpiresAt: time.Now().Unix() - 60,
	}
	token, err := svc.jwt.sign(claims)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer "+token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token: err = %v, want ErrInvalidToken", err)
	}
}

func TestSubjectAuthorize(t *testing.T) {
	subject := &Subject{
		Username:    "ops",
		Permissions: []string{"Agents:Create", "roles:manage"},
	}
	if err := subject.Authorize("agents:create", "roles:manage"); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if err := subject.Authorize("approvals:resolve"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("missing permission: err = %v, want ErrPermissionDenied", err)
	}
	subject.Disabled = true
	if err := subject.Authorize("agents:create"); !errors.Is(err, ErrOperatorDisabled) {
		t.Fatalf("disabled subject: err = %v, want ErrOperatorDisabled", err)
	}
}

func TestMiddlewareGuardsManagementRoutes(t *testing.T) {
	svc, _ := newTestService(t,
		adminSeed(),
		Seed{Username: "viewer", Password: "pw", Permissions: []string{"agents:read"}},
	)
	ctx := context.Background()

	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodPost: {"agents:create"},
		},
		AuditEvent: "agents",
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusCreated)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/agents", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}

	viewerPair, err := svc.IssueToken(ctx, TokenRequest{Username: "viewer", Password: "pw"})
	if err != nil {
		t.Fatalf("viewer token: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer "+viewerPair.AccessToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("missing permission: status = %d, want 403", rec.Code)
	}

	adminPair, err := svc.IssueToken(ctx, TokenRequest{Username: "admin", Password: "s3cret"})
	if err != nil {
		t.Fatalf("admin token: %v", err)
	}
	req = httptest.NewRequest(http.MethodPost, "/api/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer "+adminPair.AccessToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("admin: status = %d, want 201", rec.Code)
	}
	if seen == nil || seen.Username != "admin" {
		t.Fatalf("subject in context = %+v, want admin", seen)
	}
}

func TestDisabledModePassesThrough(t *testing.T) {
	svc, err := NewService(context.Background(), Config{Mode: ModeDisabled}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {"system:admin"}},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("disabled mode: status = %d, want 200", rec.Code)
	}
	if _, err := svc.IssueToken(context.Background(), TokenRequest{Username: "x", Password: "y"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("issue in disabled mode: err = %v, want ErrDisabled", err)
	}
}
