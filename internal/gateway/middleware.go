package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	xerrors "AgentPlane/internal/errors"
	"AgentPlane/internal/policy"
	"AgentPlane/internal/registry"
	"AgentPlane/internal/session"
	loggerpkg "AgentPlane/pkg/logger"
)

// 原始身份密钥走独立请求头：密钥在存储侧只有加盐哈希，无法按值
// 反查，所以必须同时携带代理 ID。
const (
	HeaderAgentID     = "X-Agent-ID"
	HeaderAgentSecret = "X-Agent-Secret"
)

// MiddlewareConfig 配置网关中间件的行为。
type MiddlewareConfig struct {
	// RequiredPermissions 定义每个 HTTP 方法需要的权限，键 "*" 为兜底。
	// 权限为空的方法只做认证，不做策略判定。
	RequiredPermissions map[string]string
	// AuditEvent 指定审计日志与请求指标使用的事件名称。
	AuditEvent string
}

// Middleware 返回一个 HTTP 中间件：解析凭据、按方法所需权限走
// 授权收口，并把通过校验的身份注入请求上下文。
func (g *Gateway) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred := CredentialFromRequest(r)

			permission := cfg.RequiredPermissions[r.Method]
			if permission == "" {
				permission = cfg.RequiredPermissions["*"]
			}

			var (
				ident *AuthorizedIdentity
				err   error
			)
			if permission == "" {
				ident, err = g.Authenticate(r.Context(), cred)
			} else {
				ident, err = g.Authorize(r.Context(), cred, permission, map[string]string{
					"method": r.Method,
					"path":   r.URL.Path,
				})
			}
			if err != nil {
				status := HTTPStatus(err)
				WriteError(w, err)
				loggerpkg.Audit().Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"permission", permission,
					"error", err.Error(),
				)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := WithIdentity(r.Context(), ident)
			next.ServeHTTP(aw, r.WithContext(ctx))

			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			elapsed := time.Since(start)
			g.metrics.ObserveHTTPRequest(event, r.Method, aw.status, elapsed)
			loggerpkg.Audit().Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", elapsed.Milliseconds(),
				"agent_id", ident.Agent.ID,
			)
		})
	}
}

// CredentialFromRequest 从请求头提取凭据：Bearer 令牌优先，
// 其次是 X-Agent-ID 加 X-Agent-Secret 的原始密钥对。
func CredentialFromRequest(r *http.Request) Credential {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return Credential{Token: strings.TrimSpace(parts[1])}
		}
	}
	return Credential{
		AgentID: strings.TrimSpace(r.Header.Get(HeaderAgentID)),
		Secret:  strings.TrimSpace(r.Header.Get(HeaderAgentSecret)),
	}
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// HTTPStatus 把错误码映射为 HTTP 状态码，全仓库只在这里维护一份。
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, xerrors.CodeValidationFailed, xerrors.CodeDependencyCycle:
		return http.StatusBadRequest
	case xerrors.CodeAuthenticationFailed:
		return http.StatusUnauthorized
	case xerrors.CodeAuthorizationDenied:
		return http.StatusForbidden
	case xerrors.CodeNotFound, registry.CodeAgentNotFound, registry.CodeRoleNotFound,
		policy.CodeRuleNotFound, policy.CodeApprovalNotFound, session.CodeSessionNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeStateTransition, xerrors.CodeAlreadyCompleted,
		registry.CodeRoleConflict, registry.CodeRoleInUse, policy.CodeApprovalResolved:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorBody 是统一的错误响应负载。策略拒绝附带命中的规则与审批单号。
type errorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RuleID     string `json:"rule_id,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
}

// WriteError 以 JSON 形式写出错误响应，状态码由 HTTPStatus 决定。
func WriteError(w http.ResponseWriter, err error) {
	body := errorBody{Error: "internal error", Code: string(xerrors.CodeUnknown)}
	if typed, ok := xerrors.From(err); ok {
		body.Error = typed.Message()
		body.Code = string(typed.Code())
		meta := typed.Metadata()
		body.RuleID = meta["rule_id"]
		body.ApprovalID = meta["approval_id"]
	} else if err != nil {
		body.Error = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(body)
}
