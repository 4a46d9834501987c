package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"AgentPlane/internal/gateway"
	"AgentPlane/internal/observability/metrics"
	"AgentPlane/internal/operator"
	"AgentPlane/internal/orchestrator"
	"AgentPlane/internal/policy"
	"AgentPlane/internal/registry"
	"AgentPlane/internal/session"
)

// Server 负责暴露 REST 接口：管理面（代理、角色、策略、审批）与
// 网关面（登录、登出、工作流提交）共用一个监听地址。
type Server struct {
	addr string

	agents    *registry.Service
	policies  *policy.Service
	sessions  *session.Service
	workflows *orchestrator.Service
	gateway   *gateway.Gateway
	operators *operator.Service
	metrics   *metrics.Metrics
}

// Deps 列出 API 服务依赖的各域服务。
type Deps struct {
	Agents    *registry.Service
	Policies  *policy.Service
	Sessions  *session.Service
	Workflows *orchestrator.Service
	Gateway   *gateway.Gateway
	Operators *operator.Service
	Metrics   *metrics.Metrics
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Deps) *Server {
	return &Server{
		addr:      addr,
		agents:    deps.Agents,
		policies:  deps.Policies,
		sessions:  deps.Sessions,
		workflows: deps.Workflows,
		gateway:   deps.Gateway,
		operators: deps.Operators,
		metrics:   deps.Metrics,
	}
}

// Handler 组装全部路由。策略检查与审批动作注册在更精确的模式上，
// 由 ServeMux 的最长前缀匹配保证优先命中。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/api/v1/agents", s.guard("agents",
		map[string]string{
			http.MethodPost: registry.PermAgentsCreate,
			http.MethodGet:  registry.PermAgentsRead,
		},
		http.HandlerFunc(s.handleAgents)))
	mux.Handle("/api/v1/agents/", s.guard("agent",
		map[string]string{
			http.MethodGet:    registry.PermAgentsRead,
			http.MethodPatch:  registry.PermAgentsUpdate,
			http.MethodDelete: registry.PermAgentsDelete,
			http.MethodPost:   registry.PermAgentsUpdate,
		},
		http.HandlerFunc(s.handleAgentItem)))

	mux.Handle("/api/v1/roles", s.guard("roles",
		map[string]string{
			http.MethodPost: registry.PermRolesManage,
			http.MethodGet:  registry.PermAgentsRead,
		},
		http.HandlerFunc(s.handleRoles)))
	mux.Handle("/api/v1/roles/", s.guard("role",
		map[string]string{
			http.MethodGet:    registry.PermAgentsRead,
			http.MethodDelete: registry.PermRolesManage,
		},
		http.HandlerFunc(s.handleRoleItem)))

	mux.Handle("/api/v1/policies", s.guard("policies",
		map[string]string{"*": registry.PermPoliciesManage},
		http.HandlerFunc(s.handlePolicies)))
	mux.Handle("/api/v1/policies/", s.guard("policy",
		map[string]string{"*": registry.PermPoliciesManage},
		http.HandlerFunc(s.handlePolicyItem)))
	mux.Handle("/api/v1/policies/check", s.guard("policy_check",
		map[string]string{http.MethodPost: registry.PermPoliciesCheck},
		http.HandlerFunc(s.handlePolicyCheck)))

	mux.Handle("/api/v1/approvals", s.guard("approvals",
		map[string]string{http.MethodGet: registry.PermApprovalsResolve},
		http.HandlerFunc(s.handleApprovals)))
	mux.Handle("/api/v1/approvals/", s.guard("approval",
		map[string]string{http.MethodPost: registry.PermApprovalsResolve},
		http.HandlerFunc(s.handleApprovalItem)))

	mux.Handle("/api/v1/workflows", s.guard("workflows",
		map[string]string{
			http.MethodPost: registry.PermWorkflowsCreate,
			http.MethodGet:  registry.PermWorkflowsRead,
		},
		http.HandlerFunc(s.handleWorkflows)))
	mux.Handle("/api/v1/workflows/", s.guard("workflow",
		map[string]string{http.MethodGet: registry.PermWorkflowsRead},
		http.HandlerFunc(s.handleWorkflowItem)))
	mux.Handle("/api/v1/tasks/", s.guard("task",
		map[string]string{
			http.MethodGet:  registry.PermWorkflowsRead,
			http.MethodPost: registry.PermWorkflowsOrchestrate,
		},
		http.HandlerFunc(s.handleTaskItem)))

	mux.Handle("/api/v1/stats", s.guard("stats",
		map[string]string{http.MethodGet: registry.PermWorkflowsRead},
		http.HandlerFunc(s.handleStats)))

	mux.HandleFunc("/token", s.handleOperatorToken)
	mux.HandleFunc("/gateway/auth/login", s.handleAgentLogin)
	mux.HandleFunc("/gateway/auth/logout", s.handleAgentLogout)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	return mux
}

// guard 组合两条认证链路：携带运维 JWT 的请求走运维中间件，其余
// 凭据（会话令牌或原始身份密钥）走网关授权收口。运维服务关闭时
// 不提供旁路，管理操作同样受代理 RBAC 约束。
func (s *Server) guard(event string, perms map[string]string, next http.Handler) http.Handler {
	viaGateway := s.gateway.Middleware(gateway.MiddlewareConfig{
		RequiredPermissions: perms,
		AuditEvent:          event,
	})(next)

	operatorPerms := make(map[string][]string, len(perms))
	for method, perm := range perms {
		operatorPerms[method] = []string{perm}
	}
	viaOperator := s.operators.Middleware(operator.MiddlewareConfig{
		RequiredPermissions: operatorPerms,
		AuditEvent:          event,
	})(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.operators.Mode() != operator.ModeDisabled && operatorBearer(r) {
			viaOperator.ServeHTTP(w, r)
			return
		}
		viaGateway.ServeHTTP(w, r)
	})
}

// operatorBearer 判断请求是否携带运维访问令牌：运维令牌是三段式
// JWT，代理会话令牌是无分隔符的随机十六进制串，两者不会混淆。
func operatorBearer(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return false
	}
	return strings.Count(strings.TrimSpace(parts[1]), ".") == 2
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	stats, err := s.workflows.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "服务已关闭"})
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
