// Package gateway 是所有需要认证与授权的操作的唯一入口：解析凭据、
// 加载角色、调用策略引擎，任何注册中心变更或编排派发都必须先经过这里。
package gateway

import (
	"context"
	stdErrors "errors"
	"strings"

	xerrors "AgentPlane/internal/errors"
	"AgentPlane/internal/identity"
	metricspkg "AgentPlane/internal/observability/metrics"
	"AgentPlane/internal/policy"
	"AgentPlane/internal/registry"
	"AgentPlane/internal/session"
)

// Credential 是网关接受的两种凭据之一：会话令牌，或代理 ID 加
// 原始身份密钥。两者同时出现时优先使用会话令牌。
type Credential struct {
	Token   string `json:"token,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Secret  string `json:"secret,omitempty"`
}

// AuthorizedIdentity 是通过网关校验后的调用方身份。Roles、Permissions
// 与 Decision 只在完整授权（而非仅认证）后填充。
type AuthorizedIdentity struct {
	Agent       *registry.Agent  `json:"agent"`
	SessionID   string           `json:"session_id,omitempty"`
	Roles       []*registry.Role `json:"roles,omitempty"`
	Permissions []string         `json:"permissions,omitempty"`
	Decision    *policy.Decision `json:"decision,omitempty"`
}

// Gateway 组合注册中心、会话管理器与策略引擎，形成授权收口。
type Gateway struct {
	agents   *registry.Service
	sessions *session.Service
	policies *policy.Service
	metrics  *metricspkg.Metrics
}

// NewGateway 构造网关。metrics 允许为 nil。
func NewGateway(agents *registry.Service, sessions *session.Service, policies *policy.Service, m *metricspkg.Metrics) *Gateway {
	return &Gateway{agents: agents, sessions: sessions, policies: policies, metrics: m}
}

func (g *Gateway) ready() error {
	if g == nil || g.agents == nil || g.sessions == nil || g.policies == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "网关未初始化")
	}
	return nil
}

// Authenticate 只解析凭据对应的身份，不做权限判定。会话令牌经会话
// 管理器校验；原始身份密钥直接与存储哈希比对，不建立会话。退役代理
// 的任何凭据一律按认证失败处理，不泄露其存在与否。
func (g *Gateway) Authenticate(ctx context.Context, cred Credential) (*AuthorizedIdentity, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}

	if token := strings.TrimSpace(cred.Token); token != "" {
		sess, err := g.sessions.Validate(ctx, token)
		if err != nil {
			return nil, err
		}
		agent, err := g.agents.Get(ctx, sess.AgentID)
		if err != nil {
			if stdErrors.Is(err, registry.ErrAgentNotFound) {
				return nil, xerrors.New(xerrors.CodeAuthenticationFailed, "凭据无效")
			}
			return nil, err
		}
		if agent.Status.Terminal() {
			return nil, xerrors.New(xerrors.CodeAuthenticationFailed, "凭据无效",
				xerrors.WithMetadata("agent_id", agent.ID))
		}
		return &AuthorizedIdentity{Agent: agent, SessionID: sess.ID}, nil
	}

	agentID := strings.TrimSpace(cred.AgentID)
	secret := strings.TrimSpace(cred.Secret)
	if agentID == "" || secret == "" {
		return nil, xerrors.New(xerrors.CodeAuthenticationFailed, "未提供凭据")
	}
	agent, err := g.agents.Get(ctx, agentID)
	if err != nil {
		if stdErrors.Is(err, registry.ErrAgentNotFound) {
			return nil, xerrors.New(xerrors.CodeAuthenticationFailed, "凭据无效")
		}
		return nil, err
	}
	if !identity.VerifySecret(secret, agent.SecretHash) {
		return nil, xerrors.New(xerrors.CodeAuthenticationFailed, "凭据无效",
			xerrors.WithMetadata("agent_id", agentID))
	}
	if agent.Status.Terminal() {
		return nil, xerrors.New(xerrors.CodeAuthenticationFailed, "凭据无效",
			xerrors.WithMetadata("agent_id", agentID))
	}
	return &AuthorizedIdentity{Agent: agent}, nil
}

// Authorize 是授权收口：认证凭据、校验代理状态、解析角色并调用
// 策略引擎。只有 ALLOW 会返回身份；DENY 与 ESCALATE 都转换为
// AUTHORIZATION_DENIED，元数据携带命中的规则与审批单号供上层呈现。
func (g *Gateway) Authorize(ctx context.Context, cred Credential, permission string, reqCtx map[string]string) (*AuthorizedIdentity, error) {
	permission = strings.TrimSpace(permission)
	if permission == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "权限字符串不能为空")
	}

	ident, err := g.Authenticate(ctx, cred)
	if err != nil {
		return nil, err
	}
	return g.authorizeIdentity(ctx, ident, permission, reqCtx)
}

// AuthorizeAgent 按代理 ID 执行授权，供进程内组件（编排调度器）在
// 派发前走同一策略收口。不做凭据认证，调用方必须已持有可信的代理 ID。
func (g *Gateway) AuthorizeAgent(ctx context.Context, agentID, permission string, reqCtx map[string]string) (*AuthorizedIdentity, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	permission = strings.TrimSpace(permission)
	if permission == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "权限字符串不能为空")
	}
	agent, err := g.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status.Terminal() {
		return nil, xerrors.New(xerrors.CodeAuthorizationDenied, "代理已退役",
			xerrors.WithMetadata("agent_id", agent.ID),
			xerrors.WithMetadata("status", string(agent.Status)))
	}
	return g.authorizeIdentity(ctx, &AuthorizedIdentity{Agent: agent}, permission, reqCtx)
}

func (g *Gateway) authorizeIdentity(ctx context.Context, ident *AuthorizedIdentity, permission string, reqCtx map[string]string) (*AuthorizedIdentity, error) {
	switch ident.Agent.Status {
	case registry.StatusPaused:
		return nil, xerrors.New(xerrors.CodeAuthorizationDenied, "代理已暂停，仅允许重新认证",
			xerrors.WithMetadata("agent_id", ident.Agent.ID),
			xerrors.WithMetadata("status", string(ident.Agent.Status)))
	case registry.StatusErrored:
		return nil, xerrors.New(xerrors.CodeAuthorizationDenied, "代理处于故障状态，等待运维恢复",
			xerrors.WithMetadata("agent_id", ident.Agent.ID),
			xerrors.WithMetadata("status", string(ident.Agent.Status)))
	}

	roles, permissions, err := g.agents.AgentAccess(ctx, ident.Agent)
	if err != nil {
		return nil, err
	}
	ident.Roles = roles
	ident.Permissions = permissions

	decision, err := g.policies.Authorize(ctx, policy.Input{
		AgentID:    ident.Agent.ID,
		AgentType:  ident.Agent.Type,
		RoleIDs:    ident.Agent.RoleIDs,
		Permission: permission,
		Context:    reqCtx,
	})
	if err != nil {
		return nil, err
	}
	ident.Decision = decision

	if decision.Effect != policy.EffectAllow {
		opts := []xerrors.Option{
			xerrors.WithMetadata("agent_id", ident.Agent.ID),
			xerrors.WithMetadata("permission", permission),
			xerrors.WithMetadata("effect", string(decision.Effect)),
		}
		if decision.RuleID != "" {
			opts = append(opts, xerrors.WithMetadata("rule_id", decision.RuleID))
		}
		if decision.ApprovalID != "" {
			opts = append(opts, xerrors.WithMetadata("approval_id", decision.ApprovalID))
		}
		return nil, xerrors.New(xerrors.CodeAuthorizationDenied, decision.Reason, opts...)
	}
	return ident, nil
}
