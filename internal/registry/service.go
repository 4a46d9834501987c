package registry

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPlane/internal/errors"
	"AgentPlane/internal/identity"
	"AgentPlane/pkg/logger"
)

// LifecycleEvent 表示代理生命周期中值得外部关注的迁移。
type LifecycleEvent string

const (
	LifecyclePaused         LifecycleEvent = "paused"
	LifecycleResumed        LifecycleEvent = "resumed"
	LifecycleErrored        LifecycleEvent = "errored"
	LifecycleDecommissioned LifecycleEvent = "decommissioned"
)

// LifecycleListener 在状态迁移完成后、注册操作返回前被同步调用。
// 会话吊销与任务接管依赖这一时序保证。
type LifecycleListener interface {
	OnAgentLifecycle(ctx context.Context, event LifecycleEvent, agent *Agent) error
}

// LifecycleListenerFunc 允许用函数实现 LifecycleListener。
type LifecycleListenerFunc func(ctx context.Context, event LifecycleEvent, agent *Agent) error

// OnAgentLifecycle 实现 LifecycleListener 接口。
func (f LifecycleListenerFunc) OnAgentLifecycle(ctx context.Context, event LifecycleEvent, agent *Agent) error {
	return f(ctx, event, agent)
}

// RegisterRequest 描述注册代理所需的输入。
type RegisterRequest struct {
	Name     string
	Type     AgentType
	Version  string
	RoleIDs  []string
	Metadata map[string]any
}

// RegisteredAgent 是注册操作的返回值。IdentitySecret 与 PrivateKey
// 只在这里出现一次，之后任何查询都取不回来。
type RegisteredAgent struct {
	Agent          *Agent
	IdentitySecret string
	PrivateKey     string
}

// Service 负责代理与角色记录的注册、查询与生命周期管理。
type Service struct {
	agents AgentStore
	roles  RoleStore
	issuer *identity.Issuer

	mu        sync.RWMutex
	listeners []LifecycleListener
}

// NewService 构造注册中心服务。
func NewService(agents AgentStore, roles RoleStore, issuer *identity.Issuer) *Service {
	return &Service{agents: agents, roles: roles, issuer: issuer}
}

// AddLifecycleListener 注册生命周期监听器。
func (s *Service) AddLifecycleListener(listener LifecycleListener) {
	if listener == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, listener)
	s.mu.Unlock()
}

// Register 签发身份并创建代理记录，原始身份密钥仅返回一次。
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisteredAgent, error) {
	if s.agents == nil || s.issuer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "注册中心未初始化")
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, xerrors.New(xerrors.CodeValidationFailed, "代理名称不能为空")
	}
	if !IsValidType(req.Type) {
		return nil, xerrors.New(xerrors.CodeValidationFailed, "代理类型不受支持",
			xerrors.WithMetadata("agent_type", string(req.Type)))
	}
	version := strings.TrimSpace(req.Version)
	if version == "" {
		version = "1.0.0"
	}
	if !ValidVersion(version) {
		return nil, xerrors.New(xerrors.CodeValidationFailed, "版本号格式不正确",
			xerrors.WithMetadata("version", version))
	}

	roleIDs := dedupeIDs(req.RoleIDs)
	if len(roleIDs) > 0 {
		if _, err := s.roles.GetRoles(ctx, roleIDs); err != nil {
			return nil, err
		}
	}

	issued, err := s.issuer.IssueIdentity()
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	agent := &Agent{
		ID:         uuid.NewString(),
		Name:       name,
		Type:       req.Type,
		Version:    version,
		Status:     StatusRegistered,
		PublicKey:  issued.PublicKey,
		Address:    issued.Address,
		SecretHash: issued.SecretHash,
		RoleIDs:    roleIDs,
		Metadata:   cloneMetadata(req.Metadata),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.agents.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}

	logger.Audit().Info("agent_registered",
		slog.String("agent_id", agent.ID),
		slog.String("name", agent.Name),
		slog.String("agent_type", string(agent.Type)),
		slog.String("address", agent.Address),
	)
	return &RegisteredAgent{
		Agent:          agent,
		IdentitySecret: issued.Secret,
		PrivateKey:     issued.PrivateKey,
	}, nil
}

// Get 返回指定代理。
func (s *Service) Get(ctx context.Context, id string) (*Agent, error) {
	if strings.TrimSpace(id) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "代理 ID 不能为空")
	}
	return s.agents.GetAgent(ctx, id)
}

// List 返回符合过滤条件的代理列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Agent, error) {
	options := buildListOptions(opts)
	return s.agents.ListAgents(ctx, options)
}

// Update 合并代理的可变字段，状态不允许通过该入口修改。
func (s *Service) Update(ctx context.Context, id string, patch AgentPatch) (*Agent, error) {
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return nil, xerrors.New(xerrors.CodeValidationFailed, "代理名称不能为空")
	}
	if patch.Version != nil && !ValidVersion(*patch.Version) {
		return nil, xerrors.New(xerrors.CodeValidationFailed, "版本号格式不正确",
			xerrors.WithMetadata("version", *patch.Version))
	}
	agent, err := s.agents.PatchAgent(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("agent_updated", slog.String("agent_id", id))
	return agent, nil
}

// AssignRoles 覆盖代理的角色集合，所有角色必须已存在。
func (s *Service) AssignRoles(ctx context.Context, id string, roleIDs []string) (*Agent, error) {
	ids := dedupeIDs(roleIDs)
	if len(ids) > 0 {
		if _, err := s.roles.GetRoles(ctx, ids); err != nil {
			return nil, err
		}
	}
	agent, err := s.agents.SetAgentRoles(ctx, id, ids)
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("agent_roles_assigned",
		slog.String("agent_id", id),
		slog.Any("role_ids", ids),
	)
	return agent, nil
}

// Pause 暂停代理并同步吊销其会话。已暂停时幂等。
func (s *Service) Pause(ctx context.Context, id string) (*Agent, error) {
	allowed := []Status{StatusRegistered, StatusRunning, StatusErrored}
	agent, changed, err := s.agents.TransitionAgent(ctx, id, allowed, StatusPaused)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := s.notify(ctx, LifecyclePaused, agent); err != nil {
			return nil, err
		}
		logger.Audit().Info("agent_paused", slog.String("agent_id", id))
	}
	return agent, nil
}

// Resume 将暂停、故障或刚注册的代理置为运行状态。
// 历史会话保持吊销状态，代理必须重新登录。
func (s *Service) Resume(ctx context.Context, id string) (*Agent, error) {
	allowed := []Status{StatusPaused, StatusErrored, StatusRegistered}
	agent, changed, err := s.agents.TransitionAgent(ctx, id, allowed, StatusRunning)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := s.notify(ctx, LifecycleResumed, agent); err != nil {
			return nil, err
		}
		logger.Audit().Info("agent_resumed", slog.String("agent_id", id))
	}
	return agent, nil
}

// MarkErrored 由调度器在遇到不可恢复的执行故障时调用。
func (s *Service) MarkErrored(ctx context.Context, id, reason string) (*Agent, error) {
	agent, changed, err := s.agents.TransitionAgent(ctx, id, []Status{StatusRunning}, StatusErrored)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := s.notify(ctx, LifecycleErrored, agent); err != nil {
			return nil, err
		}
		logger.Audit().Warn("agent_errored",
			slog.String("agent_id", id),
			slog.String("reason", reason),
		)
	}
	return agent, nil
}

// Decommission 将代理置为终态。重复调用保持成功且不破坏状态。
func (s *Service) Decommission(ctx context.Context, id string) (*Agent, error) {
	allowed := []Status{StatusRegistered, StatusRunning, StatusPaused, StatusErrored}
	agent, changed, err := s.agents.TransitionAgent(ctx, id, allowed, StatusDecommissioned)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := s.notify(ctx, LifecycleDecommissioned, agent); err != nil {
			return nil, err
		}
		logger.Audit().Info("agent_decommissioned", slog.String("agent_id", id))
	}
	return agent, nil
}

// AgentAccess 解析代理引用的角色与权限并集。
func (s *Service) AgentAccess(ctx context.Context, agent *Agent) ([]*Role, []string, error) {
	if agent == nil {
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "代理记录为空")
	}
	if len(agent.RoleIDs) == 0 {
		return nil, nil, nil
	}
	roles, err := s.roles.GetRoles(ctx, agent.RoleIDs)
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[string]struct{})
	permissions := make([]string, 0)
	for _, role := range roles {
		for _, permission := range role.Permissions {
			if _, ok := seen[permission]; ok {
				continue
			}
			seen[permission] = struct{}{}
			permissions = append(permissions, permission)
		}
	}
	sort.Strings(permissions)
	return roles, permissions, nil
}

// CreateRole 创建新角色，权限必须来自已知词表。
func (s *Service) CreateRole(ctx context.Context, name, description string, permissions []string) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, xerrors.New(xerrors.CodeValidationFailed, "角色名称不能为空")
	}
	normalized, err := NormalizePermissions(permissions)
	if err != nil {
		return nil, err
	}
	if _, err := s.roles.FindRoleByName(ctx, name); err == nil {
		return nil, ErrRoleConflict
	} else if !stdErrors.Is(err, ErrRoleNotFound) {
		return nil, err
	}

	now := time.Now().Unix()
	role := &Role{
		ID:          uuid.NewString(),
		Name:        name,
		Description: strings.TrimSpace(description),
		Permissions: normalized,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.roles.CreateRole(ctx, role); err != nil {
		return nil, err
	}
	logger.Audit().Info("role_created",
		slog.String("role_id", role.ID),
		slog.String("name", role.Name),
		slog.Any("permissions", role.Permissions),
	)
	return role, nil
}

// GetRole 返回指定角色。
func (s *Service) GetRole(ctx context.Context, id string) (*Role, error) {
	if strings.TrimSpace(id) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "角色 ID 不能为空")
	}
	return s.roles.GetRole(ctx, id)
}

// ListRoles 返回全部角色。
func (s *Service) ListRoles(ctx context.Context) ([]*Role, error) {
	return s.roles.ListRoles(ctx)
}

// DeleteRole 删除角色；仍被未退役代理引用时返回 ROLE_IN_USE。
func (s *Service) DeleteRole(ctx context.Context, id string) error {
	if err := s.roles.DeleteRole(ctx, id); err != nil {
		return err
	}
	logger.Audit().Info("role_deleted", slog.String("role_id", id))
	return nil
}

// notify 依次同步调用监听器，任何失败都会让当前操作返回错误。
func (s *Service) notify(ctx context.Context, event LifecycleEvent, agent *Agent) error {
	s.mu.RLock()
	listeners := append([]LifecycleListener(nil), s.listeners...)
	s.mu.RUnlock()

	var errs error
	for _, listener := range listeners {
		if err := listener.OnAgentLifecycle(ctx, event, agent); err != nil {
			logger.L().Error("生命周期监听器执行失败",
				slog.String("event", string(event)),
				slog.String("agent_id", agent.ID),
				slog.Any("error", err),
			)
			errs = stdErrors.Join(errs, err)
		}
	}
	return errs
}

func dedupeIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
