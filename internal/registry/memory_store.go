package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentPlane/internal/errors"
)

// MemoryStore 提供 AgentStore 与 RoleStore 的内存实现，用于开发与测试。
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	roles  map[string]*Role
}

var (
	_ AgentStore = (*MemoryStore)(nil)
	_ RoleStore  = (*MemoryStore)(nil)
)

// NewMemoryStore 创建空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[string]*Agent),
		roles:  make(map[string]*Role),
	}
}

// CreateAgent 保存新的代理记录。
func (s *MemoryStore) CreateAgent(_ context.Context, agent *Agent) error {
	if agent == nil || strings.TrimSpace(agent.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "代理记录不完整")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[agent.ID]; exists {
		return xerrors.New(xerrors.CodeConflict, "代理 ID 已存在")
	}
	now := time.Now().Unix()
	stored := cloneAgent(agent)
	if stored.CreatedAt == 0 {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt == 0 {
		stored.UpdatedAt = stored.CreatedAt
	}
	s.agents[agent.ID] = stored
	return nil
}

// GetAgent 按 ID 取回代理记录。
func (s *MemoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return cloneAgent(agent), nil
}

// PatchAgent 按补丁更新代理的可变字段。
func (s *MemoryStore) PatchAgent(_ context.Context, id string, patch AgentPatch) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	if patch.Name != nil {
		agent.Name = *patch.Name
	}
	if patch.Version != nil {
		agent.Version = *patch.Version
	}
	if len(patch.Metadata) > 0 {
		if agent.Metadata == nil {
			agent.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for key, value := range patch.Metadata {
			if value == nil {
				delete(agent.Metadata, key)
				continue
			}
			agent.Metadata[key] = value
		}
	}
	agent.UpdatedAt = time.Now().Unix()
	return cloneAgent(agent), nil
}

// SetAgentRoles 覆盖代理的角色集合。
func (s *MemoryStore) SetAgentRoles(_ context.Context, id string, roleIDs []string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	agent.RoleIDs = append([]string(nil), roleIDs...)
	agent.UpdatedAt = time.Now().Unix()
	return cloneAgent(agent), nil
}

// TransitionAgent 原子地执行状态迁移。
func (s *MemoryStore) TransitionAgent(_ context.Context, id string, allowed []Status, to Status) (*Agent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, false, ErrAgentNotFound
	}
	if agent.Status == to {
		return cloneAgent(agent), false, nil
	}
	permitted := false
	for _, status := range allowed {
		if agent.Status == status {
			permitted = true
			break
		}
	}
	if !permitted {
		return nil, false, xerrors.New(xerrors.CodeStateTransition, "代理状态不允许该操作",
			xerrors.WithMetadata("from", string(agent.Status)),
			xerrors.WithMetadata("to", string(to)),
		)
	}
	agent.Status = to
	agent.UpdatedAt = time.Now().Unix()
	return cloneAgent(agent), true, nil
}

// ListAgents 返回符合过滤条件的代理列表。
func (s *MemoryStore) ListAgents(_ context.Context, opts ListOptions) ([]*Agent, error) {
	opts.applyDefaults()

	s.mu.RLock()
	matched := make([]*Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		if !matchesAgent(agent, opts) {
			continue
		}
		matched = append(matched, agent)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt == matched[j].CreatedAt {
			if opts.Order == SortByCreatedDesc {
				return matched[i].ID > matched[j].ID
			}
			return matched[i].ID < matched[j].ID
		}
		if opts.Order == SortByCreatedDesc {
			return matched[i].CreatedAt > matched[j].CreatedAt
		}
		return matched[i].CreatedAt < matched[j].CreatedAt
	})

	if opts.Offset >= len(matched) {
		return []*Agent{}, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	result := make([]*Agent, 0, len(matched))
	for _, agent := range matched {
		result = append(result, cloneAgent(agent))
	}
	return result, nil
}

// CountAgentsUsingRole 统计仍引用角色的未退役代理数量。
func (s *MemoryStore) CountAgentsUsingRole(_ context.Context, roleID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, agent := range s.agents {
		if agent.Status == StatusDecommissioned {
			continue
		}
		for _, id := range agent.RoleIDs {
			if id == roleID {
				count++
				break
			}
		}
	}
	return count, nil
}

// CreateRole 保存新的角色记录，名称重复时返回冲突。
func (s *MemoryStore) CreateRole(_ context.Context, role *Role) error {
	if role == nil || strings.TrimSpace(role.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "角色记录不完整")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if strings.EqualFold(existing.Name, role.Name) {
			return ErrRoleConflict
		}
	}
	now := time.Now().Unix()
	stored := cloneRole(role)
	if stored.CreatedAt == 0 {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt == 0 {
		stored.UpdatedAt = stored.CreatedAt
	}
	s.roles[role.ID] = stored
	return nil
}

// GetRole 按 ID 取回角色。
func (s *MemoryStore) GetRole(_ context.Context, id string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[id]
	if !ok {
		return nil, ErrRoleNotFound
	}
	return cloneRole(role), nil
}

// GetRoles 批量取回角色，任何缺失都会失败。
func (s *MemoryStore) GetRoles(_ context.Context, ids []string) ([]*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Role, 0, len(ids))
	for _, id := range ids {
		role, ok := s.roles[id]
		if !ok {
			return nil, xerrors.New(CodeRoleNotFound, "role not found",
				xerrors.WithMetadata("role_id", id))
		}
		result = append(result, cloneRole(role))
	}
	return result, nil
}

// FindRoleByName 按名称查找角色（大小写不敏感）。
func (s *MemoryStore) FindRoleByName(_ context.Context, name string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, role := range s.roles {
		if strings.EqualFold(role.Name, name) {
			return cloneRole(role), nil
		}
	}
	return nil, ErrRoleNotFound
}

// ListRoles 返回全部角色，按创建时间排序。
func (s *MemoryStore) ListRoles(_ context.Context) ([]*Role, error) {
	s.mu.RLock()
	result := make([]*Role, 0, len(s.roles))
	for _, role := range s.roles {
		result = append(result, cloneRole(role))
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt == result[j].CreatedAt {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt < result[j].CreatedAt
	})
	return result, nil
}

// DeleteRole 删除角色；仍被未退役代理引用时拒绝。
func (s *MemoryStore) DeleteRole(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return ErrRoleNotFound
	}
	for _, agent := range s.agents {
		if agent.Status == StatusDecommissioned {
			continue
		}
		for _, roleID := range agent.RoleIDs {
			if roleID == id {
				return ErrRoleInUse
			}
		}
	}
	// 清掉退役代理遗留的引用，保持引用完整性。
	for _, agent := range s.agents {
		for i, roleID := range agent.RoleIDs {
			if roleID == id {
				agent.RoleIDs = append(agent.RoleIDs[:i], agent.RoleIDs[i+1:]...)
				break
			}
		}
	}
	delete(s.roles, id)
	return nil
}

// Close 实现存储接口，无资源需要释放。
func (s *MemoryStore) Close() error {
	return nil
}

func matchesAgent(agent *Agent, opts ListOptions) bool {
	if len(opts.Types) > 0 {
		found := false
		for _, t := range opts.Types {
			if agent.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(opts.Statuses) > 0 {
		found := false
		for _, status := range opts.Statuses {
			if agent.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if opts.Query != "" {
		if !strings.Contains(strings.ToLower(agent.Name), strings.ToLower(opts.Query)) {
			return false
		}
	}
	return true
}
