package registry

import "context"

// AgentPatch 描述部分更新时允许修改的字段。Metadata 按键合并，显式的
// nil 值会删除对应键；状态永远不能通过补丁修改。
type AgentPatch struct {
	Name     *string
	Version  *string
	Metadata map[string]any
}

// AgentStore 抽象代理记录的持久化接口。实现必须保证并发安全。
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	PatchAgent(ctx context.Context, id string, patch AgentPatch) (*Agent, error)
	SetAgentRoles(ctx context.Context, id string, roleIDs []string) (*Agent, error)
	// TransitionAgent 原子地执行状态迁移。当前状态等于目标状态时为幂等
	// 无操作，返回 changed=false；当前状态不在 allowed 中时返回
	// STATE_TRANSITION_INVALID。
	TransitionAgent(ctx context.Context, id string, allowed []Status, to Status) (agent *Agent, changed bool, err error)
	ListAgents(ctx context.Context, opts ListOptions) ([]*Agent, error)
	CountAgentsUsingRole(ctx context.Context, roleID string) (int, error)
	Close() error
}

// RoleStore 抽象角色记录的持久化接口。
type RoleStore interface {
	CreateRole(ctx context.Context, role *Role) error
	GetRole(ctx context.Context, id string) (*Role, error)
	// GetRoles 按 id 批量取回角色，任何一个缺失都返回 ROLE_NOT_FOUND。
	GetRoles(ctx context.Context, ids []string) ([]*Role, error)
	FindRoleByName(ctx context.Context, name string) (*Role, error)
	ListRoles(ctx context.Context) ([]*Role, error)
	// DeleteRole 在角色仍被未退役代理引用时拒绝删除并返回 ROLE_IN_USE。
	DeleteRole(ctx context.Context, id string) error
	Close() error
}
