package registry

import (
	"strconv"
	"strings"

	xerrors "AgentPlane/internal/errors"
)

// AgentType 表示代理在体系中的角色层级。
type AgentType string

const (
	TypeExecutive  AgentType = "EXECUTIVE"
	TypeFunctional AgentType = "FUNCTIONAL"
	TypeSub        AgentType = "SUB"
	TypeObserver   AgentType = "OBSERVER"
)

// Status 表示代理在生命周期中的状态。
type Status string

const (
	StatusRegistered     Status = "REGISTERED"
	StatusRunning        Status = "RUNNING"
	StatusPaused         Status = "PAUSED"
	StatusErrored        Status = "ERRORED"
	StatusDecommissioned Status = "DECOMMISSIONED"
)

// Agent 描述了注册在案的智能代理。SecretHash 永不出现在对外序列化结果中。
type Agent struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       AgentType      `json:"agent_type"`
	Version    string         `json:"version"`
	Status     Status         `json:"status"`
	PublicKey  string         `json:"public_key"`
	Address    string         `json:"address"`
	SecretHash string         `json:"-"`
	RoleIDs    []string       `json:"role_ids"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

var (
	// ErrAgentNotFound 表示指定的代理不存在。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrRoleNotFound 表示指定的角色不存在。
	ErrRoleNotFound = xerrors.New(CodeRoleNotFound, "role not found")
	// ErrRoleConflict 表示角色名称已被占用。
	ErrRoleConflict = xerrors.New(CodeRoleConflict, "role name already exists", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrRoleInUse 表示角色仍被存活代理引用，不能删除。
	ErrRoleInUse = xerrors.New(CodeRoleInUse, "role is referenced by active agents", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeAgentNotFound xerrors.Code = "AGENT_NOT_FOUND"
	CodeRoleNotFound  xerrors.Code = "ROLE_NOT_FOUND"
	CodeRoleConflict  xerrors.Code = "ROLE_CONFLICT"
	CodeRoleInUse     xerrors.Code = "ROLE_IN_USE"
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:   "agent not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRoleNotFound, xerrors.Attributes{
		Message:   "role not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRoleConflict, xerrors.Attributes{
		Message:   "role name already exists",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRoleInUse, xerrors.Attributes{
		Message:   "role is referenced by active agents",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidType 检查代理类型是否为支持的枚举值。
func IsValidType(t AgentType) bool {
	switch t {
	case TypeExecutive, TypeFunctional, TypeSub, TypeObserver:
		return true
	default:
		return false
	}
}

// IsValidStatus 检查代理状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusRegistered, StatusRunning, StatusPaused, StatusErrored, StatusDecommissioned:
		return true
	default:
		return false
	}
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusDecommissioned
}

// Dispatchable 判断代理当前是否可以接收任务派发。
func (a *Agent) Dispatchable() bool {
	return a != nil && a.Status == StatusRunning
}

// ValidVersion 校验版本号为 1 到 3 段的点分十进制形式。
func ValidVersion(version string) bool {
	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	if version == "" {
		return false
	}
	parts := strings.Split(version, ".")
	if len(parts) > 3 {
		return false
	}
	for _, part := range parts {
		if part == "" {
			return false
		}
		if _, err := strconv.Atoi(part); err != nil {
			return false
		}
	}
	return true
}

// cloneAgent 返回代理记录的深拷贝，避免调用方篡改存储内部状态。
func cloneAgent(agent *Agent) *Agent {
	if agent == nil {
		return nil
	}
	clone := *agent
	clone.RoleIDs = append([]string(nil), agent.RoleIDs...)
	clone.Metadata = cloneMetadata(agent.Metadata)
	return &clone
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}
