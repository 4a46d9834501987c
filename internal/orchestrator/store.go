package orchestrator

import (
	"context"

	xerrors "AgentPlane/internal/errors"
)

// Store 抽象了工作流与任务状态的持久化接口。写操作带状态守卫：
// 非法状态迁移返回任务域错误而不是悄悄覆盖。attempt 参数用于
// 乐观校验，防止迟到的执行结果覆盖新一轮尝试的状态。
type Store interface {
	// CreateWorkflow 原子地持久化工作流与全部任务，任一失败则全部回退。
	CreateWorkflow(ctx context.Context, workflow *Workflow, tasks []*Task) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, opts ListOptions) ([]*Workflow, error)
	SetWorkflowStatus(ctx context.Context, id string, status WorkflowStatus) error

	GetTask(ctx context.Context, id string) (*Task, error)
	// ListTasks 返回工作流内的全部任务，按创建顺序排列。
	ListTasks(ctx context.Context, workflowID string) ([]*Task, error)
	// ListAgentTasks 返回指定代理处于给定状态的任务。
	ListAgentTasks(ctx context.Context, agentID string, statuses ...Status) ([]*Task, error)

	// Claim 将 READY 任务标记为 DISPATCHED 并递增尝试计数。
	Claim(ctx context.Context, id string) (*Task, error)
	// MarkRunning 确认执行器已接手任务。
	MarkRunning(ctx context.Context, id string, attempt int) error
	// MarkSucceeded 记录成功结果，仅当任务仍派给同一代理且处于
	// 同一轮尝试时生效。改派会把尝试计数清零，所以单靠计数不足以
	// 识别旧代理的迟到结果。
	MarkSucceeded(ctx context.Context, id, agentID string, attempt int, result ExecutionResult) error
	// MarkRetryScheduled 将任务置入退避等待状态，守卫条件与
	// MarkSucceeded 相同。
	MarkRetryScheduled(ctx context.Context, id, agentID string, attempt int, code xerrors.Code, lastError string) error
	// MarkReady 将 PENDING 或 RETRY_SCHEDULED 任务置为就绪。
	MarkReady(ctx context.Context, id string) error
	// MarkFailed 将任务置入失败终态，对任何非终态任务生效。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error
	// Reassign 把任务改派给兜底代理：尝试计数清零、重新就绪，只允许一次。
	Reassign(ctx context.Context, id string, agentID string) error

	// Stats 统计任务与工作流的状态分布。
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats 聚合了编排器的状态统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Workflows          int `json:"workflows"`
	WorkflowsRunning   int `json:"workflows_running"`
	WorkflowsSucceeded int `json:"workflows_succeeded"`
	WorkflowsFailed    int `json:"workflows_failed"`
	Tasks              int `json:"tasks"`
	TasksPending       int `json:"tasks_pending"`
	TasksReady         int `json:"tasks_ready"`
	TasksInFlight      int `json:"tasks_in_flight"`
	TasksRetryWaiting  int `json:"tasks_retry_waiting"`
	TasksSucceeded     int `json:"tasks_succeeded"`
	TasksFailed        int `json:"tasks_failed"`
}
