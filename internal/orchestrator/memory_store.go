package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentPlane/internal/errors"
)

// MemoryStore 以内存方式保存工作流与任务状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	tasks     map[string]*Task
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*Workflow),
		tasks:     make(map[string]*Task),
	}
}

// CreateWorkflow 实现 Store 接口。
func (m *MemoryStore) CreateWorkflow(_ context.Context, workflow *Workflow, tasks []*Task) error {
	if workflow == nil || workflow.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工作流不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[workflow.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "工作流已存在",
			xerrors.WithMetadata("workflow_id", workflow.ID))
	}
	for _, task := range tasks {
		if task == nil || task.ID == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
		}
		if _, ok := m.tasks[task.ID]; ok {
			return ErrTaskConflict
		}
	}

	now := time.Now().Unix()
	if workflow.CreatedAt == 0 {
		workflow.CreatedAt = now
	}
	workflow.UpdatedAt = now
	m.workflows[workflow.ID] = cloneWorkflow(workflow)
	for _, task := range tasks {
		if task.CreatedAt == 0 {
			task.CreatedAt = now
		}
		task.UpdatedAt = now
		m.tasks[task.ID] = cloneTask(task)
	}
	return nil
}

// GetWorkflow 返回工作流。
func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	workflow, ok := m.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return cloneWorkflow(workflow), nil
}

// ListWorkflows 返回符合过滤条件的工作流，按更新时间倒序。
func (m *MemoryStore) ListWorkflows(_ context.Context, opts ListOptions) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	matchesStatus := func(workflow *Workflow) bool {
		if len(opts.Statuses) == 0 {
			return true
		}
		for _, status := range opts.Statuses {
			if workflow.Status == status {
				return true
			}
		}
		return false
	}

	results := make([]*Workflow, 0, len(m.workflows))
	for _, workflow := range m.workflows {
		if !matchesStatus(workflow) {
			continue
		}
		results = append(results, cloneWorkflow(workflow))
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Workflow{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// SetWorkflowStatus 更新工作流聚合状态。
func (m *MemoryStore) SetWorkflowStatus(_ context.Context, id string, status WorkflowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	workflow, ok := m.workflows[id]
	if !ok {
		return ErrWorkflowNotFound
	}
	if workflow.Status == status {
		return nil
	}
	workflow.Status = status
	workflow.UpdatedAt = time.Now().Unix()
	return nil
}

// GetTask 返回任务。
func (m *MemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// ListTasks 返回工作流内全部任务，按提交顺序排列。
func (m *MemoryStore) ListTasks(_ context.Context, workflowID string) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	workflow, ok := m.workflows[workflowID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	results := make([]*Task, 0, len(workflow.TaskIDs))
	for _, taskID := range workflow.TaskIDs {
		if task, ok := m.tasks[taskID]; ok {
			results = append(results, cloneTask(task))
		}
	}
	return results, nil
}

// ListAgentTasks 返回指定代理处于给定状态的任务。
func (m *MemoryStore) ListAgentTasks(_ context.Context, agentID string, statuses ...Status) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := func(task *Task) bool {
		if task.AgentID != agentID {
			return false
		}
		if len(statuses) == 0 {
			return true
		}
		for _, status := range statuses {
			if task.Status == status {
				return true
			}
		}
		return false
	}

	results := make([]*Task, 0)
	for _, task := range m.tasks {
		if matches(task) {
			results = append(results, cloneTask(task))
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt < results[j].CreatedAt
	})
	return results, nil
}

// Claim 将就绪任务标记为已派发并递增尝试计数。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	switch task.Status {
	case StatusSucceeded:
		return cloneTask(task), ErrTaskCompleted
	case StatusFailed:
		return cloneTask(task), ErrTaskExhausted
	case StatusDispatched, StatusRunning:
		return cloneTask(task), ErrTaskConflict
	case StatusPending, StatusRetryScheduled:
		return cloneTask(task), ErrTaskNotReady
	}
	task.Status = StatusDispatched
	task.Attempts++
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = time.Now().Unix()
	return cloneTask(task), nil
}

// MarkRunning 确认执行器已接手任务。
func (m *MemoryStore) MarkRunning(_ context.Context, id string, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != StatusDispatched || task.Attempts != attempt {
		return ErrTaskConflict
	}
	task.Status = StatusRunning
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkSucceeded 记录成功结果。旧代理或旧一轮尝试的迟到结果会被拒绝。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id, agentID string, attempt int, result ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	switch task.Status {
	case StatusSucceeded:
		return ErrTaskCompleted
	case StatusFailed:
		return ErrTaskExhausted
	case StatusDispatched, StatusRunning:
	default:
		return ErrTaskConflict
	}
	if task.AgentID != agentID || task.Attempts != attempt {
		return ErrTaskConflict
	}
	task.Status = StatusSucceeded
	task.Result = &result
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkRetryScheduled 将任务置入退避等待状态。
func (m *MemoryStore) MarkRetryScheduled(_ context.Context, id, agentID string, attempt int, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	switch task.Status {
	case StatusSucceeded:
		return ErrTaskCompleted
	case StatusFailed:
		return ErrTaskExhausted
	case StatusDispatched, StatusRunning:
	default:
		return ErrTaskConflict
	}
	if task.AgentID != agentID || task.Attempts != attempt {
		return ErrTaskConflict
	}
	task.Status = StatusRetryScheduled
	task.LastError = lastError
	task.ErrorCode = string(code)
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkReady 将任务置为就绪。已就绪的任务保持幂等。
func (m *MemoryStore) MarkReady(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	switch task.Status {
	case StatusReady:
		return nil
	case StatusSucceeded:
		return ErrTaskCompleted
	case StatusFailed:
		return ErrTaskExhausted
	case StatusPending, StatusRetryScheduled:
	default:
		return ErrTaskConflict
	}
	task.Status = StatusReady
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 将任务置入失败终态。重复失败保持幂等。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	switch task.Status {
	case StatusSucceeded:
		return ErrTaskCompleted
	case StatusFailed:
		return nil
	}
	task.Status = StatusFailed
	task.LastError = lastError
	task.ErrorCode = string(code)
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// Reassign 把任务改派给兜底代理，只允许发生一次。
func (m *MemoryStore) Reassign(_ context.Context, id string, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	switch task.Status {
	case StatusSucceeded:
		return ErrTaskCompleted
	case StatusFailed:
		return ErrTaskExhausted
	}
	if task.FallbackUsed {
		return ErrTaskConflict
	}
	task.AgentID = agentID
	task.FallbackUsed = true
	task.Attempts = 0
	task.Status = StatusReady
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// Stats 统计任务与工作流的状态分布。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{Workflows: len(m.workflows), Tasks: len(m.tasks)}
	for _, workflow := range m.workflows {
		switch workflow.Status {
		case WorkflowRunning:
			stats.WorkflowsRunning++
		case WorkflowSucceeded:
			stats.WorkflowsSucceeded++
		case WorkflowFailed:
			stats.WorkflowsFailed++
		}
	}
	for _, task := range m.tasks {
		switch task.Status {
		case StatusPending:
			stats.TasksPending++
		case StatusReady:
			stats.TasksReady++
		case StatusDispatched, StatusRunning:
			stats.TasksInFlight++
		case StatusRetryScheduled:
			stats.TasksRetryWaiting++
		case StatusSucceeded:
			stats.TasksSucceeded++
		case StatusFailed:
			stats.TasksFailed++
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
