package orchestrator

import (
	stdErrors "errors"

	xerrors "AgentPlane/internal/errors"
)

// Status 表示任务在调度生命周期中的状态。
type Status string

const (
	// StatusPending 表示任务仍在等待依赖完成。
	StatusPending Status = "PENDING"
	// StatusReady 表示任务依赖全部成功，可以被领取。
	StatusReady Status = "READY"
	// StatusDispatched 表示任务已被工作协程领取并通过授权。
	StatusDispatched Status = "DISPATCHED"
	// StatusRunning 表示执行器正在处理任务。
	StatusRunning Status = "RUNNING"
	// StatusSucceeded 表示任务执行成功，为终态。
	StatusSucceeded Status = "SUCCEEDED"
	// StatusFailed 表示任务重试耗尽或被取消，为终态。
	StatusFailed Status = "FAILED"
	// StatusRetryScheduled 表示任务等待退避计时结束后重新就绪。
	StatusRetryScheduled Status = "RETRY_SCHEDULED"
)

// WorkflowStatus 表示工作流的聚合状态，由任务状态推导。
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowSucceeded WorkflowStatus = "SUCCEEDED"
	WorkflowFailed    WorkflowStatus = "FAILED"
)

// ExecutionResult 保存一次任务执行的产出。
type ExecutionResult struct {
	AgentID      string `json:"agent_id"`
	Output       string `json:"output,omitempty"`
	Observations string `json:"observations,omitempty"`
	CompletedAt  int64  `json:"completed_at,omitempty"`
}

// Task 描述工作流中的一个调度单元。DependsOn 保存同一工作流内
// 前置任务的 ID；任务只有在全部前置任务成功后才会就绪。
type Task struct {
	ID              string            `json:"id"`
	WorkflowID      string            `json:"workflow_id"`
	Name            string            `json:"name"`
	AgentID         string            `json:"agent_id"`
	FallbackAgentID string            `json:"fallback_agent_id,omitempty"`
	Permission      string            `json:"permission"`
	Payload         map[string]string `json:"payload,omitempty"`
	DependsOn       []string          `json:"depends_on,omitempty"`
	Status          Status            `json:"status"`
	Attempts        int               `json:"attempts"`
	MaxRetries      int               `json:"max_retries"`
	TimeoutSeconds  int               `json:"timeout_seconds,omitempty"`
	FallbackUsed    bool              `json:"fallback_used"`
	LastError       string            `json:"last_error,omitempty"`
	ErrorCode       string            `json:"error_code,omitempty"`
	Result          *ExecutionResult  `json:"result,omitempty"`
	CreatedAt       int64             `json:"created_at"`
	UpdatedAt       int64             `json:"updated_at"`
}

// Terminal 判断任务是否处于终态。
func (t *Task) Terminal() bool {
	if t == nil {
		return false
	}
	return t.Status == StatusSucceeded || t.Status == StatusFailed
}

// Workflow 描述一次提交的任务图。Status 由任务状态聚合而来：
// 全部成功则 SUCCEEDED，任何任务耗尽重试且无可用兜底则 FAILED。
type Workflow struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Status    WorkflowStatus `json:"status"`
	TaskIDs   []string       `json:"task_ids"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrWorkflowNotFound 表示指定的工作流不存在。
	ErrWorkflowNotFound = xerrors.New(CodeWorkflowNotFound, "workflow not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskNotReady 表示任务的依赖尚未全部完成。
	ErrTaskNotReady = xerrors.New(CodeTaskNotReady, "task dependencies incomplete", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskCompleted 表示任务已经成功完成。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示任务已进入失败终态。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTaskNotFound       xerrors.Code = "TASK_NOT_FOUND"
	CodeWorkflowNotFound   xerrors.Code = "WORKFLOW_NOT_FOUND"
	CodeTaskConflict       xerrors.Code = "TASK_CONFLICT"
	CodeTaskNotReady       xerrors.Code = "TASK_NOT_READY"
	CodeTaskCompleted      xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted      xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskCancelled      xerrors.Code = "TASK_CANCELLED"
	CodeWorkflowValidation xerrors.Code = "WORKFLOW_VALIDATION_FAILED"
	CodeTaskDispatch       xerrors.Code = "TASK_DISPATCH_FAILED"
	CodeTaskPublish        xerrors.Code = "TASK_PUBLISH_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkflowNotFound, xerrors.Attributes{
		Message:   "workflow not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "task conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskNotReady, xerrors.Attributes{
		Message:   "task dependencies incomplete",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:   "task already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:   "task retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeTaskCancelled, xerrors.Attributes{
		Message:   "task cancelled",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeWorkflowValidation, xerrors.Attributes{
		Message:   "workflow validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskDispatch, xerrors.Attributes{
		Message:   "task dispatch failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// IsTaskError 判断错误是否为指定的任务域错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch target {
	case CodeTaskNotFound:
		return stdErrors.Is(err, ErrTaskNotFound)
	case CodeWorkflowNotFound:
		return stdErrors.Is(err, ErrWorkflowNotFound)
	case CodeTaskConflict:
		return stdErrors.Is(err, ErrTaskConflict)
	case CodeTaskNotReady:
		return stdErrors.Is(err, ErrTaskNotReady)
	case CodeTaskCompleted:
		return stdErrors.Is(err, ErrTaskCompleted)
	case CodeTaskExhausted:
		return stdErrors.Is(err, ErrTaskExhausted)
	}
	return false
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusReady, StatusDispatched, StatusRunning,
		StatusSucceeded, StatusFailed, StatusRetryScheduled:
		return true
	default:
		return false
	}
}

func clonePayload(payload map[string]string) map[string]string {
	if payload == nil {
		return nil
	}
	cloned := make(map[string]string, len(payload))
	for key, value := range payload {
		cloned[key] = value
	}
	return cloned
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}
	clone := *task
	if task.Result != nil {
		resultCopy := *task.Result
		clone.Result = &resultCopy
	}
	clone.Payload = clonePayload(task.Payload)
	clone.DependsOn = append([]string(nil), task.DependsOn...)
	return &clone
}

func cloneWorkflow(workflow *Workflow) *Workflow {
	if workflow == nil {
		return nil
	}
	clone := *workflow
	clone.TaskIDs = append([]string(nil), workflow.TaskIDs...)
	return &clone
}
