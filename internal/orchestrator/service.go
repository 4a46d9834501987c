package orchestrator

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPlane/internal/errors"
	"AgentPlane/internal/observability/alerting"
	"AgentPlane/internal/observability/metrics"
	"AgentPlane/internal/registry"
	"AgentPlane/pkg/logger"
)

// Service 负责工作流的提交、查询与取消。
type Service struct {
	store      Store
	producer   Producer
	agents     *registry.Service
	maxRetries int
	metrics    *metrics.Metrics
	alerter    alerting.Dispatcher
}

// NewService 构造编排服务。maxRetries 是任务未显式指定时的默认重试预算。
func NewService(store Store, producer Producer, agents *registry.Service, maxRetries int, m *metrics.Metrics, alerter alerting.Dispatcher) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{
		store:      store,
		producer:   producer,
		agents:     agents,
		maxRetries: maxRetries,
		metrics:    m,
		alerter:    alerter,
	}
}

// WorkflowDetail 聚合工作流与其全部任务。
type WorkflowDetail struct {
	Workflow *Workflow `json:"workflow"`
	Tasks    []*Task   `json:"tasks"`
}

// SubmitWorkflow 校验任务图、核对执行代理并原子持久化，随后把
// 无依赖的任务推入派发队列。校验失败不产生任何持久化副作用。
func (s *Service) SubmitWorkflow(ctx context.Context, spec WorkflowSpec) (*WorkflowDetail, error) {
	if s.store == nil || s.producer == nil || s.agents == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排服务未初始化")
	}
	spec = normalizeSpec(spec)
	if spec.Name == "" {
		return nil, xerrors.New(CodeWorkflowValidation, "工作流名称不能为空")
	}
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	if err := s.checkAgents(ctx, spec); err != nil {
		return nil, err
	}

	workflow := &Workflow{
		ID:     uuid.NewString(),
		Name:   spec.Name,
		Status: WorkflowRunning,
	}
	idsByName := make(map[string]string, len(spec.Tasks))
	for _, def := range spec.Tasks {
		idsByName[def.Name] = uuid.NewString()
	}

	tasks := make([]*Task, 0, len(spec.Tasks))
	var readyIDs []string
	for _, def := range spec.Tasks {
		var dependsOn []string
		for _, dep := range def.DependsOn {
			dependsOn = append(dependsOn, idsByName[dep])
		}
		status := StatusPending
		if len(dependsOn) == 0 {
			status = StatusReady
		}
		permission := def.Permission
		if permission == "" {
			permission = registry.PermAgentsExecute
		}
		maxRetries := def.MaxRetries
		if maxRetries == 0 {
			maxRetries = s.maxRetries
		}
		if maxRetries < 0 {
			maxRetries = 0
		}
		timeoutSeconds := def.TimeoutSeconds
		if timeoutSeconds < 0 {
			timeoutSeconds = 0
		}
		task := &Task{
			ID:              idsByName[def.Name],
			WorkflowID:      workflow.ID,
			Name:            def.Name,
			AgentID:         def.AgentID,
			FallbackAgentID: def.FallbackAgentID,
			Permission:      permission,
			Payload:         clonePayload(def.Payload),
			DependsOn:       dependsOn,
			Status:          status,
			MaxRetries:      maxRetries,
			TimeoutSeconds:  timeoutSeconds,
		}
		tasks = append(tasks, task)
		workflow.TaskIDs = append(workflow.TaskIDs, task.ID)
		if status == StatusReady {
			readyIDs = append(readyIDs, task.ID)
		}
	}

	if err := s.store.CreateWorkflow(ctx, workflow, tasks); err != nil {
		return nil, err
	}
	for _, id := range readyIDs {
		if err := s.producer.Publish(ctx, id); err != nil {
			logger.L().Error("任务入队失败",
				slog.Any("error", err),
				slog.String("task_id", id),
				slog.String("workflow_id", workflow.ID))
			wrapped := xerrors.Wrap(CodeTaskPublish, err, fmt.Sprintf("任务 %s 入队失败", id))
			if markErr := s.store.MarkFailed(ctx, id, CodeTaskPublish, wrapped.Error()); markErr != nil {
				logger.L().Error("标记任务失败状态出错", slog.Any("error", markErr), slog.String("task_id", id))
			}
			if statusErr := s.store.SetWorkflowStatus(ctx, workflow.ID, WorkflowFailed); statusErr != nil {
				logger.L().Error("更新工作流状态失败", slog.Any("error", statusErr), slog.String("workflow_id", workflow.ID))
			}
			return nil, wrapped
		}
	}

	s.metrics.WorkflowSubmitted()
	logger.Audit().Info("工作流已提交",
		slog.String("workflow_id", workflow.ID),
		slog.String("name", workflow.Name),
		slog.Int("tasks", len(tasks)),
	)
	return &WorkflowDetail{Workflow: workflow, Tasks: tasks}, nil
}

// GetWorkflow 返回工作流及其全部任务。
func (s *Service) GetWorkflow(ctx context.Context, id string) (*WorkflowDetail, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排服务未初始化")
	}
	workflow, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	return &WorkflowDetail{Workflow: workflow, Tasks: tasks}, nil
}

// ListWorkflows 返回符合过滤条件的工作流列表。
func (s *Service) ListWorkflows(ctx context.Context, opts ...ListOption) ([]*Workflow, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排服务未初始化")
	}
	options := buildListOptions(opts)
	return s.store.ListWorkflows(ctx, options)
}

// GetTask 返回指定任务。
func (s *Service) GetTask(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排服务未初始化")
	}
	return s.store.GetTask(ctx, id)
}

// CancelTask 把任务置入失败终态并连带标记工作流失败。已成功的
// 任务返回冲突；已失败的任务幂等返回。在途执行的迟到结果会被
// 状态守卫丢弃。
func (s *Service) CancelTask(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排服务未初始化")
	}
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status == StatusSucceeded {
		return nil, ErrTaskCompleted
	}
	if task.Status == StatusFailed {
		return task, nil
	}

	if err := s.store.MarkFailed(ctx, id, CodeTaskCancelled, "任务已被取消"); err != nil {
		if stdErrors.Is(err, ErrTaskCompleted) {
			return nil, ErrTaskCompleted
		}
		return nil, err
	}
	workflowFailed := false
	if wf, err := s.store.GetWorkflow(ctx, task.WorkflowID); err == nil && wf.Status == WorkflowRunning {
		if err := s.store.SetWorkflowStatus(ctx, task.WorkflowID, WorkflowFailed); err != nil {
			logger.L().Error("更新工作流状态失败", slog.Any("error", err), slog.String("workflow_id", task.WorkflowID))
		} else {
			workflowFailed = true
		}
	}

	s.metrics.TaskCompleted(string(StatusFailed), 0)
	if workflowFailed {
		s.metrics.WorkflowCompleted(string(WorkflowFailed))
	}
	logger.Audit().Warn("任务已取消",
		slog.String("task_id", id),
		slog.String("workflow_id", task.WorkflowID),
		slog.String("agent_id", task.AgentID),
	)
	s.emitCancelAlert(ctx, task)

	return s.store.GetTask(ctx, id)
}

// Stats 返回工作流与任务的状态分布。
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "编排服务未初始化")
	}
	return s.store.Stats(ctx)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitForWorkflow 在指定间隔内轮询工作流直到离开 RUNNING 状态。
func (s *Service) WaitForWorkflow(ctx context.Context, id string, interval time.Duration) (*WorkflowDetail, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		detail, err := s.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		if detail.Workflow.Status != WorkflowRunning {
			return detail, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// checkAgents 核对任务引用的执行代理与兜底代理：必须已注册且未退役。
// 暂停中的代理允许引用，派发时再等待恢复。
func (s *Service) checkAgents(ctx context.Context, spec WorkflowSpec) error {
	seen := make(map[string]*registry.Agent)
	lookup := func(id string) (*registry.Agent, error) {
		if agent, ok := seen[id]; ok {
			return agent, nil
		}
		agent, err := s.agents.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		seen[id] = agent
		return agent, nil
	}

	for _, def := range spec.Tasks {
		agent, err := lookup(def.AgentID)
		if err != nil {
			if stdErrors.Is(err, registry.ErrAgentNotFound) {
				return xerrors.New(CodeWorkflowValidation,
					fmt.Sprintf("任务 %q 引用了不存在的代理 %s", def.Name, def.AgentID),
					xerrors.WithMetadata("task", def.Name),
					xerrors.WithMetadata("agent_id", def.AgentID))
			}
			return err
		}
		if agent.Status.Terminal() {
			return xerrors.New(CodeWorkflowValidation,
				fmt.Sprintf("任务 %q 引用了已退役的代理 %s", def.Name, def.AgentID),
				xerrors.WithMetadata("task", def.Name),
				xerrors.WithMetadata("agent_id", def.AgentID))
		}
		if def.FallbackAgentID == "" {
			continue
		}
		fallback, err := lookup(def.FallbackAgentID)
		if err != nil {
			if stdErrors.Is(err, registry.ErrAgentNotFound) {
				return xerrors.New(CodeWorkflowValidation,
					fmt.Sprintf("任务 %q 引用了不存在的兜底代理 %s", def.Name, def.FallbackAgentID),
					xerrors.WithMetadata("task", def.Name),
					xerrors.WithMetadata("agent_id", def.FallbackAgentID))
			}
			return err
		}
		if fallback.Status.Terminal() {
			return xerrors.New(CodeWorkflowValidation,
				fmt.Sprintf("任务 %q 引用了已退役的兜底代理 %s", def.Name, def.FallbackAgentID),
				xerrors.WithMetadata("task", def.Name),
				xerrors.WithMetadata("agent_id", def.FallbackAgentID))
		}
	}
	return nil
}

func (s *Service) emitCancelAlert(ctx context.Context, task *Task) {
	if s.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(CodeTaskCancelled)
	event := alerting.Event{
		Code:       CodeTaskCancelled,
		Message:    fmt.Sprintf("任务 %s 已被取消", task.ID),
		Severity:   attrs.Severity,
		WorkflowID: task.WorkflowID,
		TaskID:     task.ID,
		AgentID:    task.AgentID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   map[string]string{"stage": "cancelled"},
		OccurredAt: time.Now(),
	}
	if err := s.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}
	s.metrics.AlertEmitted(string(attrs.Severity))
}

// normalizeSpec 去除名称与引用中的空白，保证校验与持久化使用
// 一致的键。
func normalizeSpec(spec WorkflowSpec) WorkflowSpec {
	spec.Name = strings.TrimSpace(spec.Name)
	tasks := make([]TaskSpec, len(spec.Tasks))
	for i, def := range spec.Tasks {
		def.Name = strings.TrimSpace(def.Name)
		def.AgentID = strings.TrimSpace(def.AgentID)
		def.FallbackAgentID = strings.TrimSpace(def.FallbackAgentID)
		def.Permission = strings.TrimSpace(def.Permission)
		deps := make([]string, 0, len(def.DependsOn))
		for _, dep := range def.DependsOn {
			dep = strings.TrimSpace(dep)
			if dep != "" {
				deps = append(deps, dep)
			}
		}
		if len(deps) == 0 {
			deps = nil
		}
		def.DependsOn = deps
		tasks[i] = def
	}
	spec.Tasks = tasks
	return spec
}
