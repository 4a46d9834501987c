package orchestrator

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	xerrors "AgentPlane/internal/errors"
	"AgentPlane/internal/executor"
	"AgentPlane/internal/gateway"
	"AgentPlane/internal/observability/alerting"
	"AgentPlane/internal/observability/metrics"
	"AgentPlane/internal/registry"
	"AgentPlane/pkg/logger"
)

// Scheduler 从派发队列消费就绪任务：领取、复核授权、交给执行器，
// 失败时按指数退避安排重试，重试耗尽后改派兜底代理或落入失败终态。
// 同一工作流的状态变更串行化，避免依赖推进与失败处理互相覆盖。
type Scheduler struct {
	executor executor.Executor
	store    Store
	consumer Consumer
	producer Producer
	gateway  *gateway.Gateway
	agents   *registry.Service

	workerCount    int
	retryBase      time.Duration
	retryCap       time.Duration
	defaultTimeout time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
	alerter alerting.Dispatcher

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	timersMu sync.Mutex
	timers   map[string]*time.Timer
	stopped  bool
}

// SchedulerOption 定义可选配置。
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger 指定调试日志输出。
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) SchedulerOption {
	return func(s *Scheduler) {
		if workers > 0 {
			s.workerCount = workers
		}
	}
}

// WithRetryPolicy 设置退避基准与上限。第 n 次失败后等待
// base*2^(n-1)，封顶 limit。
func WithRetryPolicy(base, limit time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if base > 0 {
			s.retryBase = base
		}
		if limit > 0 {
			s.retryCap = limit
		}
	}
}

// WithDefaultTaskTimeout 设置未显式指定超时的任务的执行时限。
func WithDefaultTaskTimeout(timeout time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if timeout > 0 {
			s.defaultTimeout = timeout
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) SchedulerOption {
	return func(s *Scheduler) {
		s.alerter = dispatcher
	}
}

// WithSchedulerMetrics 配置指标采集。
func WithSchedulerMetrics(m *metrics.Metrics) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// NewScheduler 构造 Scheduler。
func NewScheduler(exec executor.Executor, store Store, consumer Consumer, producer Producer, gw *gateway.Gateway, agents *registry.Service, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		executor:       exec,
		store:          store,
		consumer:       consumer,
		producer:       producer,
		gateway:        gw,
		agents:         agents,
		workerCount:    1,
		retryBase:      2 * time.Second,
		retryCap:       2 * time.Minute,
		defaultTimeout: 60 * time.Second,
		locks:          make(map[string]*sync.Mutex),
		timers:         make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.workerCount <= 0 {
		s.workerCount = 1
	}
	return s
}

// Start 启动调度循环，阻塞直到上下文取消或消费者退出。
func (s *Scheduler) Start(ctx context.Context) error {
	if s.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return s.consumer.Consume(ctx, s.workerCount, s.handle)
}

// Close 停止所有退避计时器。已入库的重试任务在进程重启后
// 由存储恢复逻辑重新入队。
func (s *Scheduler) Close() error {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	s.stopped = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	return nil
}

// failureOutcome 描述失败处理在锁内做出的决定。告警、入队与
// 计时器注册都可能阻塞，统一放到工作流锁外执行。
type failureOutcome struct {
	stage          string
	code           xerrors.Code
	cause          error
	retryDelay     time.Duration
	publishID      string
	fallbackAgent  string
	workflowFailed bool
}

func (s *Scheduler) handle(ctx context.Context, taskID string) error {
	if s.store == nil || s.executor == nil || s.agents == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "调度器未初始化")
	}
	snapshot, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) {
			s.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("读取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}
	if snapshot.Terminal() || snapshot.Status == StatusDispatched || snapshot.Status == StatusRunning {
		s.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("status", string(snapshot.Status)))
		return nil
	}

	unlock := s.lockWorkflow(snapshot.WorkflowID)

	agent, err := s.agents.Get(ctx, snapshot.AgentID)
	switch {
	case stdErrors.Is(err, registry.ErrAgentNotFound):
		cause := xerrors.New(CodeTaskDispatch,
			fmt.Sprintf("代理 %s 不存在，无法派发", snapshot.AgentID),
			xerrors.WithRetryable(false))
		outcome := s.resolveExhaustedLocked(ctx, snapshot, CodeTaskDispatch, cause, "terminal")
		unlock()
		s.finishOutcome(ctx, snapshot, outcome)
		return nil
	case err != nil:
		unlock()
		logger.L().Error("查询代理失败", slog.Any("error", err), slog.String("task_id", taskID), slog.String("agent_id", snapshot.AgentID))
		return err
	case agent.Status.Terminal():
		cause := xerrors.New(CodeTaskDispatch,
			fmt.Sprintf("代理 %s 已退役，无法派发", agent.ID),
			xerrors.WithRetryable(false))
		outcome := s.resolveExhaustedLocked(ctx, snapshot, CodeTaskDispatch, cause, "terminal")
		unlock()
		s.finishOutcome(ctx, snapshot, outcome)
		return nil
	case !agent.Dispatchable():
		// 暂停或故障中的代理不消耗尝试次数，任务保持就绪等待恢复。
		unlock()
		s.logDebug("代理暂不可派发，任务保持就绪",
			slog.String("task_id", taskID),
			slog.String("agent_id", agent.ID),
			slog.String("agent_status", string(agent.Status)))
		s.scheduleRequeue(taskID, s.retryBase)
		return nil
	}

	claimed, err := s.store.Claim(ctx, taskID)
	if err != nil {
		unlock()
		if staleTaskState(err) || stdErrors.Is(err, ErrTaskNotReady) {
			s.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		s.emitAlert(ctx, snapshot, xerrors.CodeStorageFailure, err, "claim")
		return err
	}
	s.metrics.TaskDispatched()

	permission := strings.TrimSpace(claimed.Permission)
	if permission == "" {
		permission = registry.PermAgentsExecute
	}
	if s.gateway != nil {
		_, authErr := s.gateway.AuthorizeAgent(ctx, claimed.AgentID, permission, map[string]string{
			"workflow_id": claimed.WorkflowID,
			"task":        claimed.Name,
		})
		if authErr != nil {
			outcome := s.handleFailureLocked(ctx, claimed, authErr)
			unlock()
			s.finishOutcome(ctx, claimed, outcome)
			return nil
		}
	}

	if err := s.store.MarkRunning(ctx, claimed.ID, claimed.Attempts); err != nil {
		unlock()
		s.logDebug("任务状态已变更，放弃执行", slog.String("task_id", claimed.ID), slog.String("reason", err.Error()))
		return nil
	}
	unlock()

	timeout := time.Duration(claimed.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	started := time.Now()
	result, execErr := s.executor.Execute(execCtx, executor.Dispatch{
		TaskID:     claimed.ID,
		WorkflowID: claimed.WorkflowID,
		TaskName:   claimed.Name,
		AgentID:    claimed.AgentID,
		Permission: permission,
		Payload:    clonePayload(claimed.Payload),
		Attempt:    claimed.Attempts,
	})
	cancel()
	elapsed := time.Since(started)

	unlock = s.lockWorkflow(claimed.WorkflowID)
	if execErr != nil {
		outcome := s.handleFailureLocked(ctx, claimed, execErr)
		unlock()
		s.finishOutcome(ctx, claimed, outcome)
		return nil
	}

	record := ExecutionResult{AgentID: claimed.AgentID, CompletedAt: time.Now().Unix()}
	if result != nil {
		record.Output = result.Output
		record.Observations = result.Observations
	}
	if err := s.store.MarkSucceeded(ctx, claimed.ID, claimed.AgentID, claimed.Attempts, record); err != nil {
		if staleTaskState(err) {
			unlock()
			s.logDebug("丢弃迟到的执行结果", slog.String("task_id", claimed.ID), slog.String("reason", err.Error()))
			return nil
		}
		outcome := s.handleFailureLocked(ctx, claimed,
			xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功状态失败"))
		unlock()
		s.finishOutcome(ctx, claimed, outcome)
		return nil
	}
	readyIDs, completed := s.advanceWorkflowLocked(ctx, claimed.WorkflowID)
	unlock()

	s.metrics.TaskCompleted(string(StatusSucceeded), elapsed)
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", claimed.ID),
		slog.String("workflow_id", claimed.WorkflowID),
		slog.String("agent_id", claimed.AgentID),
		slog.Int("attempts", claimed.Attempts),
	)
	s.publishReady(ctx, readyIDs)
	if completed {
		s.metrics.WorkflowCompleted(string(WorkflowSucceeded))
		logger.Audit().Info("工作流执行完成", slog.String("workflow_id", claimed.WorkflowID))
	}
	return nil
}

// handleFailureLocked 对一次执行失败做裁决：可重试且预算未耗尽则
// 安排退避重试，否则进入兜底改派或失败终态。调用方必须持有工作流锁。
func (s *Scheduler) handleFailureLocked(ctx context.Context, task *Task, execErr error) failureOutcome {
	code := xerrors.CodeOf(execErr)
	retryable := xerrors.RetryableError(execErr)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeExecutorFailure
		retryable = xerrors.AttributesOf(code).Retryable
	}
	if stdErrors.Is(execErr, context.DeadlineExceeded) {
		code = xerrors.CodeTimeout
		retryable = true
	}
	exhausted := task.Attempts > task.MaxRetries

	if retryable && !exhausted {
		if err := s.store.MarkRetryScheduled(ctx, task.ID, task.AgentID, task.Attempts, code, execErr.Error()); err != nil {
			if staleTaskState(err) {
				s.logDebug("放弃安排重试", slog.String("task_id", task.ID), slog.String("reason", err.Error()))
			} else {
				logger.L().Error("记录重试状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
			}
			return failureOutcome{}
		}
		return failureOutcome{
			stage:      "retry",
			code:       code,
			cause:      execErr,
			retryDelay: s.backoff(task.Attempts),
		}
	}

	stage := "non_retryable"
	if exhausted {
		stage = "terminal"
	}
	return s.resolveExhaustedLocked(ctx, task, code, execErr, stage)
}

// resolveExhaustedLocked 在重试预算耗尽或错误不可重试时收尾：
// 兜底代理可用且未用过则整单改派（尝试计数清零），否则任务落入
// 失败终态并将工作流标记为失败。调用方必须持有工作流锁。
func (s *Scheduler) resolveExhaustedLocked(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) failureOutcome {
	if task.FallbackAgentID != "" && !task.FallbackUsed {
		fallback, err := s.agents.Get(ctx, task.FallbackAgentID)
		switch {
		case err != nil && !stdErrors.Is(err, registry.ErrAgentNotFound):
			logger.L().Error("查询兜底代理失败", slog.Any("error", err),
				slog.String("task_id", task.ID),
				slog.String("fallback_agent_id", task.FallbackAgentID))
		case err == nil && fallback.Dispatchable():
			if err := s.store.Reassign(ctx, task.ID, task.FallbackAgentID); err != nil {
				if staleTaskState(err) {
					s.logDebug("改派兜底代理被跳过", slog.String("task_id", task.ID), slog.String("reason", err.Error()))
					return failureOutcome{}
				}
				logger.L().Error("改派兜底代理失败", slog.Any("error", err), slog.String("task_id", task.ID))
			} else {
				return failureOutcome{
					stage:         "fallback",
					code:          code,
					cause:         cause,
					publishID:     task.ID,
					fallbackAgent: task.FallbackAgentID,
				}
			}
		}
	}

	if err := s.store.MarkFailed(ctx, task.ID, code, cause.Error()); err != nil {
		if staleTaskState(err) {
			s.logDebug("任务终态写入被跳过", slog.String("task_id", task.ID), slog.String("reason", err.Error()))
		} else {
			logger.L().Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		}
		return failureOutcome{}
	}

	workflowFailed := false
	if wf, err := s.store.GetWorkflow(ctx, task.WorkflowID); err == nil && wf.Status == WorkflowRunning {
		if err := s.store.SetWorkflowStatus(ctx, task.WorkflowID, WorkflowFailed); err != nil {
			logger.L().Error("更新工作流状态失败", slog.Any("error", err), slog.String("workflow_id", task.WorkflowID))
		} else {
			workflowFailed = true
		}
	}
	return failureOutcome{
		stage:          stage,
		code:           code,
		cause:          cause,
		workflowFailed: workflowFailed,
	}
}

// advanceWorkflowLocked 在一个任务成功后推进工作流：把依赖全部
// 满足的 PENDING 任务置为就绪，全部任务成功则收敛工作流状态。
// 返回待入队的任务与工作流是否刚刚完成。调用方必须持有工作流锁。
func (s *Scheduler) advanceWorkflowLocked(ctx context.Context, workflowID string) ([]string, bool) {
	tasks, err := s.store.ListTasks(ctx, workflowID)
	if err != nil {
		logger.L().Error("读取工作流任务失败", slog.Any("error", err), slog.String("workflow_id", workflowID))
		return nil, false
	}

	succeeded := make(map[string]bool, len(tasks))
	allDone := true
	for _, task := range tasks {
		if task.Status == StatusSucceeded {
			succeeded[task.ID] = true
		} else {
			allDone = false
		}
	}

	var ready []string
	for _, task := range tasks {
		if task.Status != StatusPending {
			continue
		}
		blocked := false
		for _, dep := range task.DependsOn {
			if !succeeded[dep] {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		if err := s.store.MarkReady(ctx, task.ID); err != nil {
			logger.L().Error("任务置为就绪失败", slog.Any("error", err), slog.String("task_id", task.ID))
			continue
		}
		ready = append(ready, task.ID)
	}

	if allDone {
		if wf, err := s.store.GetWorkflow(ctx, workflowID); err == nil && wf.Status == WorkflowRunning {
			if err := s.store.SetWorkflowStatus(ctx, workflowID, WorkflowSucceeded); err != nil {
				logger.L().Error("更新工作流状态失败", slog.Any("error", err), slog.String("workflow_id", workflowID))
			} else {
				return ready, true
			}
		}
	}
	return ready, false
}

// finishOutcome 执行锁内裁决产生的外部动作：审计日志、告警、
// 指标、退避计时器与队列发布。
func (s *Scheduler) finishOutcome(ctx context.Context, task *Task, outcome failureOutcome) {
	switch outcome.stage {
	case "retry":
		s.metrics.TaskRetried()
		logger.Audit().Warn("任务执行失败，已安排重试",
			slog.String("task_id", task.ID),
			slog.String("workflow_id", task.WorkflowID),
			slog.String("agent_id", task.AgentID),
			slog.String("error_code", string(outcome.code)),
			slog.String("error", outcome.cause.Error()),
			slog.Int("attempts", task.Attempts),
			slog.Int("max_retries", task.MaxRetries),
			slog.Duration("retry_in", outcome.retryDelay),
		)
		s.emitAlert(ctx, task, outcome.code, outcome.cause, outcome.stage)
		s.scheduleRequeue(task.ID, outcome.retryDelay)
	case "fallback":
		logger.Audit().Warn("任务改派兜底代理",
			slog.String("task_id", task.ID),
			slog.String("workflow_id", task.WorkflowID),
			slog.String("agent_id", task.AgentID),
			slog.String("fallback_agent_id", outcome.fallbackAgent),
			slog.String("error_code", string(outcome.code)),
			slog.String("error", outcome.cause.Error()),
		)
		s.emitAlert(ctx, task, outcome.code, outcome.cause, outcome.stage)
		s.publishReady(ctx, []string{outcome.publishID})
	case "terminal", "non_retryable":
		logger.Audit().Error("任务进入失败终态",
			slog.String("task_id", task.ID),
			slog.String("workflow_id", task.WorkflowID),
			slog.String("agent_id", task.AgentID),
			slog.String("error_code", string(outcome.code)),
			slog.String("error", outcome.cause.Error()),
			slog.Int("attempts", task.Attempts),
			slog.Int("max_retries", task.MaxRetries),
		)
		s.metrics.TaskCompleted(string(StatusFailed), 0)
		s.emitAlert(ctx, task, outcome.code, outcome.cause, outcome.stage)
		if outcome.workflowFailed {
			s.metrics.WorkflowCompleted(string(WorkflowFailed))
			logger.Audit().Error("工作流执行失败",
				slog.String("workflow_id", task.WorkflowID),
				slog.String("task_id", task.ID))
		}
	}
}

// LifecycleHook 返回注册中心的生命周期监听器：代理暂停或故障时
// 把它的在途任务转入重试，退役时直接走兜底改派或失败终态。
func (s *Scheduler) LifecycleHook() registry.LifecycleListenerFunc {
	return func(ctx context.Context, event registry.LifecycleEvent, agent *registry.Agent) error {
		switch event {
		case registry.LifecyclePaused, registry.LifecycleErrored, registry.LifecycleDecommissioned:
		default:
			return nil
		}
		tasks, err := s.store.ListAgentTasks(ctx, agent.ID, StatusDispatched, StatusRunning)
		if err != nil {
			logger.L().Error("查询在途任务失败", slog.Any("error", err), slog.String("agent_id", agent.ID))
			return nil
		}
		for _, task := range tasks {
			s.failoverInFlight(ctx, task, event)
		}
		return nil
	}
}

func (s *Scheduler) failoverInFlight(ctx context.Context, snapshot *Task, event registry.LifecycleEvent) {
	unlock := s.lockWorkflow(snapshot.WorkflowID)
	task, err := s.store.GetTask(ctx, snapshot.ID)
	if err != nil || task.AgentID != snapshot.AgentID ||
		(task.Status != StatusDispatched && task.Status != StatusRunning) {
		unlock()
		return
	}

	cause := xerrors.New(CodeTaskDispatch,
		fmt.Sprintf("代理 %s 生命周期变更为 %s，在途任务中断", task.AgentID, event))
	var outcome failureOutcome
	if event == registry.LifecycleDecommissioned {
		outcome = s.resolveExhaustedLocked(ctx, task, CodeTaskDispatch, cause, "terminal")
	} else {
		outcome = s.handleFailureLocked(ctx, task, cause)
	}
	unlock()
	s.finishOutcome(ctx, task, outcome)
}

// scheduleRequeue 注册退避计时器，到期后把任务重新置为就绪并入队。
// 同一任务同时只保留一个计时器。
func (s *Scheduler) scheduleRequeue(taskID string, delay time.Duration) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if s.stopped {
		return
	}
	if _, exists := s.timers[taskID]; exists {
		return
	}
	s.timers[taskID] = time.AfterFunc(delay, func() {
		s.timersMu.Lock()
		delete(s.timers, taskID)
		stopped := s.stopped
		s.timersMu.Unlock()
		if stopped {
			return
		}
		s.requeue(taskID)
	})
}

func (s *Scheduler) requeue(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.MarkReady(ctx, taskID); err != nil {
		s.logDebug("放弃重新入队", slog.String("task_id", taskID), slog.String("reason", err.Error()))
		return
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("重试任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		s.scheduleRequeue(taskID, s.retryBase)
	}
}

func (s *Scheduler) publishReady(ctx context.Context, taskIDs []string) {
	for _, id := range taskIDs {
		if err := s.producer.Publish(ctx, id); err != nil {
			logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", id))
			s.scheduleRequeue(id, s.retryBase)
		}
	}
}

func (s *Scheduler) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	shift := attempts - 1
	if shift > 20 {
		shift = 20
	}
	delay := s.retryBase << shift
	if delay <= 0 || delay > s.retryCap {
		delay = s.retryCap
	}
	return delay
}

func (s *Scheduler) lockWorkflow(workflowID string) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[workflowID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[workflowID] = mu
	}
	s.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (s *Scheduler) logDebug(msg string, attrs ...slog.Attr) {
	if s.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		s.logger.Debug(msg, args...)
	}
}

func (s *Scheduler) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if s == nil || s.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		WorkflowID: task.WorkflowID,
		TaskID:     task.ID,
		AgentID:    task.AgentID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := s.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
	s.metrics.AlertEmitted(string(attrs.Severity))
}

func staleTaskState(err error) bool {
	return stdErrors.Is(err, ErrTaskNotFound) ||
		stdErrors.Is(err, ErrTaskConflict) ||
		stdErrors.Is(err, ErrTaskCompleted) ||
		stdErrors.Is(err, ErrTaskExhausted)
}
