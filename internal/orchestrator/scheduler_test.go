package orchestrator

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	xerrors "AgentPlane/internal/errors"
	"AgentPlane/internal/executor"
	"AgentPlane/internal/registry"
)

type stubExecutor struct {
	mu    sync.Mutex
	calls []executor.Dispatch
	fn    func(executor.Dispatch) (*executor.Result, error)
}

func (e *stubExecutor) Execute(_ context.Context, dispatch executor.Dispatch) (*executor.Result, error) {
	e.mu.Lock()
	e.calls = append(e.calls, dispatch)
	e.mu.Unlock()
	if e.fn != nil {
		return e.fn(dispatch)
	}
	return &executor.Result{Output: "done"}, nil
}

func (e *stubExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func newTestScheduler(t *testing.T, exec executor.Executor, store Store, queue *recordingQueue, agents *registry.Service, opts ...SchedulerOption) *Scheduler {
	t.Helper()
	scheduler := NewScheduler(exec, store, nil, queue, nil, agents, opts...)
	t.Cleanup(func() { _ = scheduler.Close() })
	return scheduler
}

func submitSingleTask(t *testing.T, service *Service, spec TaskSpec) *WorkflowDetail {
	t.Helper()
	detail, err := service.SubmitWorkflow(context.Background(), WorkflowSpec{
		Name:  "wf-" + spec.Name,
		Tasks: []TaskSpec{spec},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return detail
}

func TestSchedulerExecutesTaskAndAdvancesDependents(t *testing.T) {
	ctx := context.Background()
	agents := newTestRegistry(t)
	agentID := registerAgent(t, agents, "worker-1")

	store := NewMemoryStore()
	queue := &recordingQueue{}
	service := NewService(store, queue, agents, 3, nil, nil)
	exec := &stubExecutor{fn: func(d executor.Dispatch) (*executor.Result, error) {
		return &executor.Result{Output: d.TaskName + " ok"}, nil
	}}
	scheduler := newTestScheduler(t, exec, store, queue, agents)

	detail, err := service.SubmitWorkflow(ctx, WorkflowSpec{
		Name: "pipeline",
		Tasks: []TaskSpec{
			{Name: "extract", AgentID: agentID},
			{Name: "load", AgentID: agentID, DependsOn: []string{"extract"}},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	byName := make(map[string]*Task, len(detail.Tasks))
	for _, task := range detail.Tasks {
		byName[task.Name] = task
	}

	if err := scheduler.handle(ctx, byName["extract"].ID); err != nil {
		t.Fatalf("handle extract: %v", err)
	}
	first, err := store.GetTask(ctx, byName["extract"].ID)
	if err != nil {
		t.Fatalf("get extract: %v", err)
	}
	if first.Status != StatusSucceeded || first.Result == nil || first.Result.Output != "extract ok" {
		t.Fatalf("unexpected extract task: %+v", first)
	}
	second, err := store.GetTask(ctx, byName["load"].ID)
	if err != nil {
		t.Fatalf("get load: %v", err)
	}
	if second.Status != StatusReady {
		t.Fatalf("load status = %s, want READY", second.Status)
	}
	published := queue.snapshot()
	if len(published) != 2 || published[1] != byName["load"].ID {
		t.Fatalf("published = %v, want dependent enqueued after extract", published)
	}
	workflow, err := store.GetWorkflow(ctx, detail.Workflow.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if workflow.Status != WorkflowRunning {
		t.Fatalf("workflow status = %s, want RUNNING mid-flight", workflow.Status)
	}

	if err := scheduler.handle(ctx, byName["load"].ID); err != nil {
		t.Fatalf("handle load: %v", err)
	}
	workflow, err = store.GetWorkflow(ctx, detail.Workflow.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if workflow.Status != WorkflowSucceeded {
		t.Fatalf("workflow status = %s, want SUCCEEDED", workflow.Status)
	}
	if exec.callCount() != 2 {
		t.Fatalf("executor calls = %d, want 2", exec.callCount())
	}
}

func TestSchedulerRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	agents := newTestRegistry(t)
	agentID := registerAgent(t, agents, "worker-1")

	store := NewMemoryStore()
	queue := &recordingQueue{}
	service := NewService(store, queue, agents, 3, nil, nil)
	exec := &stubExecutor{}
	exec.fn = func(executor.Dispatch) (*executor.Result, error) {
		if exec.callCount() == 1 {
			return nil, stdErrors.New("connection reset")
		}
		return &executor.Result{Output: "recovered"}, nil
	}
	scheduler := newTestScheduler(t, exec, store, queue, agents)

	detail := submitSingleTask(t, service, TaskSpec{Name: "flaky", AgentID: agentID, MaxRetries: 2})
	taskID := detail.Tasks[0].ID

	if err := scheduler.handle(ctx, taskID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	// 未归类的执行错误按执行器故障处理，进入退避等待。
	if task.Status != StatusRetryScheduled || task.Attempts != 1 {
		t.Fatalf("unexpected task after failure: %+v", task)
	}
	if task.ErrorCode != string(xerrors.CodeExecutorFailure) || task.LastError == "" {
		t.Fatalf("unexpected failure record: code=%s error=%q", task.ErrorCode, task.LastError)
	}

	// 直接触发退避计时器到期后的重新入队。
	scheduler.requeue(taskID)
	task, err = store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != StatusReady {
		t.Fatalf("status after requeue = %s, want READY", task.Status)
	}

	if err := scheduler.handle(ctx, taskID); err != nil {
		t.Fatalf("handle retry: %v", err)
	}
	task, err = store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != StatusSucceeded || task.Attempts != 2 || task.Result == nil || task.Result.Output != "recovered" {
		t.Fatalf("unexpected task after retry: %+v", task)
	}
	workflow, err := store.GetWorkflow(ctx, detail.Workflow.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if workflow.Status != WorkflowSucceeded {
		t.Fatalf("workflow status = %s, want SUCCEEDED", workflow.Status)
	}
}

func TestSchedulerTimeoutCountsAsRetryableFailure(t *testing.T) {
	ctx := context.Background()
	agents := newTestRegistry(t)
	agentID := registerAgent(t, agents, "worker-1")

	store := NewMemoryStore()
	queue := &recordingQueue{}
	service := NewService(store, queue, agents, 3, nil, nil)
	exec := &stubExecutor{fn: func(executor.Dispatch) (*executor.Result, error) {
		return nil, context.DeadlineExceeded
	}}
	scheduler := newTestScheduler(t, exec, store, queue, agents,
		WithDefaultTaskTimeout(10*time.Millisecond))

	detail := submitSingleTask(t, service, TaskSpec{Name: "slow", AgentID: agentID, MaxRetries: 2})
	taskID := detail.Tasks[0].ID

	if err := scheduler.handle(ctx, taskID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != StatusRetryScheduled || task.ErrorCode != string(xerrors.CodeTimeout) {
		t.Fatalf("unexpected task after timeout: %+v", task)
	}
}

func TestSchedulerNonRetryableFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	agents := newTestRegistry(t)
	agentID := registerAgent(t, agents, "worker-1")

	store := NewMemoryStore()
	queue := &recordingQueue{}
	service := NewService(store, queue, agents, 3, nil, nil)
	exec := &stubExecutor{fn: func(executor.Dispatch) (*executor.Result, error) {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, "格式非法", xerrors.WithRetryable(false))
	}}
	scheduler := newTestScheduler(t, exec, store, queue, agents)

	detail := submitSingleTask(t, service, TaskSpec{Name: "broken", AgentID: agentID, MaxRetries: 3})
	taskID := detail.Tasks[0].ID

	if err := scheduler.handle(ctx, taskID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	// 不可重试的错误不消耗剩余预算，直接进入失败终态。
	if task.Status != StatusFailed || task.Attempts != 1 {
		t.Fatalf("unexpected task: %+v", task)
	}
	workflow, err := store.GetWorkflow(ctx, detail.Workflow.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if workflow.Status != WorkflowFailed {
		t.Fatalf("workflow status = %s, want FAILED", workflow.Status)
	}
	if exec.callCount() != 1 {
		t.Fatalf("executor calls = %d, want 1", exec.callCount())
	}
}

func TestSchedulerFallbackReassignment(t *testing.T) {
	ctx := context.Background()
	agents := newTestRegistry(t)
	primaryID := registerAgent(t, agents, "primary")
	fallbackID := registerAgent(t, agents, "fallback")

	store := NewMemoryStore()
	queue := &recordingQueue{}
	service := NewService(store, queue, agents, 3, nil, nil)
	exec := &stubExecutor{fn: func(executor.Dispatch) (*executor.Result, error) {
		return nil, stdErrors.New("agent error")
	}}
	scheduler := newTestScheduler(t, exec, store, queue, agents)

	detail := submitSingleTask(t, service, TaskSpec{
		Name:            "critical",
		AgentID:         primaryID,
		FallbackAgentID: fallbackID,
		MaxRetries:      0,
	})
	taskID := detail.Tasks[0].ID

	if err := scheduler.handle(ctx, taskID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	// 预算耗尽后整单改派兜底代理，尝试计数清零。
	if task.Status != StatusReady || task.AgentID != fallbackID || !task.FallbackUsed || task.Attempts != 0 {
		t.Fatalf("unexpected task after reassign: %+v", task)
	}
	published := queue.snapshot()
	if len(published) != 2 || published[1] != taskID {
		t.Fatalf("published = %v, want reassigned task re-enqueued", published)
	}

	// 兜底代理同样失败后不再二次改派，任务与工作流落入失败终态。
	if err := scheduler.handle(ctx, taskID); err != nil {
		t.Fatalf("handle fallback: %v", err)
	}
	task, err = store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", task.Status)
	}
	workflow, err := store.GetWorkflow(ctx, detail.Workflow.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if workflow.Status != WorkflowFailed {
		t.Fatalf("workflow status = %s, want FAILED", workflow.Status)
	}
}

func TestSchedulerPausedAgentKeepsTaskReady(t *testing.T) {
	ctx := context.Background()
	agents := newTestRegistry(t)
	agentID := registerAgent(t, agents, "worker-1")

	store := NewMemoryStore()
	queue := &recordingQueue{}
	service := NewService(store, queue, agents, 3, nil, nil)
	exec := &stubExecutor{}
	scheduler := newTestScheduler(t, exec, store, queue, agents)

	detail := submitSingleTask(t, service, TaskSpec{Name: "waiting", AgentID: agentID})
	taskID := detail.Tasks[0].ID
	if _, err := agents.Pause(ctx, agentID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if err := scheduler.handle(ctx, taskID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	// 暂停中的代理不消耗尝试次数，任务保持就绪等待恢复。
	if task.Status != StatusReady || task.Attempts != 0 {
		t.Fatalf("unexpected task: %+v", task)
	}
	if exec.callCount() != 0 {
		t.Fatal("executor must not run while the agent is paused")
	}
}

func TestSchedulerDecommissionedAgentFailsTask(t *testing.T) {
	ctx := context.Background()
	agents := newTestRegistry(t)
	agentID := registerAgent(t, agents, "worker-1")

	store := NewMemoryStore()
	queue := &recordingQueue{}
	service := NewService(store, queue, agents, 3, nil, nil)
	exec := &stubExecutor{}
	scheduler := newTestScheduler(t, exec, store, queue, agents)

	detail := submitSingleTask(t, service, TaskSpec{Name: "orphaned", AgentID: agentID})
	taskID := detail.Tasks[0].ID
	if _, err := agents.Decommission(ctx, agentID); err != nil {
		t.Fatalf("decommission: %v", err)
	}

	if err := scheduler.handle(ctx, taskID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != StatusFailed || task.ErrorCode != string(CodeTaskDispatch) {
		t.Fatalf("unexpected task: %+v", task)
	}
	workflow, err := store.GetWorkflow(ctx, detail.Workflow.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if workflow.Status != WorkflowFailed {
		t.Fatalf("workflow status = %s, want FAILED", workflow.Status)
	}
	if exec.callCount() != 0 {
		t.Fatal("executor must not run for a decommissioned agent")
	}
}

func TestSchedulerLifecycleHookFailsOverInFlightTasks(t *testing.T) {
	ctx := context.Background()
	agents := newTestRegistry(t)
	agentID := registerAgent(t, agents, "worker-1")

	store := NewMemoryStore()
	queue := &recordingQueue{}
	service := NewService(store, queue, agents, 3, nil, nil)
	scheduler := newTestScheduler(t, &stubExecutor{}, store, queue, agents)
	agents.AddLifecycleListener(scheduler.LifecycleHook())

	detail := submitSingleTask(t, service, TaskSpec{Name: "inflight", AgentID: agentID, MaxRetries: 2})
	taskID := detail.Tasks[0].ID
	claimed, err := store.Claim(ctx, taskID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkRunning(ctx, taskID, claimed.Attempts); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	if _, err := agents.Pause(ctx, agentID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	// 代理暂停时在途任务转入重试，等代理恢复后重新派发。
	if task.Status != StatusRetryScheduled || task.ErrorCode != string(CodeTaskDispatch) {
		t.Fatalf("unexpected task after pause: %+v", task)
	}
}

func TestSchedulerLifecycleHookReassignsOnDecommission(t *testing.T) {
	ctx := context.Background()
	agents := newTestRegistry(t)
	primaryID := registerAgent(t, agents, "primary")
	fallbackID := registerAgent(t, agents, "fallback")

	store := NewMemoryStore()
	queue := &recordingQueue{}
	service := NewService(store, queue, agents, 3, nil, nil)
	scheduler := newTestScheduler(t, &stubExecutor{}, store, queue, agents)
	agents.AddLifecycleListener(scheduler.LifecycleHook())

	detail := submitSingleTask(t, service, TaskSpec{
		Name:            "durable",
		AgentID:         primaryID,
		FallbackAgentID: fallbackID,
	})
	taskID := detail.Tasks[0].ID
	if _, err := store.Claim(ctx, taskID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := agents.Decommission(ctx, primaryID); err != nil {
		t.Fatalf("decommission: %v", err)
	}
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != StatusReady || task.AgentID != fallbackID || !task.FallbackUsed {
		t.Fatalf("unexpected task after decommission: %+v", task)
	}
	published := queue.snapshot()
	if len(published) != 2 || published[1] != taskID {
		t.Fatalf("published = %v, want reassigned task re-enqueued", published)
	}
}

func TestSchedulerBackoff(t *testing.T) {
	scheduler := NewScheduler(nil, nil, nil, nil, nil, nil,
		WithRetryPolicy(time.Second, 30*time.Second))
	t.Cleanup(func() { _ = scheduler.Close() })

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: 0, want: time.Second},
		{attempts: 1, want: time.Second},
		{attempts: 2, want: 2 * time.Second},
		{attempts: 4, want: 8 * time.Second},
		{attempts: 6, want: 30 * time.Second},
		{attempts: 40, want: 30 * time.Second},
	}
	for _, tc := range cases {
		if got := scheduler.backoff(tc.attempts); got != tc.want {
			t.Errorf("backoff(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
}
