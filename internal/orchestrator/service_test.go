package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	xerrors "AgentPlane/internal/errors"
	"AgentPlane/internal/identity"
	"AgentPlane/internal/registry"
)

type recordingQueue struct {
	mu        sync.Mutex
	published []string
	failWith  error
}

func (q *recordingQueue) Publish(_ context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return q.failWith
	}
	q.published = append(q.published, taskID)
	return nil
}

func (q *recordingQueue) Close() error { return nil }

func (q *recordingQueue) snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.published...)
}

func newTestRegistry(t *testing.T) *registry.Service {
	t.Helper()
	store := registry.NewMemoryStore()
	return registry.NewService(store, store, identity.NewIssuer())
}

func registerAgent(t *testing.T, agents *registry.Service, name string, roleIDs ...string) string {
	t.Helper()
	ctx := context.Background()
	registered, err := agents.Register(ctx, registry.RegisterRequest{
		Name:    name,
		Type:    registry.TypeFunctional,
		RoleIDs: roleIDs,
	})
	if err != nil {
		t.Fatalf("register agent %s: %v", name, err)
	}
	if _, err := agents.Resume(ctx, registered.Agent.ID); err != nil {
		t.Fatalf("start agent %s: %v", name, err)
	}
	return registered.Agent.ID
}

func TestSubmitWorkflowBuildsGraph(t *testing.T) {
	ctx := context.Background()
	agents := newTestRegistry(t)
	agentID := registerAgent(t, agents, "worker-1")

	queue := &recordingQueue{}
	service := NewService(NewMemoryStore(), queue, agents, 0, nil, nil)

	detail, err := service.SubmitWorkflow(ctx, WorkflowSpec{
		Name: "etl",
		Tasks: []TaskSpec{
			{Name: "extract", AgentID: agentID, MaxRetries: -1},
			{Name: "transform", AgentID: agentID, DependsOn: []string{"extract"}, MaxRetries: 2},
			{Name: "load", AgentID: agentID, DependsOn: []string{"transform"}},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if detail.Workflow.Status != WorkflowRunning || len(detail.Tasks) != 3 {
		t.Fatalf("unexpected detail: %+v", detail.Workflow)
	}

	byName := make(map[string]*Task, len(detail.Tasks))
	for _, task := range detail.Tasks {
		byName[task.Name] = task
	}
	if byName["extract"].Status != StatusReady {
		t.Fatalf("extract status = %s, want READY", byName["extract"].Status)
	}
	if byName["transform"].Status != StatusPending || byName["load"].Status != StatusPending {
		t.Fatal("dependent tasks must start pending")
	}
	// 依赖在持久化时解析为任务 ID。
	if len(byName["transform"].DependsOn) != 1 || byName["transform"].DependsOn[0] != byName["extract"].ID {
		t.Fatalf("transform deps = %v, want [%s]", byName["transform"].DependsOn, byName["extract"].ID)
	}
	if byName["extract"].Permission != registry.PermAgentsExecute {
		t.Fatalf("permission = %q, want default execute", byName["extract"].Permission)
	}
	if byName["extract"].MaxRetries != 0 {
		t.Fatalf("negative max retries must mean no retries, got %d", byName["extract"].MaxRetries)
	}
	if byName["transform"].MaxRetries != 2 || byName["load"].MaxRetries != 3 {
		t.Fatalf("unexpected retry budgets: %d/%d", byName["transform"].MaxRetries, byName["load"].MaxRetries)
	}

	published := queue.snapshot()
	if len(published) != 1 || published[0] != byName["extract"].ID {
		t.Fatalf("published = %v, want only the ready task", published)
	}

	got, err := service.GetWorkflow(ctx, detail.Workflow.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if len(got.Tasks) != 3 || got.Workflow.ID != detail.Workflow.ID {
		t.Fatalf("unexpected workflow detail: %+v", got.Workflow)
	}
}

func TestSubmitWorkflowRejectsCycle(t *testing.T) {
	ctx := context.Background()
	agents := newTestRegistry(t)
	agentID := registerAgent(t, agents, "worker-1")

	queue := &recordingQueue{}
	store := NewMemoryStore()
	service := NewService(store, queue, agents, 3, nil, nil)

	_, err := service.SubmitWorkflow(ctx, WorkflowSpec{
		Name: "loop",
		Tasks: []TaskSpec{
			{Name: "a", AgentID: agentID, DependsOn: []string{"c"}},
			{Name: "b", AgentID: agentID, DependsOn: []string{"a"}},
			{Name: "c", AgentID: agentID, DependsOn: []string{"b"}},
		},
	})
	if xerrors.CodeOf(err) != xerrors.CodeDependencyCycle {
		t.Fatalf("code = %s, want DEPENDENCY_CYCLE", xerrors.CodeOf(err))
	}
	typed, ok := xerrors.From(err)
	if !ok || typed.Metadata()["cycle"] == "" {
		t.Fatalf("cycle error must carry the path, got %v", err)
	}

	// 校验失败不允许留下任何持久化痕迹。
	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Workflows != 0 || stats.Tasks != 0 {
		t.Fatalf("validation failure must not persist, got %+v", stats)
	}
	if len(queue.snapshot()) != 0 {
		t.Fatal("validation failure must not publish")
	}
}

func TestSubmitWorkflowValidation(t *testing.T) {
	ctx := context.Background()
	agents := newTestRegistry(t)
	agentID := registerAgent(t, agents, "worker-1")
	retiredID := registerAgent(t, agents, "worker-2")
	if _, err := agents.Decommission(ctx, retiredID); err != nil {
		t.Fatalf("decommission: %v", err)
	}

	service := NewService(NewMemoryStore(), &recordingQueue{}, agents, 3, nil, nil)

	cases := []struct {
		name string
		spec WorkflowSpec
		want xerrors.Code
	}{
		{
			name: "empty workflow name",
			spec: WorkflowSpec{Tasks: []TaskSpec{{Name: "a", AgentID: agentID}}},
			want: CodeWorkflowValidation,
		},
		{
			name: "no tasks",
			spec: WorkflowSpec{Name: "empty"},
			want: CodeWorkflowValidation,
		},
		{
			name: "duplicate task names",
			spec: WorkflowSpec{Name: "dup", Tasks: []TaskSpec{
				{Name: "a", AgentID: agentID},
				{Name: " a ", AgentID: agentID},
			}},
			want: CodeWorkflowValidation,
		},
		{
			name: "unknown dependency",
			spec: WorkflowSpec{Name: "dangling", Tasks: []TaskSpec{
				{Name: "a", AgentID: agentID, DependsOn: []string{"ghost"}},
			}},
			want: CodeWorkflowValidation,
		},
		{
			name: "self dependency",
			spec: WorkflowSpec{Name: "self", Tasks: []TaskSpec{
				{Name: "a", AgentID: agentID, DependsOn: []string{"a"}},
			}},
			want: CodeWorkflowValidation,
		},
		{
			name: "unknown agent",
			spec: WorkflowSpec{Name: "ghost-agent", Tasks: []TaskSpec{
				{Name: "a", AgentID: "missing"},
			}},
			want: CodeWorkflowValidation,
		},
		{
			name: "decommissioned agent",
			spec: WorkflowSpec{Name: "retired", Tasks: []TaskSpec{
				{Name: "a", AgentID: retiredID},
			}},
			want: CodeWorkflowValidation,
		},
		{
			name: "decommissioned fallback",
			spec: WorkflowSpec{Name: "retired-fallback", Tasks: []TaskSpec{
				{Name: "a", AgentID: agentID, FallbackAgentID: retiredID},
			}},
			want: CodeWorkflowValidation,
		},
	}
	for _, tc := range cases {
		if _, err := service.SubmitWorkflow(ctx, tc.spec); xerrors.CodeOf(err) != tc.want {
			t.Errorf("%s: code = %s, want %s", tc.name, xerrors.CodeOf(err), tc.want)
		}
	}
}

func TestSubmitWorkflowPublishFailureFailsWorkflow(t *testing.T) {
	ctx := context.Background()
	agents := newTestRegistry(t)
	agentID := registerAgent(t, agents, "worker-1")

	queue := &recordingQueue{failWith: errors.New("queue down")}
	store := NewMemoryStore()
	service := NewService(store, queue, agents, 3, nil, nil)

	_, err := service.SubmitWorkflow(ctx, WorkflowSpec{
		Name:  "doomed",
		Tasks: []TaskSpec{{Name: "a", AgentID: agentID}},
	})
	if xerrors.CodeOf(err) != CodeTaskPublish {
		t.Fatalf("code = %s, want TASK_PUBLISH_FAILED", xerrors.CodeOf(err))
	}

	workflows, listErr := store.ListWorkflows(ctx, buildListOptions(nil))
	if listErr != nil {
		t.Fatalf("list workflows: %v", listErr)
	}
	if len(workflows) != 1 || workflows[0].Status != WorkflowFailed {
		t.Fatalf("unexpected workflows: %+v", workflows)
	}
	tasks, listErr := store.ListTasks(ctx, workflows[0].ID)
	if listErr != nil {
		t.Fatalf("list tasks: %v", listErr)
	}
	if len(tasks) != 1 || tasks[0].Status != StatusFailed || tasks[0].ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("unexpected task: %+v", tasks[0])
	}
}

func TestCancelTask(t *testing.T) {
	ctx := context.Background()
	agents := newTestRegistry(t)
	agentID := registerAgent(t, agents, "worker-1")

	store := NewMemoryStore()
	service := NewService(store, &recordingQueue{}, agents, 3, nil, nil)

	detail, err := service.SubmitWorkflow(ctx, WorkflowSpec{
		Name:  "cancellable",
		Tasks: []TaskSpec{{Name: "a", AgentID: agentID}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	taskID := detail.Tasks[0].ID

	cancelled, err := service.CancelTask(ctx, taskID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusFailed || cancelled.ErrorCode != string(CodeTaskCancelled) {
		t.Fatalf("unexpected cancelled task: %+v", cancelled)
	}
	workflow, err := store.GetWorkflow(ctx, detail.Workflow.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if workflow.Status != WorkflowFailed {
		t.Fatalf("workflow status = %s, want FAILED", workflow.Status)
	}

	// 重复取消保持幂等。
	again, err := service.CancelTask(ctx, taskID)
	if err != nil {
		t.Fatalf("cancel twice: %v", err)
	}
	if again.Status != StatusFailed {
		t.Fatalf("unexpected status: %s", again.Status)
	}

	// 已成功的任务不允许取消。
	done, err := service.SubmitWorkflow(ctx, WorkflowSpec{
		Name:  "finished",
		Tasks: []TaskSpec{{Name: "a", AgentID: agentID}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	doneID := done.Tasks[0].ID
	if _, err := store.Claim(ctx, doneID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkSucceeded(ctx, doneID, agentID, 1, ExecutionResult{Output: "ok"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if _, err := service.CancelTask(ctx, doneID); !errors.Is(err, ErrTaskCompleted) {
		t.Fatalf("cancel succeeded task: %v, want ErrTaskCompleted", err)
	}
}

func TestWorkflowSpecCycleDetection(t *testing.T) {
	ok := WorkflowSpec{
		Name: "diamond",
		Tasks: []TaskSpec{
			{Name: "a", AgentID: "x"},
			{Name: "b", AgentID: "x", DependsOn: []string{"a"}},
			{Name: "c", AgentID: "x", DependsOn: []string{"a"}},
			{Name: "d", AgentID: "x", DependsOn: []string{"b", "c"}},
		},
	}
	if err := validateSpec(ok); err != nil {
		t.Fatalf("diamond graph must validate: %v", err)
	}

	cyclic := WorkflowSpec{
		Name: "ring",
		Tasks: []TaskSpec{
			{Name: "a", AgentID: "x", DependsOn: []string{"b"}},
			{Name: "b", AgentID: "x", DependsOn: []string{"a"}},
		},
	}
	err := validateSpec(cyclic)
	if xerrors.CodeOf(err) != xerrors.CodeDependencyCycle {
		t.Fatalf("code = %s, want DEPENDENCY_CYCLE", xerrors.CodeOf(err))
	}
}
