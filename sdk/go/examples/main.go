package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"time"

	"AgentPlane/sdk/go/agentplane"
)

// 演示 SDK 的典型调用流程：代理登录换取会话令牌，提交一个带依赖
// 的工作流，再轮询任务结果。示例用 httptest 伪造服务端，可直接运行。
func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/gateway/auth/login", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentplane.AgentSession{
			SessionID: "sess-demo",
			Token:     "demo-token",
			AgentID:   "agt-demo",
			ExpiresAt: time.Now().Add(time.Hour).Unix(),
		})
	})
	mux.HandleFunc("/api/v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(agentplane.WorkflowDetail{
			Workflow: &agentplane.Workflow{ID: "wf-demo", Name: "nightly-report", Status: "RUNNING"},
			Tasks: []*agentplane.Task{
				{ID: "task-fetch", Name: "fetch", AgentID: "agt-demo", Status: "READY"},
				{ID: "task-report", Name: "report", AgentID: "agt-demo", Status: "PENDING", DependsOn: []string{"fetch"}},
			},
		})
	})
	mux.HandleFunc("/api/v1/tasks/task-fetch", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentplane.Task{
			ID:      "task-fetch",
			Name:    "fetch",
			AgentID: "agt-demo",
			Status:  "SUCCEEDED",
			Result: &agentplane.TaskResult{
				AgentID: "agt-demo",
				Output:  "fetched 128 records",
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := agentplane.NewClient(srv.URL, srv.Client())
	if err != nil {
		log.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := client.AgentLogin(ctx, "agt-demo", "identity-secret")
	if err != nil {
		log.Fatalf("login: %v", err)
	}
	fmt.Printf("session %s issued for %s\n", session.SessionID, session.AgentID)

	detail, err := client.SubmitWorkflow(ctx, agentplane.WorkflowSpec{
		Name: "nightly-report",
		Tasks: []agentplane.WorkflowTaskSpec{
			{Name: "fetch", AgentID: "agt-demo", Permission: "data:read"},
			{Name: "report", AgentID: "agt-demo", Permission: "data:write", DependsOn: []string{"fetch"}},
		},
	})
	if err != nil {
		log.Fatalf("submit workflow: %v", err)
	}
	fmt.Printf("workflow %s submitted with %d tasks\n", detail.Workflow.ID, len(detail.Tasks))

	task, err := client.GetTask(ctx, "task-fetch")
	if err != nil {
		log.Fatalf("get task: %v", err)
	}
	fmt.Printf("task %s finished: %s\n", task.ID, task.Result.Output)
}
