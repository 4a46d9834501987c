// Package executor 定义任务执行器的抽象：调度器只负责编排，
// 真正的任务处理交给执行器完成（远端智能服务或测试替身）。
package executor

import "context"

// Dispatch 描述一次交给执行器的任务调用。
type Dispatch struct {
	TaskID     string            `json:"task_id"`
	WorkflowID string            `json:"workflow_id"`
	TaskName   string            `json:"task"`
	AgentID    string            `json:"agent_id"`
	Permission string            `json:"permission,omitempty"`
	Payload    map[string]string `json:"payload,omitempty"`
	Attempt    int               `json:"attempt"`
}

// Result 保存执行器返回的任务产出。
type Result struct {
	Output       string `json:"output"`
	Observations string `json:"observations,omitempty"`
}

// Executor 是任务执行的统一入口。实现必须尊重 ctx 的取消与超时；
// 超时返回的错误会与普通执行失败走同一条重试路径。
type Executor interface {
	Execute(ctx context.Context, dispatch Dispatch) (*Result, error)
}
