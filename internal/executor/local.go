package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Local 在进程内直接完成任务，用于开发环境与单机部署：不依赖外部
// 智能服务，把派发载荷原样整理为执行结果。
type Local struct {
	delay time.Duration
}

var _ Executor = (*Local)(nil)

// NewLocal 创建本地执行器。delay 大于零时每次执行会等待该时长，
// 便于在开发环境观察调度与超时行为。
func NewLocal(delay time.Duration) *Local {
	return &Local{delay: delay}
}

// Execute 返回由任务载荷拼装的结果，尊重 ctx 取消。
func (l *Local) Execute(ctx context.Context, dispatch Dispatch) (*Result, error) {
	if l.delay > 0 {
		timer := time.NewTimer(l.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(dispatch.Payload))
	for key := range dispatch.Payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var builder strings.Builder
	for _, key := range keys {
		if builder.Len() > 0 {
			builder.WriteString("; ")
		}
		builder.WriteString(key)
		builder.WriteString("=")
		builder.WriteString(dispatch.Payload[key])
	}

	output := fmt.Sprintf("task %s completed by %s", dispatch.TaskName, dispatch.AgentID)
	if builder.Len() > 0 {
		output += " (" + builder.String() + ")"
	}
	return &Result{
		Output:       output,
		Observations: fmt.Sprintf("attempt=%d workflow=%s", dispatch.Attempt, dispatch.WorkflowID),
	}, nil
}
