package orchestrator

import (
	"fmt"
	"strings"

	xerrors "AgentPlane/internal/errors"
)

// WorkflowSpec 是提交工作流时的输入。任务间依赖通过任务名引用，
// 持久化时再解析为任务 ID。
type WorkflowSpec struct {
	Name  string     `json:"name"`
	Tasks []TaskSpec `json:"tasks"`
}

// TaskSpec 描述工作流中单个任务的定义。
type TaskSpec struct {
	Name            string            `json:"name"`
	AgentID         string            `json:"agent_id"`
	FallbackAgentID string            `json:"fallback_agent_id,omitempty"`
	Permission      string            `json:"permission,omitempty"`
	Payload         map[string]string `json:"payload,omitempty"`
	DependsOn       []string          `json:"depends_on,omitempty"`
	MaxRetries      int               `json:"max_retries,omitempty"`
	TimeoutSeconds  int               `json:"timeout_seconds,omitempty"`
}

// validateSpec 校验工作流定义：任务非空、任务名唯一、不允许自依赖、
// 依赖必须指向同一工作流内的任务，且依赖图必须是有向无环图。
// 校验失败时不产生任何持久化副作用。
func validateSpec(spec WorkflowSpec) error {
	if len(spec.Tasks) == 0 {
		return xerrors.New(CodeWorkflowValidation, "工作流至少需要一个任务")
	}

	names := make(map[string]struct{}, len(spec.Tasks))
	for _, task := range spec.Tasks {
		name := strings.TrimSpace(task.Name)
		if name == "" {
			return xerrors.New(CodeWorkflowValidation, "任务名不能为空")
		}
		if _, dup := names[name]; dup {
			return xerrors.New(CodeWorkflowValidation,
				fmt.Sprintf("任务名 %q 重复", name),
				xerrors.WithMetadata("task", name))
		}
		names[name] = struct{}{}
		if strings.TrimSpace(task.AgentID) == "" {
			return xerrors.New(CodeWorkflowValidation,
				fmt.Sprintf("任务 %q 未指定执行代理", name),
				xerrors.WithMetadata("task", name))
		}
	}

	for _, task := range spec.Tasks {
		for _, dep := range task.DependsOn {
			dep = strings.TrimSpace(dep)
			if dep == task.Name {
				return xerrors.New(CodeWorkflowValidation,
					fmt.Sprintf("任务 %q 不能依赖自身", task.Name),
					xerrors.WithMetadata("task", task.Name))
			}
			if _, ok := names[dep]; !ok {
				return xerrors.New(CodeWorkflowValidation,
					fmt.Sprintf("任务 %q 依赖了不存在的任务 %q", task.Name, dep),
					xerrors.WithMetadata("task", task.Name),
					xerrors.WithMetadata("dependency", dep))
			}
		}
	}

	return detectCycle(spec.Tasks)
}

// detectCycle 使用三色标记的深度优先遍历检测依赖环：
// 白色未访问、灰色访问中、黑色已完成。遇到灰色节点即存在回边。
func detectCycle(tasks []TaskSpec) error {
	adjacency := make(map[string][]string, len(tasks))
	for _, task := range tasks {
		for _, dep := range task.DependsOn {
			dep = strings.TrimSpace(dep)
			adjacency[dep] = append(adjacency[dep], task.Name)
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		color[name] = gray
		path = append(path, name)
		for _, next := range adjacency[name] {
			switch color[next] {
			case gray:
				cycle := append(path, next)
				return xerrors.New(xerrors.CodeDependencyCycle,
					fmt.Sprintf("任务依赖存在环: %s", strings.Join(cycle, " -> ")),
					xerrors.WithMetadata("cycle", strings.Join(cycle, " -> ")))
			case white:
				if err := visit(next, path); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}

	for _, task := range tasks {
		if color[task.Name] == white {
			if err := visit(task.Name, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
