package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	xerrors "AgentPlane/internal/errors"
	"AgentPlane/internal/orchestrator"
)

var _ orchestrator.Store = (*Store)(nil)

const taskColumns = `id, workflow_id, name, agent_id, fallback_agent_id, permission, payload, depends_on, status, attempts, max_retries, timeout_seconds, fallback_used, last_error, error_code, result, created_at, updated_at`

// CreateWorkflow 原子地持久化工作流与全部任务，任一失败则全部回退。
func (s *Store) CreateWorkflow(ctx context.Context, workflow *orchestrator.Workflow, tasks []*orchestrator.Task) error {
	if workflow == nil || workflow.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工作流不能为空")
	}
	now := time.Now().Unix()
	if workflow.CreatedAt == 0 {
		workflow.CreatedAt = now
	}
	workflow.UpdatedAt = now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflows (id, name, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			workflow.ID, workflow.Name, string(workflow.Status), workflow.CreatedAt, workflow.UpdatedAt); err != nil {
			if isDuplicateKey(err) {
				return xerrors.New(xerrors.CodeConflict, "工作流已存在",
					xerrors.WithMetadata("workflow_id", workflow.ID))
			}
			return fmt.Errorf("写入工作流失败: %w", err)
		}
		for position, task := range tasks {
			if task == nil || task.ID == "" {
				return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
			}
			if task.CreatedAt == 0 {
				task.CreatedAt = now
			}
			task.UpdatedAt = now
			if err := insertTask(ctx, tx, task, position); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertTask(ctx context.Context, tx *sql.Tx, task *orchestrator.Task, position int) error {
	payload, err := encodeJSON(task.Payload)
	if err != nil {
		return err
	}
	dependsOn, err := encodeJSON(task.DependsOn)
	if err != nil {
		return err
	}
	result, err := encodeJSON(task.Result)
	if err != nil {
		return err
	}
	const insert = `INSERT INTO workflow_tasks (id, workflow_id, position, name, agent_id, fallback_agent_id, permission, payload, depends_on, status, attempts, max_retries, timeout_seconds, fallback_used, last_error, error_code, result, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insert,
		task.ID, task.WorkflowID, position, task.Name, task.AgentID, task.FallbackAgentID,
		task.Permission, payload, dependsOn, string(task.Status), task.Attempts,
		task.MaxRetries, task.TimeoutSeconds, boolToInt(task.FallbackUsed),
		task.LastError, task.ErrorCode, result, task.CreatedAt, task.UpdatedAt); err != nil {
		if isDuplicateKey(err) {
			return orchestrator.ErrTaskConflict
		}
		return fmt.Errorf("写入任务失败: %w", err)
	}
	return nil
}

// GetWorkflow 返回工作流及其任务 ID 列表。
func (s *Store) GetWorkflow(ctx context.Context, id string) (*orchestrator.Workflow, error) {
	const query = `SELECT id, name, status, created_at, updated_at FROM workflows WHERE id = ?`
	workflow, err := scanWorkflow(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}
	taskIDs, err := s.loadWorkflowTaskIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	workflow.TaskIDs = taskIDs
	return workflow, nil
}

// ListWorkflows 返回符合过滤条件的工作流，按更新时间倒序。
func (s *Store) ListWorkflows(ctx context.Context, opts orchestrator.ListOptions) ([]*orchestrator.Workflow, error) {
	limit, offset := sanitizePage(opts.Limit, opts.Offset)

	statement := `SELECT id, name, status, created_at, updated_at FROM workflows`
	var args []any
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		statement += " WHERE status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	statement += ` ORDER BY updated_at DESC, created_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("查询工作流列表失败: %w", err)
	}
	defer rows.Close()

	workflows := make([]*orchestrator.Workflow, 0)
	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, workflow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历工作流列表失败: %w", err)
	}
	for _, workflow := range workflows {
		taskIDs, err := s.loadWorkflowTaskIDs(ctx, workflow.ID)
		if err != nil {
			return nil, err
		}
		workflow.TaskIDs = taskIDs
	}
	return workflows, nil
}

// SetWorkflowStatus 更新工作流聚合状态。
func (s *Store) SetWorkflowStatus(ctx context.Context, id string, status orchestrator.WorkflowStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("更新工作流状态失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("确认工作流更新失败: %w", err)
	}
	if affected == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows WHERE id = ?`, id).Scan(&exists); err != nil {
			return fmt.Errorf("查询工作流失败: %w", err)
		}
		if exists == 0 {
			return orchestrator.ErrWorkflowNotFound
		}
	}
	return nil
}

// GetTask 返回任务。
func (s *Store) GetTask(ctx context.Context, id string) (*orchestrator.Task, error) {
	const query = `SELECT ` + taskColumns + ` FROM workflow_tasks WHERE id = ?`
	return scanTask(s.db.QueryRowContext(ctx, query, id))
}

// ListTasks 返回工作流内全部任务，按提交顺序排列。
func (s *Store) ListTasks(ctx context.Context, workflowID string) ([]*orchestrator.Task, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows WHERE id = ?`, workflowID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("查询工作流失败: %w", err)
	}
	if exists == 0 {
		return nil, orchestrator.ErrWorkflowNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM workflow_tasks WHERE workflow_id = ? ORDER BY position ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("查询任务列表失败: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListAgentTasks 返回指定代理处于给定状态的任务。
func (s *Store) ListAgentTasks(ctx context.Context, agentID string, statuses ...orchestrator.Status) ([]*orchestrator.Task, error) {
	statement := `SELECT ` + taskColumns + ` FROM workflow_tasks WHERE agent_id = ?`
	args := []any{agentID}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		statement += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	statement += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("查询代理任务失败: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// Claim 将就绪任务标记为已派发并递增尝试计数。
func (s *Store) Claim(ctx context.Context, id string) (*orchestrator.Task, error) {
	var claimed *orchestrator.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		task, err := lockTask(ctx, tx, id)
		if err != nil {
			return err
		}
		switch task.Status {
		case orchestrator.StatusSucceeded:
			claimed = task
			return orchestrator.ErrTaskCompleted
		case orchestrator.StatusFailed:
			claimed = task
			return orchestrator.ErrTaskExhausted
		case orchestrator.StatusDispatched, orchestrator.StatusRunning:
			claimed = task
			return orchestrator.ErrTaskConflict
		case orchestrator.StatusPending, orchestrator.StatusRetryScheduled:
			claimed = task
			return orchestrator.ErrTaskNotReady
		}
		task.Status = orchestrator.StatusDispatched
		task.Attempts++
		task.LastError = ""
		task.ErrorCode = ""
		task.UpdatedAt = time.Now().Unix()
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflow_tasks SET status = ?, attempts = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`,
			string(task.Status), task.Attempts, task.UpdatedAt, id); err != nil {
			return fmt.Errorf("领取任务失败: %w", err)
		}
		claimed = task
		return nil
	})
	if err != nil {
		return claimed, err
	}
	return claimed, nil
}

// MarkRunning 确认执行器已接手任务。
func (s *Store) MarkRunning(ctx context.Context, id string, attempt int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		task, err := lockTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if task.Status != orchestrator.StatusDispatched || task.Attempts != attempt {
			return orchestrator.ErrTaskConflict
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflow_tasks SET status = ?, updated_at = ? WHERE id = ?`,
			string(orchestrator.StatusRunning), time.Now().Unix(), id); err != nil {
			return fmt.Errorf("更新任务状态失败: %w", err)
		}
		return nil
	})
}

// MarkSucceeded 记录成功结果。旧代理或旧一轮尝试的迟到结果会被拒绝。
func (s *Store) MarkSucceeded(ctx context.Context, id, agentID string, attempt int, result orchestrator.ExecutionResult) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		task, err := lockTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := guardInFlight(task); err != nil {
			return err
		}
		if task.AgentID != agentID || task.Attempts != attempt {
			return orchestrator.ErrTaskConflict
		}
		resultJSON, err := encodeJSON(&result)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflow_tasks SET status = ?, result = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`,
			string(orchestrator.StatusSucceeded), resultJSON, time.Now().Unix(), id); err != nil {
			return fmt.Errorf("记录任务结果失败: %w", err)
		}
		return nil
	})
}

// MarkRetryScheduled 将任务置入退避等待状态。
func (s *Store) MarkRetryScheduled(ctx context.Context, id, agentID string, attempt int, code xerrors.Code, lastError string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		task, err := lockTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := guardInFlight(task); err != nil {
			return err
		}
		if task.AgentID != agentID || task.Attempts != attempt {
			return orchestrator.ErrTaskConflict
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflow_tasks SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`,
			string(orchestrator.StatusRetryScheduled), lastError, string(code), time.Now().Unix(), id); err != nil {
			return fmt.Errorf("安排任务重试失败: %w", err)
		}
		return nil
	})
}

// MarkReady 将任务置为就绪。已就绪的任务保持幂等。
func (s *Store) MarkReady(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		task, err := lockTask(ctx, tx, id)
		if err != nil {
			return err
		}
		switch task.Status {
		case orchestrator.StatusReady:
			return nil
		case orchestrator.StatusSucceeded:
			return orchestrator.ErrTaskCompleted
		case orchestrator.StatusFailed:
			return orchestrator.ErrTaskExhausted
		case orchestrator.StatusPending, orchestrator.StatusRetryScheduled:
		default:
			return orchestrator.ErrTaskConflict
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflow_tasks SET status = ?, updated_at = ? WHERE id = ?`,
			string(orchestrator.StatusReady), time.Now().Unix(), id); err != nil {
			return fmt.Errorf("更新任务状态失败: %w", err)
		}
		return nil
	})
}

// MarkFailed 将任务置入失败终态。重复失败保持幂等。
func (s *Store) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		task, err := lockTask(ctx, tx, id)
		if err != nil {
			return err
		}
		switch task.Status {
		case orchestrator.StatusSucceeded:
			return orchestrator.ErrTaskCompleted
		case orchestrator.StatusFailed:
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflow_tasks SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`,
			string(orchestrator.StatusFailed), lastError, string(code), time.Now().Unix(), id); err != nil {
			return fmt.Errorf("更新任务状态失败: %w", err)
		}
		return nil
	})
}

// Reassign 把任务改派给兜底代理，只允许发生一次。
func (s *Store) Reassign(ctx context.Context, id string, agentID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		task, err := lockTask(ctx, tx, id)
		if err != nil {
			return err
		}
		switch task.Status {
		case orchestrator.StatusSucceeded:
			return orchestrator.ErrTaskCompleted
		case orchestrator.StatusFailed:
			return orchestrator.ErrTaskExhausted
		}
		if task.FallbackUsed {
			return orchestrator.ErrTaskConflict
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflow_tasks SET agent_id = ?, fallback_used = 1, attempts = 0, status = ?, updated_at = ? WHERE id = ?`,
			agentID, string(orchestrator.StatusReady), time.Now().Unix(), id); err != nil {
			return fmt.Errorf("改派任务失败: %w", err)
		}
		return nil
	})
}

// Stats 统计任务与工作流的状态分布。
func (s *Store) Stats(ctx context.Context) (orchestrator.Stats, error) {
	var stats orchestrator.Stats

	workflowRows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM workflows GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("统计工作流失败: %w", err)
	}
	defer workflowRows.Close()
	for workflowRows.Next() {
		var (
			status string
			count  int
		)
		if err := workflowRows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("解析工作流统计失败: %w", err)
		}
		stats.Workflows += count
		switch orchestrator.WorkflowStatus(status) {
		case orchestrator.WorkflowRunning:
			stats.WorkflowsRunning += count
		case orchestrator.WorkflowSucceeded:
			stats.WorkflowsSucceeded += count
		case orchestrator.WorkflowFailed:
			stats.WorkflowsFailed += count
		}
	}
	if err := workflowRows.Err(); err != nil {
		return stats, fmt.Errorf("遍历工作流统计失败: %w", err)
	}

	taskRows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM workflow_tasks GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("统计任务失败: %w", err)
	}
	defer taskRows.Close()
	for taskRows.Next() {
		var (
			status string
			count  int
		)
		if err := taskRows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("解析任务统计失败: %w", err)
		}
		stats.Tasks += count
		switch orchestrator.Status(status) {
		case orchestrator.StatusPending:
			stats.TasksPending += count
		case orchestrator.StatusReady:
			stats.TasksReady += count
		case orchestrator.StatusDispatched, orchestrator.StatusRunning:
			stats.TasksInFlight += count
		case orchestrator.StatusRetryScheduled:
			stats.TasksRetryWaiting += count
		case orchestrator.StatusSucceeded:
			stats.TasksSucceeded += count
		case orchestrator.StatusFailed:
			stats.TasksFailed += count
		}
	}
	if err := taskRows.Err(); err != nil {
		return stats, fmt.Errorf("遍历任务统计失败: %w", err)
	}
	return stats, nil
}

func (s *Store) loadWorkflowTaskIDs(ctx context.Context, workflowID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM workflow_tasks WHERE workflow_id = ? ORDER BY position ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("查询工作流任务失败: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("解析任务 ID 失败: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历工作流任务失败: %w", err)
	}
	return ids, nil
}

// guardInFlight 校验任务仍处于派发或执行中。
func guardInFlight(task *orchestrator.Task) error {
	switch task.Status {
	case orchestrator.StatusSucceeded:
		return orchestrator.ErrTaskCompleted
	case orchestrator.StatusFailed:
		return orchestrator.ErrTaskExhausted
	case orchestrator.StatusDispatched, orchestrator.StatusRunning:
		return nil
	default:
		return orchestrator.ErrTaskConflict
	}
}

func lockTask(ctx context.Context, tx *sql.Tx, id string) (*orchestrator.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM workflow_tasks WHERE id = ? FOR UPDATE`, id)
	return scanTask(row)
}

func scanWorkflow(row rowScanner) (*orchestrator.Workflow, error) {
	var (
		workflow orchestrator.Workflow
		status   string
	)
	if err := row.Scan(&workflow.ID, &workflow.Name, &status, &workflow.CreatedAt, &workflow.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, orchestrator.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("解析工作流记录失败: %w", err)
	}
	workflow.Status = orchestrator.WorkflowStatus(status)
	return &workflow, nil
}

func scanTask(row rowScanner) (*orchestrator.Task, error) {
	var (
		task         orchestrator.Task
		payload      sql.NullString
		dependsOn    sql.NullString
		result       sql.NullString
		status       string
		fallbackUsed int
		lastError    sql.NullString
	)
	if err := row.Scan(&task.ID, &task.WorkflowID, &task.Name, &task.AgentID,
		&task.FallbackAgentID, &task.Permission, &payload, &dependsOn, &status,
		&task.Attempts, &task.MaxRetries, &task.TimeoutSeconds, &fallbackUsed,
		&lastError, &task.ErrorCode, &result, &task.CreatedAt, &task.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, orchestrator.ErrTaskNotFound
		}
		return nil, fmt.Errorf("解析任务记录失败: %w", err)
	}
	task.Status = orchestrator.Status(status)
	task.FallbackUsed = fallbackUsed == 1
	if lastError.Valid {
		task.LastError = lastError.String
	}
	if err := decodeJSON(payload, &task.Payload); err != nil {
		return nil, err
	}
	if err := decodeJSON(dependsOn, &task.DependsOn); err != nil {
		return nil, err
	}
	if result.Valid {
		task.Result = &orchestrator.ExecutionResult{}
		if err := decodeJSON(result, task.Result); err != nil {
			return nil, err
		}
	}
	return &task, nil
}

func collectTasks(rows *sql.Rows) ([]*orchestrator.Task, error) {
	tasks := make([]*orchestrator.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历任务列表失败: %w", err)
	}
	return tasks, nil
}
