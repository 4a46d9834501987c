package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"AgentPlane/internal/policy"
)

var (
	_ policy.RuleStore     = (*Store)(nil)
	_ policy.ApprovalStore = (*Store)(nil)
	_ policy.UsageStore    = (*Store)(nil)
)

const ruleColumns = `id, name, description, effect, priority, predicates, role_ids, agent_ids, not_before, not_after, version, enabled, created_at, updated_at`

// CreateRule 写入一条新规则，ID 冲突时返回错误。
func (s *Store) CreateRule(ctx context.Context, rule *policy.Rule) error {
	predicates, err := encodeJSON(rule.Predicates)
	if err != nil {
		return err
	}
	roleIDs, err := encodeJSON(rule.RoleIDs)
	if err != nil {
		return err
	}
	agentIDs, err := encodeJSON(rule.AgentIDs)
	if err != nil {
		return err
	}
	const insert = `INSERT INTO policy_rules (` + ruleColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, insert,
		rule.ID, rule.Name, rule.Description, string(rule.Effect), rule.Priority,
		predicates, roleIDs, agentIDs, rule.NotBefore, rule.NotAfter,
		rule.Version, boolToInt(rule.Enabled), rule.CreatedAt, rule.UpdatedAt); err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("规则 ID 冲突: %w", err)
		}
		return fmt.Errorf("写入规则失败: %w", err)
	}
	return nil
}

// GetRule 按 ID 查询规则。
func (s *Store) GetRule(ctx context.Context, id string) (*policy.Rule, error) {
	const query = `SELECT ` + ruleColumns + ` FROM policy_rules WHERE id = ?`
	return scanRule(s.db.QueryRowContext(ctx, query, id))
}

// ListRules 返回全部规则，含停用的，由调用方筛选。
func (s *Store) ListRules(ctx context.Context) ([]*policy.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM policy_rules ORDER BY priority ASC, created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("查询规则列表失败: %w", err)
	}
	defer rows.Close()

	rules := make([]*policy.Rule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历规则列表失败: %w", err)
	}
	return rules, nil
}

// DisableRule 停用规则，对已停用的规则是幂等操作。
func (s *Store) DisableRule(ctx context.Context, id string) (*policy.Rule, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var enabled int
		if err := tx.QueryRowContext(ctx, `SELECT enabled FROM policy_rules WHERE id = ? FOR UPDATE`, id).Scan(&enabled); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return policy.ErrRuleNotFound
			}
			return fmt.Errorf("查询规则失败: %w", err)
		}
		if enabled == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE policy_rules SET enabled = 0, updated_at = ? WHERE id = ?`,
			time.Now().Unix(), id); err != nil {
			return fmt.Errorf("停用规则失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetRule(ctx, id)
}

const approvalColumns = `id, fingerprint, agent_id, permission, context, rule_id, status, note, resolved_by, created_at, resolved_at, expires_at`

// CreateApproval 写入一条审批单。
func (s *Store) CreateApproval(ctx context.Context, approval *policy.Approval) error {
	contextJSON, err := encodeJSON(approval.Context)
	if err != nil {
		return err
	}
	const insert = `INSERT INTO policy_approvals (` + approvalColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, insert,
		approval.ID, approval.Fingerprint, approval.AgentID, approval.Permission,
		contextJSON, approval.RuleID, string(approval.Status), approval.Note,
		approval.ResolvedBy, approval.CreatedAt, approval.ResolvedAt, approval.ExpiresAt); err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("审批单 ID 冲突: %w", err)
		}
		return fmt.Errorf("写入审批单失败: %w", err)
	}
	return nil
}

// GetApproval 按 ID 查询审批单。
func (s *Store) GetApproval(ctx context.Context, id string) (*policy.Approval, error) {
	const query = `SELECT ` + approvalColumns + ` FROM policy_approvals WHERE id = ?`
	return scanApproval(s.db.QueryRowContext(ctx, query, id))
}

// FindApprovalByFingerprint 返回指纹对应的最新一条审批单。
func (s *Store) FindApprovalByFingerprint(ctx context.Context, fingerprint string) (*policy.Approval, error) {
	const query = `SELECT ` + approvalColumns + ` FROM policy_approvals
        WHERE fingerprint = ? ORDER BY created_at DESC, id DESC LIMIT 1`
	return scanApproval(s.db.QueryRowContext(ctx, query, fingerprint))
}

// ListApprovals 按状态筛选审批单，status 为空串时返回全部。
func (s *Store) ListApprovals(ctx context.Context, status policy.ApprovalStatus) ([]*policy.Approval, error) {
	statement := `SELECT ` + approvalColumns + ` FROM policy_approvals`
	var args []any
	if status != "" {
		statement += ` WHERE status = ?`
		args = append(args, string(status))
	}
	statement += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("查询审批单失败: %w", err)
	}
	defer rows.Close()

	approvals := make([]*policy.Approval, 0)
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, approval)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历审批单失败: %w", err)
	}
	return approvals, nil
}

// ResolveApproval 将 PENDING 审批单置为终态，重复处理返回错误。
func (s *Store) ResolveApproval(ctx context.Context, id string, status policy.ApprovalStatus, resolvedBy, note string, expiresAt int64) (*policy.Approval, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM policy_approvals WHERE id = ? FOR UPDATE`, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return policy.ErrApprovalNotFound
			}
			return fmt.Errorf("查询审批单失败: %w", err)
		}
		if policy.ApprovalStatus(current) != policy.ApprovalPending {
			return policy.ErrApprovalResolved
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE policy_approvals SET status = ?, resolved_by = ?, note = ?, resolved_at = ?, expires_at = ? WHERE id = ?`,
			string(status), resolvedBy, note, time.Now().Unix(), expiresAt, id); err != nil {
			return fmt.Errorf("更新审批单失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetApproval(ctx, id)
}

// IncrementUsage 将计数器加一并返回新值。
func (s *Store) IncrementUsage(ctx context.Context, counter string) (int64, error) {
	var value int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO policy_usage (counter, value) VALUES (?, 1)
             ON DUPLICATE KEY UPDATE value = value + 1`, counter); err != nil {
			return fmt.Errorf("累计计数器失败: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT value FROM policy_usage WHERE counter = ?`, counter).Scan(&value); err != nil {
			return fmt.Errorf("读取计数器失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}

// GetUsage 批量读取计数器当前值，缺省为零。
func (s *Store) GetUsage(ctx context.Context, counters []string) (map[string]int64, error) {
	result := make(map[string]int64, len(counters))
	for _, counter := range counters {
		var value int64
		err := s.db.QueryRowContext(ctx, `SELECT value FROM policy_usage WHERE counter = ?`, counter).Scan(&value)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				result[counter] = 0
				continue
			}
			return nil, fmt.Errorf("读取计数器失败: %w", err)
		}
		result[counter] = value
	}
	return result, nil
}

func scanRule(row rowScanner) (*policy.Rule, error) {
	var (
		rule       policy.Rule
		effect     string
		predicates sql.NullString
		roleIDs    sql.NullString
		agentIDs   sql.NullString
		enabled    int
	)
	if err := row.Scan(&rule.ID, &rule.Name, &rule.Description, &effect, &rule.Priority,
		&predicates, &roleIDs, &agentIDs, &rule.NotBefore, &rule.NotAfter,
		&rule.Version, &enabled, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, policy.ErrRuleNotFound
		}
		return nil, fmt.Errorf("解析规则记录失败: %w", err)
	}
	rule.Effect = policy.Effect(effect)
	rule.Enabled = enabled == 1
	if err := decodeJSON(predicates, &rule.Predicates); err != nil {
		return nil, err
	}
	if err := decodeJSON(roleIDs, &rule.RoleIDs); err != nil {
		return nil, err
	}
	if err := decodeJSON(agentIDs, &rule.AgentIDs); err != nil {
		return nil, err
	}
	return &rule, nil
}

func scanApproval(row rowScanner) (*policy.Approval, error) {
	var (
		approval    policy.Approval
		status      string
		contextJSON sql.NullString
	)
	if err := row.Scan(&approval.ID, &approval.Fingerprint, &approval.AgentID, &approval.Permission,
		&contextJSON, &approval.RuleID, &status, &approval.Note, &approval.ResolvedBy,
		&approval.CreatedAt, &approval.ResolvedAt, &approval.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, policy.ErrApprovalNotFound
		}
		return nil, fmt.Errorf("解析审批单记录失败: %w", err)
	}
	approval.Status = policy.ApprovalStatus(status)
	if err := decodeJSON(contextJSON, &approval.Context); err != nil {
		return nil, err
	}
	return &approval, nil
}
