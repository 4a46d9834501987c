package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	xerrors "AgentPlane/internal/errors"
	"AgentPlane/internal/registry"
)

var (
	_ registry.AgentStore = (*Store)(nil)
	_ registry.RoleStore  = (*Store)(nil)
)

const agentColumns = `id, name, agent_type, version, status, public_key, address, secret_hash, metadata, created_at, updated_at`

// CreateAgent 写入代理记录及其角色引用。
func (s *Store) CreateAgent(ctx context.Context, agent *registry.Agent) error {
	if agent == nil || strings.TrimSpace(agent.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "代理记录不完整")
	}
	now := time.Now().Unix()
	if agent.CreatedAt == 0 {
		agent.CreatedAt = now
	}
	if agent.UpdatedAt == 0 {
		agent.UpdatedAt = agent.CreatedAt
	}
	metadata, err := encodeJSON(agent.Metadata)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		const insert = `INSERT INTO agents (` + agentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, insert,
			agent.ID, agent.Name, string(agent.Type), agent.Version, string(agent.Status),
			agent.PublicKey, agent.Address, agent.SecretHash, metadata,
			agent.CreatedAt, agent.UpdatedAt,
		); err != nil {
			if isDuplicateKey(err) {
				return xerrors.New(xerrors.CodeConflict, "代理 ID 已存在")
			}
			return fmt.Errorf("写入代理失败: %w", err)
		}
		return replaceAgentRoles(ctx, tx, agent.ID, agent.RoleIDs)
	})
}

// GetAgent 按 ID 取回代理记录。
func (s *Store) GetAgent(ctx context.Context, id string) (*registry.Agent, error) {
	const query = `SELECT ` + agentColumns + ` FROM agents WHERE id = ?`
	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}
	roleIDs, err := s.loadAgentRoles(ctx, id)
	if err != nil {
		return nil, err
	}
	agent.RoleIDs = roleIDs
	return agent, nil
}

// PatchAgent 按补丁更新代理的可变字段。Metadata 按键合并，
// 显式的 nil 值删除对应键。
func (s *Store) PatchAgent(ctx context.Context, id string, patch registry.AgentPatch) (*registry.Agent, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ? FOR UPDATE`, id)
		agent, err := scanAgent(row)
		if err != nil {
			return err
		}
		if patch.Name != nil {
			agent.Name = *patch.Name
		}
		if patch.Version != nil {
			agent.Version = *patch.Version
		}
		if len(patch.Metadata) > 0 {
			if agent.Metadata == nil {
				agent.Metadata = make(map[string]any, len(patch.Metadata))
			}
			for key, value := range patch.Metadata {
				if value == nil {
					delete(agent.Metadata, key)
					continue
				}
				agent.Metadata[key] = value
			}
		}
		metadata, err := encodeJSON(agent.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE agents SET name = ?, version = ?, metadata = ?, updated_at = ? WHERE id = ?`,
			agent.Name, agent.Version, metadata, time.Now().Unix(), id)
		if err != nil {
			return fmt.Errorf("更新代理失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetAgent(ctx, id)
}

// SetAgentRoles 覆盖代理的角色集合。
func (s *Store) SetAgentRoles(ctx context.Context, id string, roleIDs []string) (*registry.Agent, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockAgentRow(ctx, tx, id); err != nil {
			return err
		}
		if err := replaceAgentRoles(ctx, tx, id, roleIDs); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET updated_at = ? WHERE id = ?`, time.Now().Unix(), id); err != nil {
			return fmt.Errorf("更新代理失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetAgent(ctx, id)
}

// TransitionAgent 在行锁保护下执行状态迁移，保证并发调用时迁移
// 判定与写入原子。
func (s *Store) TransitionAgent(ctx context.Context, id string, allowed []registry.Status, to registry.Status) (*registry.Agent, bool, error) {
	changed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT status FROM agents WHERE id = ? FOR UPDATE`, id)
		var current string
		if err := row.Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return registry.ErrAgentNotFound
			}
			return fmt.Errorf("查询代理状态失败: %w", err)
		}
		status := registry.Status(current)
		if status == to {
			return nil
		}
		permitted := false
		for _, candidate := range allowed {
			if status == candidate {
				permitted = true
				break
			}
		}
		if !permitted {
			return xerrors.New(xerrors.CodeStateTransition, "代理状态不允许该操作",
				xerrors.WithMetadata("from", string(status)),
				xerrors.WithMetadata("to", string(to)),
			)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`,
			string(to), time.Now().Unix(), id); err != nil {
			return fmt.Errorf("更新代理状态失败: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	agent, err := s.GetAgent(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return agent, changed, nil
}

// ListAgents 返回符合过滤条件的代理列表。
func (s *Store) ListAgents(ctx context.Context, opts registry.ListOptions) ([]*registry.Agent, error) {
	limit, offset := sanitizePage(opts.Limit, opts.Offset)

	var (
		conditions []string
		args       []any
	)
	if len(opts.Types) > 0 {
		placeholders := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		conditions = append(conditions, "agent_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if query := strings.TrimSpace(opts.Query); query != "" {
		conditions = append(conditions, "LOWER(name) LIKE ?")
		args = append(args, "%"+strings.ToLower(query)+"%")
	}

	statement := `SELECT ` + agentColumns + ` FROM agents`
	if len(conditions) > 0 {
		statement += " WHERE " + strings.Join(conditions, " AND ")
	}
	direction := "ASC"
	if opts.Order == registry.SortByCreatedDesc {
		direction = "DESC"
	}
	statement += fmt.Sprintf(" ORDER BY created_at %s, id %s LIMIT ? OFFSET ?", direction, direction)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("查询代理列表失败: %w", err)
	}
	defer rows.Close()

	agents := make([]*registry.Agent, 0)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历代理列表失败: %w", err)
	}

	for _, agent := range agents {
		roleIDs, err := s.loadAgentRoles(ctx, agent.ID)
		if err != nil {
			return nil, err
		}
		agent.RoleIDs = roleIDs
	}
	return agents, nil
}

// CountAgentsUsingRole 统计仍引用角色的未退役代理数量。
func (s *Store) CountAgentsUsingRole(ctx context.Context, roleID string) (int, error) {
	const query = `SELECT COUNT(*) FROM agent_roles ar
        JOIN agents a ON a.id = ar.agent_id
        WHERE ar.role_id = ? AND a.status <> ?`
	var count int
	if err := s.db.QueryRowContext(ctx, query, roleID, string(registry.StatusDecommissioned)).Scan(&count); err != nil {
		return 0, fmt.Errorf("统计角色引用失败: %w", err)
	}
	return count, nil
}

// CreateRole 保存新的角色记录，名称重复时返回冲突。
func (s *Store) CreateRole(ctx context.Context, role *registry.Role) error {
	if role == nil || strings.TrimSpace(role.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "角色记录不完整")
	}
	now := time.Now().Unix()
	if role.CreatedAt == 0 {
		role.CreatedAt = now
	}
	if role.UpdatedAt == 0 {
		role.UpdatedAt = role.CreatedAt
	}
	permissions, err := encodeJSON(role.Permissions)
	if err != nil {
		return err
	}
	const insert = `INSERT INTO roles (id, name, description, permissions, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, insert,
		role.ID, role.Name, role.Description, permissions, role.CreatedAt, role.UpdatedAt); err != nil {
		if isDuplicateKey(err) {
			return registry.ErrRoleConflict
		}
		return fmt.Errorf("写入角色失败: %w", err)
	}
	return nil
}

// GetRole 按 ID 取回角色。
func (s *Store) GetRole(ctx context.Context, id string) (*registry.Role, error) {
	const query = `SELECT id, name, description, permissions, created_at, updated_at FROM roles WHERE id = ?`
	return scanRole(s.db.QueryRowContext(ctx, query, id))
}

// GetRoles 批量取回角色，任何缺失都会失败。
func (s *Store) GetRoles(ctx context.Context, ids []string) ([]*registry.Role, error) {
	result := make([]*registry.Role, 0, len(ids))
	for _, id := range ids {
		role, err := s.GetRole(ctx, id)
		if err != nil {
			if errors.Is(err, registry.ErrRoleNotFound) {
				return nil, xerrors.New(registry.CodeRoleNotFound, "role not found",
					xerrors.WithMetadata("role_id", id))
			}
			return nil, err
		}
		result = append(result, role)
	}
	return result, nil
}

// FindRoleByName 按名称查找角色（大小写不敏感）。
func (s *Store) FindRoleByName(ctx context.Context, name string) (*registry.Role, error) {
	const query = `SELECT id, name, description, permissions, created_at, updated_at FROM roles WHERE LOWER(name) = LOWER(?)`
	return scanRole(s.db.QueryRowContext(ctx, query, strings.TrimSpace(name)))
}

// ListRoles 返回全部角色，按创建时间排序。
func (s *Store) ListRoles(ctx context.Context) ([]*registry.Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, permissions, created_at, updated_at FROM roles ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("查询角色列表失败: %w", err)
	}
	defer rows.Close()

	roles := make([]*registry.Role, 0)
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历角色列表失败: %w", err)
	}
	return roles, nil
}

// DeleteRole 删除角色；仍被未退役代理引用时拒绝，退役代理遗留的
// 引用随删除一并清理。
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM roles WHERE id = ? FOR UPDATE`, id).Scan(&exists); err != nil {
			return fmt.Errorf("查询角色失败: %w", err)
		}
		if exists == 0 {
			return registry.ErrRoleNotFound
		}
		var inUse int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_roles ar
            JOIN agents a ON a.id = ar.agent_id
            WHERE ar.role_id = ? AND a.status <> ?`, id, string(registry.StatusDecommissioned)).Scan(&inUse); err != nil {
			return fmt.Errorf("统计角色引用失败: %w", err)
		}
		if inUse > 0 {
			return registry.ErrRoleInUse
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM agent_roles WHERE role_id = ?`, id); err != nil {
			return fmt.Errorf("清理角色引用失败: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE id = ?`, id); err != nil {
			return fmt.Errorf("删除角色失败: %w", err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*registry.Agent, error) {
	var (
		agent     registry.Agent
		agentType string
		status    string
		metadata  sql.NullString
	)
	if err := row.Scan(&agent.ID, &agent.Name, &agentType, &agent.Version, &status,
		&agent.PublicKey, &agent.Address, &agent.SecretHash, &metadata,
		&agent.CreatedAt, &agent.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, registry.ErrAgentNotFound
		}
		return nil, fmt.Errorf("解析代理记录失败: %w", err)
	}
	agent.Type = registry.AgentType(agentType)
	agent.Status = registry.Status(status)
	if err := decodeJSON(metadata, &agent.Metadata); err != nil {
		return nil, err
	}
	return &agent, nil
}

func scanRole(row rowScanner) (*registry.Role, error) {
	var (
		role        registry.Role
		permissions sql.NullString
	)
	if err := row.Scan(&role.ID, &role.Name, &role.Description, &permissions,
		&role.CreatedAt, &role.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, registry.ErrRoleNotFound
		}
		return nil, fmt.Errorf("解析角色记录失败: %w", err)
	}
	if err := decodeJSON(permissions, &role.Permissions); err != nil {
		return nil, err
	}
	return &role, nil
}

func (s *Store) loadAgentRoles(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role_id FROM agent_roles WHERE agent_id = ? ORDER BY position ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("查询代理角色失败: %w", err)
	}
	defer rows.Close()

	var roleIDs []string
	for rows.Next() {
		var roleID string
		if err := rows.Scan(&roleID); err != nil {
			return nil, fmt.Errorf("解析代理角色失败: %w", err)
		}
		roleIDs = append(roleIDs, roleID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历代理角色失败: %w", err)
	}
	return roleIDs, nil
}

func lockAgentRow(ctx context.Context, tx *sql.Tx, id string) error {
	var found int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE id = ? FOR UPDATE`, id).Scan(&found); err != nil {
		return fmt.Errorf("查询代理失败: %w", err)
	}
	if found == 0 {
		return registry.ErrAgentNotFound
	}
	return nil
}

func replaceAgentRoles(ctx context.Context, tx *sql.Tx, agentID string, roleIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_roles WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("清理代理角色失败: %w", err)
	}
	for position, roleID := range roleIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_roles (agent_id, role_id, position) VALUES (?, ?, ?)`,
			agentID, roleID, position); err != nil {
			return fmt.Errorf("写入代理角色失败: %w", err)
		}
	}
	return nil
}

func sanitizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// isDuplicateKey 识别 MySQL 1062 唯一键冲突。
func isDuplicateKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Error 1062")
}
