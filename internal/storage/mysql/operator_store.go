package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	xerrors "AgentPlane/internal/errors"
	"AgentPlane/internal/operator"
)

var (
	_ operator.Store      = (*Store)(nil)
	_ operator.SeedWriter = (*Store)(nil)
)

// ErrOperatorNotFound 表示运维账号不存在。
var ErrOperatorNotFound = xerrors.New(xerrors.CodeNotFound, "运维账号不存在")

// FindAccount 按用户名检索运维账号。
func (s *Store) FindAccount(ctx context.Context, username string) (*operator.Account, error) {
	const query = `SELECT id, username, password_hash, disabled FROM operator_accounts WHERE username = ?`
	var (
		account  operator.Account
		disabled int
	)
	err := s.db.QueryRowContext(ctx, query, strings.TrimSpace(username)).
		Scan(&account.ID, &account.Username, &account.PasswordHash, &disabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOperatorNotFound
		}
		return nil, fmt.Errorf("查询运维账号失败: %w", err)
	}
	account.Disabled = disabled == 1
	return &account, nil
}

// LoadSubject 加载账号附带的角色与权限授予。
func (s *Store) LoadSubject(ctx context.Context, accountID int64) (*operator.Subject, error) {
	const query = `SELECT id, username, roles, permissions, disabled FROM operator_accounts WHERE id = ?`
	var (
		subject     operator.Subject
		roles       sql.NullString
		permissions sql.NullString
		disabled    int
	)
	err := s.db.QueryRowContext(ctx, query, accountID).
		Scan(&subject.ID, &subject.Username, &roles, &permissions, &disabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOperatorNotFound
		}
		return nil, fmt.Errorf("查询运维账号失败: %w", err)
	}
	subject.Disabled = disabled == 1
	if err := decodeJSON(roles, &subject.Roles); err != nil {
		return nil, err
	}
	if err := decodeJSON(permissions, &subject.Permissions); err != nil {
		return nil, err
	}
	return &subject, nil
}

// ApplySeed 以 upsert 方式写入种子账号，重复应用会覆盖凭据与授予。
func (s *Store) ApplySeed(ctx context.Context, seed operator.Seed) error {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "种子账号用户名不能为空")
	}
	hashed, err := operator.HashPassword(seed.Password)
	if err != nil {
		return err
	}
	roles, err := encodeJSON(seed.Roles)
	if err != nil {
		return err
	}
	permissions, err := encodeJSON(seed.Permissions)
	if err != nil {
		return err
	}
	const upsert = `INSERT INTO operator_accounts (username, password_hash, roles, permissions, disabled)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE password_hash = VALUES(password_hash), roles = VALUES(roles), permissions = VALUES(permissions), disabled = VALUES(disabled)`
	if _, err := s.db.ExecContext(ctx, upsert, username, hashed, roles, permissions, boolToInt(seed.Disabled)); err != nil {
		return fmt.Errorf("写入种子账号失败: %w", err)
	}
	return nil
}
