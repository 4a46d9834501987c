package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"AgentPlane/internal/session"
)

var _ session.Store = (*Store)(nil)

const sessionColumns = `id, token, agent_id, issued_at, expires_at, last_seen_at, remote_addr, revoked`

// CreateSession 写入新会话，令牌冲突时返回错误。
func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	const insert = `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, insert,
		sess.ID, sess.Token, sess.AgentID, sess.IssuedAt, sess.ExpiresAt,
		sess.LastSeenAt, sess.RemoteAddr, boolToInt(sess.Revoked)); err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("会话令牌冲突: %w", err)
		}
		return fmt.Errorf("写入会话失败: %w", err)
	}
	return nil
}

// GetSessionByToken 按令牌查询会话。
func (s *Store) GetSessionByToken(ctx context.Context, token string) (*session.Session, error) {
	const query = `SELECT ` + sessionColumns + ` FROM sessions WHERE token = ?`
	return scanSession(s.db.QueryRowContext(ctx, query, token))
}

// TouchSession 更新会话的最近活跃时间。
func (s *Store) TouchSession(ctx context.Context, id string, lastSeen int64) error {
	result, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_seen_at = ? WHERE id = ?`, lastSeen, id)
	if err != nil {
		return fmt.Errorf("更新会话活跃时间失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("确认会话更新失败: %w", err)
	}
	if affected == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

// RevokeByToken 吊销令牌对应的会话，返回吊销前是否仍然有效。
func (s *Store) RevokeByToken(ctx context.Context, token string, now int64) (*session.Session, bool, error) {
	var (
		sess      *session.Session
		wasActive bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token = ? FOR UPDATE`, token)
		found, err := scanSession(row)
		if err != nil {
			return err
		}
		wasActive = found.Active(now)
		if !found.Revoked {
			if _, err := tx.ExecContext(ctx, `UPDATE sessions SET revoked = 1 WHERE id = ?`, found.ID); err != nil {
				return fmt.Errorf("吊销会话失败: %w", err)
			}
			found.Revoked = true
		}
		sess = found
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return sess, wasActive, nil
}

// RevokeAllForAgent 吊销代理名下全部会话，返回其中仍有效的数量。
func (s *Store) RevokeAllForAgent(ctx context.Context, agentID string, now int64) (int, error) {
	revoked := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sessions WHERE agent_id = ? AND revoked = 0 AND expires_at > ? FOR UPDATE`,
			agentID, now).Scan(&count); err != nil {
			return fmt.Errorf("统计有效会话失败: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET revoked = 1 WHERE agent_id = ? AND revoked = 0`, agentID); err != nil {
			return fmt.Errorf("吊销代理会话失败: %w", err)
		}
		revoked = count
		return nil
	})
	if err != nil {
		return 0, err
	}
	return revoked, nil
}

// PurgeExpired 清除已过期的会话，返回其中未被吊销过的数量。
func (s *Store) PurgeExpired(ctx context.Context, now int64) (int, error) {
	purged := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sessions WHERE expires_at <= ? AND revoked = 0`, now).Scan(&count); err != nil {
			return fmt.Errorf("统计过期会话失败: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now); err != nil {
			return fmt.Errorf("清理过期会话失败: %w", err)
		}
		purged = count
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

func scanSession(row rowScanner) (*session.Session, error) {
	var (
		sess    session.Session
		revoked int
	)
	if err := row.Scan(&sess.ID, &sess.Token, &sess.AgentID, &sess.IssuedAt,
		&sess.ExpiresAt, &sess.LastSeenAt, &sess.RemoteAddr, &revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrSessionNotFound
		}
		return nil, fmt.Errorf("解析会话记录失败: %w", err)
	}
	sess.Revoked = revoked == 1
	return &sess, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
