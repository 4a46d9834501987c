package session

import "context"

// Store 负责会话的持久化，按令牌与代理两个维度索引。
type Store interface {
	// CreateSession 写入新会话，令牌冲突时返回错误。
	CreateSession(ctx context.Context, session *Session) error
	// GetSessionByToken 按令牌查询会话。
	GetSessionByToken(ctx context.Context, token string) (*Session, error)
	// TouchSession 更新会话的最近活跃时间。
	TouchSession(ctx context.Context, id string, lastSeen int64) error
	// RevokeByToken 吊销令牌对应的会话，返回吊销前是否仍然有效。
	// 对已吊销的会话是幂等操作。
	RevokeByToken(ctx context.Context, token string, now int64) (*Session, bool, error)
	// RevokeAllForAgent 吊销代理名下全部会话，返回其中仍有效的数量。
	RevokeAllForAgent(ctx context.Context, agentID string, now int64) (int, error)
	// PurgeExpired 清除已过期的会话，返回其中未被吊销过的数量。
	PurgeExpired(ctx context.Context, now int64) (int, error)
	// Close 释放底层资源。
	Close() error
}
