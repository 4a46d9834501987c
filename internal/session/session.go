package session

import (
	xerrors "AgentPlane/internal/errors"
)

// Session 表示代理的一次登录会话。令牌是不透明随机串，
// 只在登录响应中出现一次。
type Session struct {
	ID         string `json:"id"`
	Token      string `json:"-"`
	AgentID    string `json:"agent_id"`
	IssuedAt   int64  `json:"issued_at"`
	ExpiresAt  int64  `json:"expires_at"`
	LastSeenAt int64  `json:"last_seen_at"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	Revoked    bool   `json:"revoked"`
}

// Active 判断会话在给定时刻是否仍然可用。会话到期即失效，
// 不做静默续期。
func (s *Session) Active(now int64) bool {
	return !s.Revoked && now < s.ExpiresAt
}

// ErrSessionNotFound 表示指定的会话不存在。
var ErrSessionNotFound = xerrors.New(CodeSessionNotFound, "session not found")

// CodeSessionNotFound 是会话缺失的错误码。
const CodeSessionNotFound xerrors.Code = "SESSION_NOT_FOUND"

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:   "session not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

func cloneSession(session *Session) *Session {
	if session == nil {
		return nil
	}
	clone := *session
	return &clone
}
