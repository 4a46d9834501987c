package session

import (
	"context"
	"sync"

	xerrors "AgentPlane/internal/errors"
)

// MemoryStore 是会话存储的内存实现。
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Session
	byToken map[string]string
	byAgent map[string]map[string]struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建内存会话存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Session),
		byToken: make(map[string]string),
		byAgent: make(map[string]map[string]struct{}),
	}
}

// CreateSession 写入新会话。
func (s *MemoryStore) CreateSession(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" || session.Token == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话缺少 ID 或令牌")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[session.ID]; exists {
		return xerrors.New(xerrors.CodeConflict, "会话 ID 已存在",
			xerrors.WithMetadata("session_id", session.ID))
	}
	if _, exists := s.byToken[session.Token]; exists {
		return xerrors.New(xerrors.CodeConflict, "会话令牌已存在")
	}
	s.byID[session.ID] = cloneSession(session)
	s.byToken[session.Token] = session.ID
	agentSessions, ok := s.byAgent[session.AgentID]
	if !ok {
		agentSessions = make(map[string]struct{})
		s.byAgent[session.AgentID] = agentSessions
	}
	agentSessions[session.ID] = struct{}{}
	return nil
}

// GetSessionByToken 按令牌查询会话。
func (s *MemoryStore) GetSessionByToken(ctx context.Context, token string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byToken[token]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(s.byID[id]), nil
}

// TouchSession 更新最近活跃时间。
func (s *MemoryStore) TouchSession(ctx context.Context, id string, lastSeen int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.byID[id]
	if !ok {
		return ErrSessionNotFound
	}
	if lastSeen > session.LastSeenAt {
		session.LastSeenAt = lastSeen
	}
	return nil
}

// RevokeByToken 吊销令牌对应的会话。
func (s *MemoryStore) RevokeByToken(ctx context.Context, token string, now int64) (*Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byToken[token]
	if !ok {
		return nil, false, ErrSessionNotFound
	}
	session := s.byID[id]
	wasActive := session.Active(now)
	session.Revoked = true
	return cloneSession(session), wasActive, nil
}

// RevokeAllForAgent 吊销代理名下全部会话。
func (s *MemoryStore) RevokeAllForAgent(ctx context.Context, agentID string, now int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := 0
	for id := range s.byAgent[agentID] {
		session := s.byID[id]
		if session == nil {
			continue
		}
		if session.Active(now) {
			active++
		}
		session.Revoked = true
	}
	return active, nil
}

// PurgeExpired 清除已过期的会话。
func (s *MemoryStore) PurgeExpired(ctx context.Context, now int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiredActive := 0
	for id, session := range s.byID {
		if now < session.ExpiresAt {
			continue
		}
		if !session.Revoked {
			expiredActive++
		}
		delete(s.byID, id)
		delete(s.byToken, session.Token)
		if agentSessions, ok := s.byAgent[session.AgentID]; ok {
			delete(agentSessions, id)
			if len(agentSessions) == 0 {
				delete(s.byAgent, session.AgentID)
			}
		}
	}
	return expiredActive, nil
}

// Close 实现存储接口，无资源需要释放。
func (s *MemoryStore) Close() error {
	return nil
}
