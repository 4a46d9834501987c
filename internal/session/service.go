package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPlane/internal/errors"
	"AgentPlane/internal/identity"
	"AgentPlane/internal/observability/metrics"
	"AgentPlane/internal/registry"
	"AgentPlane/pkg/logger"
)

// DefaultTTL 是会话的默认有效期。
const DefaultTTL = time.Hour

// LoginResult 是登录成功后的一次性凭据信息。
type LoginResult struct {
	SessionID string `json:"session_id"`
	Token     string `json:"access_token"`
	AgentID   string `json:"agent_id"`
	ExpiresAt int64  `json:"expires_at"`
}

// Service 负责代理会话的签发、校验与吊销。
type Service struct {
	store   Store
	agents  *registry.Service
	ttl     time.Duration
	metrics *metrics.Metrics
	nowFn   func() time.Time
}

// NewService 创建会话服务。
func NewService(store Store, agents *registry.Service, ttl time.Duration, m *metrics.Metrics) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		store:   store,
		agents:  agents,
		ttl:     ttl,
		metrics: m,
		nowFn:   time.Now,
	}
}

func (s *Service) ready() error {
	if s == nil || s.store == nil || s.agents == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "会话服务未初始化")
	}
	return nil
}

// Login 校验代理身份密钥并签发新会话。暂停、报错或已退役的
// 代理不允许登录；密钥不匹配按认证失败处理。
func (s *Service) Login(ctx context.Context, agentID, secret, remoteAddr string) (*LoginResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(agentID) == "" || secret == "" {
		s.metrics.ObserveLogin("failure")
		return nil, xerrors.New(xerrors.CodeAuthenticationFailed, "登录请求缺少代理 ID 或密钥")
	}

	agent, err := s.agents.Get(ctx, agentID)
	if err != nil {
		s.metrics.ObserveLogin("failure")
		if stdErrors.Is(err, registry.ErrAgentNotFound) {
			// 不向未认证调用方泄露代理是否存在。
			return nil, xerrors.New(xerrors.CodeAuthenticationFailed, "代理凭据无效")
		}
		return nil, err
	}
	switch agent.Status {
	case registry.StatusRegistered, registry.StatusRunning:
	default:
		s.metrics.ObserveLogin("failure")
		return nil, xerrors.New(xerrors.CodeStateTransition, "代理当前状态不允许登录",
			xerrors.WithMetadata("agent_id", agentID),
			xerrors.WithMetadata("status", string(agent.Status)))
	}
	if !identity.VerifySecret(secret, agent.SecretHash) {
		s.metrics.ObserveLogin("failure")
		logger.Audit().Warn("agent_login_failed",
			slog.String("agent_id", agentID),
			slog.String("remote_addr", remoteAddr))
		return nil, xerrors.New(xerrors.CodeAuthenticationFailed, "代理凭据无效",
			xerrors.WithMetadata("agent_id", agentID))
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	now := s.nowFn()
	sess := &Session{
		ID:         uuid.NewString(),
		Token:      token,
		AgentID:    agentID,
		IssuedAt:   now.Unix(),
		ExpiresAt:  now.Add(s.ttl).Unix(),
		LastSeenAt: now.Unix(),
		RemoteAddr: remoteAddr,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	s.metrics.ObserveLogin("success")
	s.metrics.SessionOpened()
	logger.Audit().Info("agent_login",
		slog.String("agent_id", agentID),
		slog.String("session_id", sess.ID),
		slog.String("remote_addr", remoteAddr))
	return &LoginResult{
		SessionID: sess.ID,
		Token:     token,
		AgentID:   agentID,
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

// Validate 校验令牌并刷新最近活跃时间。未知、已吊销或已过期的
// 令牌一律按认证失败处理。
func (s *Service) Validate(ctx context.Context, token string) (*Session, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, xerrors.New(xerrors.CodeAuthenticationFailed, "请求缺少会话令牌")
	}
	sess, err := s.store.GetSessionByToken(ctx, token)
	if err != nil {
		if stdErrors.Is(err, ErrSessionNotFound) {
			return nil, xerrors.New(xerrors.CodeAuthenticationFailed, "会话不存在或已失效")
		}
		return nil, err
	}
	now := s.nowFn().Unix()
	if !sess.Active(now) {
		return nil, xerrors.New(xerrors.CodeAuthenticationFailed, "会话不存在或已失效",
			xerrors.WithMetadata("session_id", sess.ID))
	}
	if err := s.store.TouchSession(ctx, sess.ID, now); err != nil {
		return nil, err
	}
	sess.LastSeenAt = now
	return sess, nil
}

// Revoke 吊销令牌对应的会话，用于登出。
func (s *Service) Revoke(ctx context.Context, token string) error {
	if err := s.ready(); err != nil {
		return err
	}
	sess, wasActive, err := s.store.RevokeByToken(ctx, token, s.nowFn().Unix())
	if err != nil {
		if stdErrors.Is(err, ErrSessionNotFound) {
			return xerrors.New(xerrors.CodeAuthenticationFailed, "会话不存在或已失效")
		}
		return err
	}
	if wasActive {
		s.metrics.SessionClosed()
	}
	logger.Audit().Info("agent_logout",
		slog.String("agent_id", sess.AgentID),
		slog.String("session_id", sess.ID))
	return nil
}

// RevokeAll 吊销代理名下全部会话，返回其中仍有效的数量。
func (s *Service) RevokeAll(ctx context.Context, agentID string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	revoked, err := s.store.RevokeAllForAgent(ctx, agentID, s.nowFn().Unix())
	if err != nil {
		return 0, err
	}
	if revoked > 0 {
		s.metrics.SessionsClosed(revoked)
		logger.Audit().Info("agent_sessions_revoked",
			slog.String("agent_id", agentID),
			slog.Int("count", revoked))
	}
	return revoked, nil
}

// PurgeExpired 清除过期会话，由守护进程周期性调用。
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	purged, err := s.store.PurgeExpired(ctx, s.nowFn().Unix())
	if err != nil {
		return 0, err
	}
	s.metrics.SessionsClosed(purged)
	return purged, nil
}

// LifecycleHook 返回注册中心监听器：代理暂停、报错或退役时立即吊销
// 其全部会话。监听器在状态变更返回前同步执行，网关不存在旧会话窗口。
func (s *Service) LifecycleHook() registry.LifecycleListenerFunc {
	return func(ctx context.Context, event registry.LifecycleEvent, agent *registry.Agent) error {
		switch event {
		case registry.LifecyclePaused, registry.LifecycleErrored, registry.LifecycleDecommissioned:
			_, err := s.RevokeAll(ctx, agent.ID)
			return err
		default:
			return nil
		}
	}
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", xerrors.Wrap(xerrors.CodeCryptoFailure, err, "生成会话令牌失败")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
