// Package operator 管理控制面的人类运维账号：口令换发 JWT、刷新令牌
// 续期，以及管理路由的权限守卫。代理侧的认证走 internal/gateway。
package operator

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"AgentPlane/pkg/logger"
)

const (
	grantTypePassword = "password"
	grantTypeRefresh  = "refresh_token"
	passwordSaltBytes = 16
)

// Service 负责运维账号的令牌签发与请求校验。
type Service struct {
	mode  Mode
	store Store
	jwt   *jwtManager
	audit *slog.Logger
}

// NewService 构造运维认证服务并应用种子账号。
func NewService(ctx context.Context, cfg Config, store Store) (*Service, error) {
	mode := Mode(strings.ToLower(string(cfg.Mode)))
	svc := &Service{
		mode:  mode,
		store: store,
		audit: logger.Audit(),
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		if store == nil {
			return nil, errors.New("jwt mode requires an account store")
		}
		if strings.TrimSpace(cfg.JWT.Secret) == "" {
			return nil, errors.New("jwt secret must be configured")
		}
		if cfg.JWT.AccessTTL <= 0 {
			cfg.JWT.AccessTTL = 3600
		}
		if cfg.JWT.RefreshTTL <= 0 {
			cfg.JWT.RefreshTTL = 86400
		}
		svc.jwt = &jwtManager{
			secret:     []byte(cfg.JWT.Secret),
			issuer:     cfg.JWT.Issuer,
			audience:   cfg.JWT.Audience,
			accessTTL:  time.Duration(cfg.JWT.AccessTTL) * time.Second,
			refreshTTL: time.Duration(cfg.JWT.RefreshTTL) * time.Second,
		}
	default:
		return nil, fmt.Errorf("unsupported operator auth mode: %s", cfg.Mode)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if len(cfg.Seeds) > 0 && store != nil {
		if writer, ok := store.(SeedWriter); ok {
			for _, seed := range cfg.Seeds {
				if err := writer.ApplySeed(ctx, seed); err != nil {
					return nil, fmt.Errorf("apply seed %s: %w", seed.Username, err)
				}
			}
		}
	}
	return svc, nil
}

// Mode 返回当前运维认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// IssueToken 按授权类型签发令牌对：password 校验口令，refresh_token
// 兑换刷新令牌。两条路径都会重新加载主体，吊销与权限变更即刻生效。
func (s *Service) IssueToken(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	grant := strings.TrimSpace(strings.ToLower(req.GrantType))
	if grant == "" {
		grant = grantTypePassword
	}

	var (
		pair *TokenPair
		err  error
	)
	switch grant {
	case grantTypePassword:
		pair, err = s.passwordGrant(ctx, req)
	case grantTypeRefresh:
		pair, err = s.refreshGrant(ctx, req)
	default:
		return nil, ErrUnsupportedGrant
	}
	if err != nil {
		s.auditLogger().Warn("operator_token_denied",
			"grant_type", grant,
			"username", strings.TrimSpace(req.Username),
			"error", err.Error(),
		)
		return nil, err
	}
	s.auditLogger().Info("operator_token_issued",
		"grant_type", grant,
		"username", pair.Subject.Username,
		"expires_in", pair.ExpiresIn,
	)
	return pair, nil
}

// auditLogger 返回审计日志器，未初始化时退回全局实例。
func (s *Service) auditLogger() *slog.Logger {
	if s != nil && s.audit != nil {
		return s.audit
	}
	return logger.Audit()
}

// passwordGrant 以用户名口令换发令牌对。
func (s *Service) passwordGrant(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	account, err := s.store.FindAccount(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if account.Disabled {
		return nil, ErrOperatorDisabled
	}
	if !verifyPassword(account.PasswordHash, req.Password) {
		return nil, ErrInvalidCredentials
	}
	return s.issueFor(ctx, account.ID)
}

// refreshGrant 校验刷新令牌并签发新的令牌对。访问令牌不能用来刷新。
func (s *Service) refreshGrant(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	token := strings.TrimSpace(req.RefreshToken)
	if token == "" {
		return nil, ErrInvalidToken
	}
	claims, err := s.jwt.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeRefresh {
		return nil, ErrInvalidToken
	}
	accountID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return s.issueFor(ctx, accountID)
}

// issueFor 加载主体并生成令牌对。
func (s *Service) issueFor(ctx context.Context, accountID int64) (*TokenPair, error) {
	subject, err := s.store.LoadSubject(ctx, accountID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if subject.Disabled {
		return nil, ErrOperatorDisabled
	}
	pair, err := s.jwt.Generate(subject)
	if err != nil {
		return nil, err
	}
	pair.Subject = subject.Clone()
	return pair, nil
}

// AuthenticateRequest 校验 Authorization 头中的访问令牌并返回主体。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}

	claims, err := s.jwt.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, ErrInvalidToken
	}
	accountID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	subject, err := s.store.LoadSubject(ctx, accountID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if subject.Disabled {
		return nil, ErrOperatorDisabled
	}
	subject.normalise()
	return subject, nil
}

// HashPassword 对口令做加盐 SHA-256 哈希，形式为 salt:digest。
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("password cannot be empty")
	}
	salt := make([]byte, passwordSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	digest := sha256.Sum256(append(salt, []byte(password)...))
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedDigest := base64.RawStdEncoding.EncodeToString(digest[:])
	return encodedSalt + ":" + encodedDigest, nil
}

// verifyPassword 以常数时间比较口令与存储哈希。
func verifyPassword(hashed, password string) bool {
	if hashed == "" {
		return false
	}
	parts := strings.SplitN(hashed, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	digest := sha256.Sum256(append(salt, []byte(password)...))
	return subtle.ConstantTimeCompare(expected, digest[:]) == 1
}
