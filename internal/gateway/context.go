package gateway

import "context"

// identityKey 是上下文中存储 AuthorizedIdentity 的键类型。
type identityKey struct{}

// WithIdentity 将通过网关校验的身份写入上下文。
func WithIdentity(ctx context.Context, ident *AuthorizedIdentity) context.Context {
	if ident == nil {
		return ctx
	}
	return context.WithValue(ctx, identityKey{}, ident)
}

// IdentityFromContext 从上下文中取出通过网关校验的身份。
func IdentityFromContext(ctx context.Context) *AuthorizedIdentity {
	if ctx == nil {
		return nil
	}
	if ident, ok := ctx.Value(identityKey{}).(*AuthorizedIdentity); ok {
		return ident
	}
	return nil
}
