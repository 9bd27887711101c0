package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/BaSui01/swarmflow/types"
)

// =============================================================================
// 🔐 JWT 校验
// =============================================================================

// ErrAuthDisabled 表示未配置 JWT 密钥
var ErrAuthDisabled = errors.New("jwt secret not configured")

// TokenVerifier 校验 HS256 签名的 JWT。
// Bearer 中间件与 websocket 的 ?token= 参数共用同一个实例。
type TokenVerifier struct {
	secret []byte
	opts   []jwt.ParserOption
}

// NewTokenVerifier 创建校验器；issuer/audience 为空时不校验对应声明
func NewTokenVerifier(secret, issuer, audience string) *TokenVerifier {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &TokenVerifier{secret: []byte(secret), opts: opts}
}

// Enabled 报告是否配置了密钥
func (v *TokenVerifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Verify 解析并校验 token，返回其声明
func (v *TokenVerifier) Verify(token string) (jwt.MapClaims, error) {
	if !v.Enabled() {
		return nil, ErrAuthDisabled
	}
	if token == "" {
		return nil, errors.New("token is empty")
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
		}
		return v.secret, nil
	}, v.opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// WithClaims 把主体与角色写入 context
func WithClaims(ctx context.Context, claims jwt.MapClaims) context.Context {
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		ctx = types.WithUserID(ctx, sub)
	} else if uid, ok := claims["user_id"].(string); ok && uid != "" {
		ctx = types.WithUserID(ctx, uid)
	}
	if raw, ok := claims["roles"].([]any); ok {
		roles := make([]string, 0, len(raw))
		for _, r := range raw {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
		if len(roles) > 0 {
			ctx = types.WithRoles(ctx, roles)
		}
	}
	return ctx
}
