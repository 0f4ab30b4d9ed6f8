package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnauthenticated     = errors.New("UNAUTHENTICATED")
	ErrAccessTokenRequired = errors.New("ACCESS_TOKEN_REQUIRED")
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

type Claims struct {
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// Verifier 校验前端带来的 access token
type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// LocalVerifier 与签发方共享密钥，本地校验签名和过期时间
type LocalVerifier struct {
	secret []byte
}

func NewLocalVerifier(secret string) *LocalVerifier {
	if secret == "" {
		secret = "dev-secret"
	}
	return &LocalVerifier{secret: []byte(secret)}
}

func (v *LocalVerifier) Verify(_ context.Context, token string) (*Claims, error) {
	claims, err := v.Parse(token)
	if err != nil {
		return nil, err
	}
	if claims.Type != "" && claims.Type != TypeAccess {
		return nil, ErrAccessTokenRequired
	}
	return claims, nil
}

// Parse 解析任意 token（访问/刷新），返回 Claims
func (v *LocalVerifier) Parse(token string) (*Claims, error) {
	return ParseToken(token, v.secret)
}

func ParseToken(token string, secret []byte) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, errors.Join(ErrUnauthenticated, err)
	}
	if claims, ok := parsed.Claims.(*Claims); ok && parsed.Valid {
		return claims, nil
	}
	return nil, errors.Join(ErrUnauthenticated, jwt.ErrTokenInvalidClaims)
}

// Sign 签发 token，bridge 自己只在测试和本地调试时用到
func (v *LocalVerifier) Sign(userID uint64, username, typ string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Type:     typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
