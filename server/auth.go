package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// TokenCookie 浏览器端登录后写入的 cookie 名
const TokenCookie = "token"

type userClaims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// Authenticator 校验握手时携带的 HS256 JWT
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

// Verify 校验 token 并返回其中的 userId
func (a *Authenticator) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: token is required", ErrUnauthenticated)
	}

	var c userClaims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if strings.TrimSpace(c.UserID) == "" {
		return "", fmt.Errorf("%w: userId claim is required", ErrUnauthenticated)
	}
	return c.UserID, nil
}

// UserFromRequest 依次从 cookie、Authorization 头、token 查询参数取凭证
func (a *Authenticator) UserFromRequest(r *http.Request) (string, error) {
	if c, err := r.Cookie(TokenCookie); err == nil && c.Value != "" {
		return a.Verify(c.Value)
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return a.Verify(strings.TrimPrefix(h, "Bearer "))
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return a.Verify(t)
	}
	return "", fmt.Errorf("%w: no credential", ErrUnauthenticated)
}

// Issue 签发 token（用于本地调试与测试）
func (a *Authenticator) Issue(userID string, ttl time.Duration) (string, error) {
	now := a.now()
	c := userClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
}
