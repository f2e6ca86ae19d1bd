// Package auth 实现操作员账号的注册、登录与令牌校验。
// 密码用 bcrypt 哈希落库，登录后签发 24 小时有效的 HS256 JWT。
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"visual-inspector/internal/domain/model"
)

// DefaultTokenTTL 是令牌默认有效期。
const DefaultTokenTTL = 24 * time.Hour

// UserStore 是认证所需的最小存储接口。
type UserStore interface {
	CreateUser(ctx context.Context, username, email, passwordHash, fullName, role string) (int64, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, string, error)
}

// Claims 是令牌携带的身份信息。
type Claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Manager 聚合认证相关操作。
type Manager struct {
	store    UserStore
	secret   []byte
	tokenTTL time.Duration
	now      func() time.Time
}

func NewManager(store UserStore, secret string) *Manager {
	return &Manager{
		store:    store,
		secret:   []byte(secret),
		tokenTTL: DefaultTokenTTL,
		now:      time.Now,
	}
}

// Register 创建新账号。用户名重复时由存储层的唯一约束拒绝。
func (m *Manager) Register(ctx context.Context, username, password, email, fullName, role string) (*model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password are required: %w", model.ErrAuthFailed)
	}
	if role == "" {
		role = "inspector"
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	uid, err := m.store.CreateUser(ctx, username, email, string(hashed), fullName, role)
	if err != nil {
		return nil, fmt.Errorf("create user %s: %w", username, err)
	}
	return &model.User{
		ID:       uid,
		Username: username,
		Email:    email,
		FullName: fullName,
		Role:     role,
	}, nil
}

// Authenticate 用存储里的真实密码哈希做比对，成功后签发令牌。
// 用户不存在和密码错误返回同一个 ErrAuthFailed，不向外泄露账号是否存在。
func (m *Manager) Authenticate(ctx context.Context, username, password string) (string, *model.User, error) {
	user, passwordHash, err := m.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return "", nil, fmt.Errorf("look up user: %w", err)
	}
	if user == nil {
		return "", nil, fmt.Errorf("unknown user: %w", model.ErrAuthFailed)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return "", nil, fmt.Errorf("password mismatch: %w", model.ErrAuthFailed)
	}

	token, err := m.IssueToken(user)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// IssueToken 为用户签发 JWT。
func (m *Manager) IssueToken(user *model.User) (string, error) {
	now := m.now()
	claims := Claims{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken 校验令牌签名与有效期，返回其中的身份信息。
func (m *Manager) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, fmt.Errorf("parse token (%v): %w", err, model.ErrAuthFailed)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", model.ErrAuthFailed)
	}
	return claims, nil
}
