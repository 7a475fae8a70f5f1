package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"FeatureScope/internal/agent"
	"FeatureScope/pkg/logger"
)

// Config 描述令牌签发参数。
type Config struct {
	Issuer   string
	Secret   string
	TokenTTL time.Duration
}

// Claims 是令牌载荷：{agent_id|user_id, permissions, iat, exp}。
type Claims struct {
	UserID      string   `json:"user_id,omitempty"`
	AgentID     string   `json:"agent_id,omitempty"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Service 负责签发与校验 HS256 令牌。
type Service struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
	audit  *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("jwt secret must be configured")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	return &Service{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    cfg.TokenTTL,
		now:    time.Now,
		audit:  logger.Audit(),
	}, nil
}

// IssueUserToken 为外部用户签发令牌，perms 为空时使用默认权限。
func (s *Service) IssueUserToken(userID string, perms ...string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id is required")
	}
	if len(perms) == 0 {
		perms = DefaultUserPermissions()
	}
	return s.sign(Claims{UserID: userID, Permissions: perms})
}

// IssueAgentToken 为 Agent 签发调用令牌。
func (s *Service) IssueAgentToken(agentID string, perms ...string) (string, error) {
	if strings.TrimSpace(agentID) == "" {
		return "", errors.New("agent id is required")
	}
	if len(perms) == 0 {
		perms = DefaultAgentPermissions()
	}
	return s.sign(Claims{AgentID: agentID, Permissions: perms})
}

// AgentToken 实现 agentclient.TokenSource。
func (s *Service) AgentToken(source agent.ID) (string, error) {
	return s.IssueAgentToken(string(source))
}

func (s *Service) sign(claims Claims) (string, error) {
	now := s.now()
	claims.Issuer = s.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse 校验令牌并返回调用方身份。
func (s *Service) Parse(raw string) (*Subject, error) {
	var claims Claims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrInvalidToken
	}
	subject := &Subject{Permissions: claims.Permissions}
	switch {
	case claims.AgentID != "" && claims.UserID == "":
		subject.ID, subject.Kind = claims.AgentID, KindAgent
	case claims.UserID != "" && claims.AgentID == "":
		subject.ID, subject.Kind = claims.UserID, KindUser
	default:
		return nil, ErrInvalidToken
	}
	subject.normalise()
	return subject, nil
}

// ParseAuthorization 解析 "Bearer <token>" 头部。
func (s *Service) ParseAuthorization(header string) (*Subject, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	return s.Parse(strings.TrimSpace(token))
}
