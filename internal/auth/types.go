package auth

import (
	"strings"

	xerrors "FeatureScope/internal/errors"
)

// Kind 区分令牌持有者类型。
type Kind string

const (
	// KindUser 为外部用户令牌，可访问需求提交与查询接口。
	KindUser Kind = "user"
	// KindAgent 为 Agent 间调用令牌，只能访问 analyze/callback 接口。
	KindAgent Kind = "agent"
)

// 常用权限。
const (
	PermRequestsWrite = "requests:write"
	PermRequestsRead  = "requests:read"
	PermWebhooksWrite = "webhooks:write"
	PermAnalyze       = "agents:analyze"
	PermCallback      = "agents:callback"
)

// DefaultUserPermissions 为签发用户令牌时的默认权限。
func DefaultUserPermissions() []string {
	return []string{PermRequestsWrite, PermRequestsRead, PermWebhooksWrite}
}

// DefaultAgentPermissions 为签发 Agent 令牌时的默认权限。
func DefaultAgentPermissions() []string {
	return []string{PermAnalyze, PermCallback}
}

// 认证子系统返回的错误。
var (
	ErrMissingToken     = xerrors.New(xerrors.CodeUnauthenticated, "missing bearer token")
	ErrInvalidToken     = xerrors.New(xerrors.CodeUnauthenticated, "invalid token")
	ErrWrongTokenKind   = xerrors.New(xerrors.CodePermissionDenied, "token kind not accepted on this endpoint")
	ErrPermissionDenied = xerrors.New(xerrors.CodePermissionDenied, "permission denied")
)

// Subject 是令牌解析后的调用方身份，经由 context 传递给处理器。
type Subject struct {
	ID          string
	Kind        Kind
	Permissions []string

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet["*"]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize 校验主体拥有全部权限。
func (s *Subject) Authorize(perms ...string) error {
	for _, p := range perms {
		if !s.HasPermission(p) {
			return xerrors.New(xerrors.CodePermissionDenied, "missing permission "+p)
		}
	}
	return nil
}
