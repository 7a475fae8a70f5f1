package auth

import (
	"net/http"
	"time"

	xerrors "FeatureScope/internal/errors"
)

// Middleware 返回认证中间件：校验令牌类型与权限，并将 Subject 写入上下文。
func (s *Service) Middleware(kind Kind, perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := s.ParseAuthorization(r.Header.Get("Authorization"))
			if err == nil && subject.Kind != kind {
				err = ErrWrongTokenKind
			}
			if err == nil {
				err = subject.Authorize(perms...)
			}
			if err != nil {
				s.audit.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", xerrors.StatusOf(err),
					"error", err.Error(),
				)
				xerrors.WriteJSON(w, err)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			s.audit.Info("api_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"subject", subject.ID,
				"kind", string(subject.Kind),
			)
		})
	}
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
