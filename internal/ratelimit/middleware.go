package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	xerrors "FeatureScope/internal/errors"
	"FeatureScope/internal/observability/metrics"
)

// KeyFunc 从请求中提取调用方标识。
type KeyFunc func(r *http.Request) string

// Middleware 对请求限流，并在所有响应上设置 X-RateLimit-* 头部。
func Middleware(l *Limiter, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := ""
			if key != nil {
				k = key(r)
			}
			if k == "" {
				k = "ip:" + ClientIP(r)
			}
			d := l.Allow(k)
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
			if !d.Allowed {
				secs := int(math.Ceil(d.RetryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				h.Set("Retry-After", strconv.Itoa(secs))
				metrics.ObserveRateLimited()
				xerrors.WriteJSON(w, xerrors.New(xerrors.CodeRateLimited, "rate limit exceeded",
					xerrors.WithMetadata("retry_after", strconv.Itoa(secs))))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP 返回请求来源地址，优先使用代理头部。
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return strings.Trim(r.RemoteAddr, "[]")
}
