package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"FeatureScope/internal/agentclient"
	xerrors "FeatureScope/internal/errors"
	"FeatureScope/internal/observability/metrics"
	"FeatureScope/pkg/logger"
)

// statusRecorder 捕获响应状态码。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument 记录每个路由的请求数与耗时。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > s.cfg.MaxBodyBytes {
			xerrors.WriteJSON(w, xerrors.New(xerrors.CodePayloadTooLarge, "request body too large"))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// requireAgentHeaders 校验 Agent 间调用的追踪头部，并把请求标识写入日志上下文。
func requireAgentHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var missing []string
		for _, h := range []string{agentclient.HeaderRequestID, agentclient.HeaderSourceAgent, agentclient.HeaderCorrelationID} {
			if strings.TrimSpace(r.Header.Get(h)) == "" {
				missing = append(missing, h)
			}
		}
		if len(missing) > 0 {
			xerrors.WriteJSON(w, xerrors.New(xerrors.CodeInvalidArgument,
				"missing required headers: "+strings.Join(missing, ", ")))
			return
		}
		ctx := logger.ContextWithRequest(r.Context(),
			r.Header.Get(agentclient.HeaderRequestID),
			r.Header.Get(agentclient.HeaderCorrelationID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// decodeJSON 解析请求体，超出大小限制时返回 PAYLOAD_TOO_LARGE。
func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return xerrors.New(xerrors.CodePayloadTooLarge, "request body too large")
		}
		if errors.Is(err, io.EOF) {
			return xerrors.New(xerrors.CodeInvalidArgument, "request body is empty")
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid json body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.L().Warn("写入响应失败", "error", err)
	}
}
