package api

import (
	"net/http"

	"FeatureScope/internal/agent"
	"FeatureScope/internal/agentclient"
	"FeatureScope/internal/auth"
	xerrors "FeatureScope/internal/errors"
	"FeatureScope/pkg/logger"
)

// handleAnalyze 接收上游 Agent 的分析请求，交由本地托管的 target 异步执行。
func (s *Server) handleAnalyze(target agent.ID) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source := agent.ID(r.Header.Get(agentclient.HeaderSourceAgent))
		if subject := auth.SubjectFromContext(r.Context()); subject == nil || subject.ID != string(source) {
			xerrors.WriteJSON(w, xerrors.New(xerrors.CodePermissionDenied, "token does not belong to "+string(source)))
			return
		}
		var body agentclient.AnalyzeRequest
		if err := decodeJSON(r, &body); err != nil {
			xerrors.WriteJSON(w, err)
			return
		}
		if body.RequestID == "" {
			body.RequestID = r.Header.Get(agentclient.HeaderRequestID)
		}
		if body.CorrelationID == "" {
			body.CorrelationID = r.Header.Get(agentclient.HeaderCorrelationID)
		}
		accepted, err := s.deps.Host.Submit(r.Context(), source, target, body)
		if err != nil {
			logger.With(r.Context()).Warn("拒绝分析作业",
				"source_agent", string(source),
				"target_agent", string(target),
				"error", err.Error(),
			)
			xerrors.WriteJSON(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, accepted)
	}
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Host.Get(r.PathValue("analysis_id"))
	if err != nil {
		xerrors.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCallback 接收下游 Agent 推送的分析结果。令牌必须属于推送方。
func (s *Server) handleCallback(from agent.ID) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if subject := auth.SubjectFromContext(r.Context()); subject == nil || subject.ID != string(from) {
			xerrors.WriteJSON(w, xerrors.New(xerrors.CodePermissionDenied, "token does not belong to "+string(from)))
			return
		}
		var payload agentclient.CallbackPayload
		if err := decodeJSON(r, &payload); err != nil {
			xerrors.WriteJSON(w, err)
			return
		}
		if payload.AgentID != from {
			xerrors.WriteJSON(w, xerrors.New(xerrors.CodeInvalidArgument, "agent_id does not match callback endpoint"))
			return
		}
		if !payload.Status.Done() {
			xerrors.WriteJSON(w, xerrors.New(xerrors.CodeInvalidArgument, "callback status must be completed or error"))
			return
		}
		if err := s.deps.Callbacks.Deliver(payload); err != nil {
			xerrors.WriteJSON(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
	}
}
