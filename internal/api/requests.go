package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"FeatureScope/internal/auth"
	xerrors "FeatureScope/internal/errors"
	"FeatureScope/internal/orchestrator"
	"FeatureScope/internal/request"
)

// submitBody 是 feature-request 接口的请求体。
type submitBody struct {
	RequestID string     `json:"request_id"`
	Feature   string     `json:"feature"`
	Priority  string     `json:"priority"`
	UserID    string     `json:"user_id"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type submitResponse struct {
	RequestID   string         `json:"request_id"`
	Status      request.Status `json:"status"`
	TrackingURL string         `json:"tracking_url"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := decodeJSON(r, &body); err != nil {
		xerrors.WriteJSON(w, err)
		return
	}
	userID := strings.TrimSpace(body.UserID)
	if subject := auth.SubjectFromContext(r.Context()); subject != nil && userID == "" {
		userID = subject.ID
	}
	req, err := s.deps.Orchestrator.Submit(r.Context(), orchestrator.SubmitInput{
		RequestID: body.RequestID,
		Feature:   body.Feature,
		Priority:  request.Priority(strings.ToLower(strings.TrimSpace(body.Priority))),
		UserID:    userID,
	})
	if err != nil {
		xerrors.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		RequestID:   req.ID,
		Status:      req.Status,
		TrackingURL: s.trackingURL("/api/v1/status/" + req.ID),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Status.GetStatus(r.Context(), r.PathValue("request_id"))
	if err != nil {
		xerrors.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("request_id")
	if strings.EqualFold(r.URL.Query().Get("format"), "markdown") {
		report, err := s.deps.Status.Report(r.Context(), id)
		if err != nil {
			s.writeResultError(w, id, err)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(report))
		return
	}
	result, err := s.deps.Status.GetResult(r.Context(), id)
	if err != nil {
		s.writeResultError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeResultError 对未完成的请求返回 {error:"not_ready", status_url}。
func (s *Server) writeResultError(w http.ResponseWriter, id string, err error) {
	if xerrors.HasCode(err, xerrors.CodeNotReady) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":      "not_ready",
			"status_url": s.trackingURL("/api/v1/status/" + id),
		})
		return
	}
	xerrors.WriteJSON(w, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("request_id")
	if err := s.deps.Orchestrator.Cancel(r.Context(), id); err != nil {
		xerrors.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"request_id": id,
		"cancelled":  true,
	})
}

type listResponse struct {
	Requests []*request.Request `json:"requests"`
	Total    int                `json:"total"`
	Limit    int                `json:"limit"`
	Offset   int                `json:"offset"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var opts []request.ListOption
	if raw := q.Get("status"); raw != "" {
		var statuses []request.Status
		for _, part := range strings.Split(raw, ",") {
			st := request.Status(strings.TrimSpace(part))
			if !st.Valid() {
				xerrors.WriteJSON(w, xerrors.New(xerrors.CodeInvalidArgument, "unknown status "+part))
				return
			}
			statuses = append(statuses, st)
		}
		opts = append(opts, request.WithStatuses(statuses...))
	}
	for _, p := range []struct {
		name  string
		apply func(int) request.ListOption
	}{{"limit", request.WithLimit}, {"offset", request.WithOffset}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			xerrors.WriteJSON(w, xerrors.New(xerrors.CodeInvalidArgument, p.name+" must be a non-negative integer"))
			return
		}
		opts = append(opts, p.apply(n))
	}
	if query := q.Get("q"); query != "" {
		opts = append(opts, request.WithQuery(query))
	}
	if user := q.Get("user_id"); user != "" {
		opts = append(opts, request.WithUser(user))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, request.WithSortOrder(request.SortBySubmittedAsc))
	}

	options := request.BuildListOptions(opts...)
	items, total, err := s.deps.Store.List(r.Context(), options)
	if err != nil {
		xerrors.WriteJSON(w, err)
		return
	}
	if items == nil {
		items = []*request.Request{}
	}
	writeJSON(w, http.StatusOK, listResponse{Requests: items, Total: total, Limit: options.Limit, Offset: options.Offset})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.Stats(r.Context())
	if err != nil {
		xerrors.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests":  stats,
		"in_flight": s.deps.Orchestrator.InFlight(),
	})
}
