package api

import (
	"net/http"

	"FeatureScope/internal/auth"
	xerrors "FeatureScope/internal/errors"
	"FeatureScope/internal/webhook"
)

type registerWebhookBody struct {
	URL    string          `json:"url"`
	Events []webhook.Event `json:"events"`
	Secret string          `json:"secret"`
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var body registerWebhookBody
	if err := decodeJSON(r, &body); err != nil {
		xerrors.WriteJSON(w, err)
		return
	}
	hook := &webhook.Webhook{URL: body.URL, Events: body.Events, Secret: body.Secret}
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		hook.OwnerID = subject.ID
	}
	created, err := s.deps.Webhooks.Register(r.Context(), hook)
	if err != nil {
		xerrors.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"webhook_id": created.ID,
		"status":     created.Status,
		"events":     created.Events,
	})
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("webhook_id")
	hook, err := s.deps.Webhooks.Webhook(r.Context(), id)
	if err != nil {
		xerrors.WriteJSON(w, err)
		return
	}
	if subject := auth.SubjectFromContext(r.Context()); hook.OwnerID != "" && (subject == nil || subject.ID != hook.OwnerID) {
		xerrors.WriteJSON(w, webhook.ErrWebhookNotFound)
		return
	}
	deliveries, err := s.deps.Webhooks.Deliveries(r.Context(), id)
	if err != nil {
		xerrors.WriteJSON(w, err)
		return
	}
	if deliveries == nil {
		deliveries = []*webhook.Delivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"webhook_id": id,
		"deliveries": deliveries,
	})
}
