package alertapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/approval"
)

type decisionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
	Actor    string `json:"actor" validate:"required,max=128"`
}

func (a *API) handleDecide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.approval.id", id))

	var body decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req, err := a.opts.Decider.Decide(r.Context(), id, apiActor(body.Actor), body.Decision == "approve")
	switch {
	case errors.Is(err, approval.ErrUnknownRequest):
		writeError(w, http.StatusNotFound, "unknown approval request")
	case errors.Is(err, approval.ErrAlreadyResolved):
		// the settled request tells the caller who won
		writeJSON(w, http.StatusConflict, req)
	case err != nil:
		a.logger.Error(r.Context(), err, "failed to apply decision", "approval_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		span.SetAttributes(attribute.String("warden.approval.status", string(req.Status)))
		writeJSON(w, http.StatusOK, req)
	}
}
