package alertapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/orchestrator"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// apiActor namespaces actors supplied through the HTTP API.
func apiActor(name string) string {
	if name == "" {
		name = "anonymous"
	}
	return "api:" + name
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	incs, err := a.svc.List(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list incidents")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if incs == nil {
		incs = []*incident.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incs})
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.incident.id", id))

	inc, err := a.svc.Get(r.Context(), id)
	if errors.Is(err, incident.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	span.SetAttributes(attribute.String("warden.incident.stage", string(inc.Stage)))
	writeJSON(w, http.StatusOK, inc)
}

type abortRequest struct {
	Actor string `json:"actor" validate:"omitempty,max=128"`
}

func (a *API) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("warden.incident.id", id))

	var body abortRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := a.svc.Abort(r.Context(), id, apiActor(body.Actor))
	switch {
	case errors.Is(err, incident.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, orchestrator.ErrNotRunning):
		writeError(w, http.StatusConflict, "incident is not running")
	case err != nil:
		a.logger.Error(r.Context(), err, "failed to abort incident", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"incident_id": id, "status": "abort requested"})
	}
}
