package alertapi

import (
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/orchestrator"
)

type submitResponse struct {
	IncidentID string `json:"incident_id,omitempty"`
	Created    bool   `json:"created"`
	Skipped    bool   `json:"skipped"`
	Reason     string `json:"reason,omitempty"`
}

func (a *API) handleIngestAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)

	wh, err := alert.Decode(r.Body)
	if err != nil {
		span.SetAttributes(attribute.Bool("warden.alert.malformed", true))
		a.logger.Warn(ctx, "rejected alert payload", "err", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	span.SetAttributes(
		attribute.String("warden.alert.group_key", wh.GroupKey),
		attribute.Int("warden.alert.count", len(wh.Alerts)),
	)

	res, err := a.svc.Submit(ctx, wh)
	if errors.Is(err, orchestrator.ErrShuttingDown) {
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	if err != nil {
		a.logger.Error(ctx, err, "failed to submit alert group", "group_key", wh.GroupKey)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	span.SetAttributes(
		attribute.String("warden.incident.id", res.ID),
		attribute.Bool("warden.incident.created", res.Created),
	)
	a.logger.Info(ctx, "alert group accepted",
		"incident_id", res.ID,
		"created", res.Created,
		"skipped", res.Skipped,
		"reason", res.Reason,
	)

	writeJSON(w, http.StatusAccepted, submitResponse{
		IncidentID: res.ID,
		Created:    res.Created,
		Skipped:    res.Skipped,
		Reason:     res.Reason,
	})
}
