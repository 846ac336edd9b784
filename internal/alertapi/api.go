// Package alertapi is warden's inbound HTTP surface: the Alertmanager
// webhook, incident status, operator abort and approval decisions, and the
// Slack interactivity endpoint.
package alertapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/authmw"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/orchestrator"
)

// IncidentService defines the workflow operations alertapi needs.
type IncidentService interface {
	Submit(ctx context.Context, wh *alert.Webhook) (*orchestrator.SubmitResult, error)
	Get(ctx context.Context, id string) (*incident.Incident, error)
	List(ctx context.Context) ([]*incident.Incident, error)
	Abort(ctx context.Context, id, actor string) error
}

// Decider applies approval decisions.
type Decider interface {
	Decide(ctx context.Context, approvalID, actor string, approve bool) (*incident.ApprovalRequest, error)
}

// Options enables the optional routes.
type Options struct {
	// APIToken guards abort and approval endpoints. They are not mounted
	// when it is empty.
	APIToken string
	Decider  Decider

	// SlackInteractions receives verified Slack interaction payloads. It is
	// mounted only together with SlackSigningSecret.
	SlackInteractions  http.Handler
	SlackSigningSecret string
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    IncidentService
	opts   Options
}

// New creates a new API handler.
func New(logger log.Logger, svc IncidentService, opts Options) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		opts:   opts,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", a.handleIngestAlert)
		r.Get("/incidents", a.handleListIncidents)
		r.Get("/incidents/{id}", a.handleGetIncident)

		if a.opts.APIToken != "" {
			r.Group(func(r chi.Router) {
				r.Use(authmw.BearerToken(a.opts.APIToken))
				r.Post("/incidents/{id}/abort", a.handleAbort)
				if a.opts.Decider != nil {
					r.Post("/approvals/{id}", a.handleDecide)
				}
			})
		}
	})

	if a.opts.SlackInteractions != nil && a.opts.SlackSigningSecret != "" {
		r.With(authmw.SlackSignature(a.opts.SlackSigningSecret)).
			Post("/slack/interactions", a.opts.SlackInteractions.ServeHTTP)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
