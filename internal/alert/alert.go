// Package alert models the Alertmanager webhook payload consumed by warden
// and derives the correlation ID that ties redeliveries to one incident.
package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrMalformed is returned when a webhook payload cannot be decoded or is
// missing fields the workflow depends on. No incident is created for it.
var ErrMalformed = errors.New("malformed alert payload")

const (
	StatusFiring   = "firing"
	StatusResolved = "resolved"
)

// resourceLabels are the labels treated as identifying the affected resource.
var resourceLabels = []string{
	"namespace", "pod", "container", "deployment", "statefulset", "daemonset",
	"service", "node", "instance", "job",
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Webhook is an Alertmanager v4 webhook payload: one group of alerts sharing a groupKey.
type Webhook struct {
	Version           string            `json:"version"`
	GroupKey          string            `json:"groupKey" validate:"required"`
	TruncatedAlerts   int               `json:"truncatedAlerts,omitempty"`
	Status            string            `json:"status" validate:"omitempty,oneof=firing resolved"`
	Receiver          string            `json:"receiver"`
	GroupLabels       map[string]string `json:"groupLabels,omitempty"`
	CommonLabels      map[string]string `json:"commonLabels,omitempty"`
	CommonAnnotations map[string]string `json:"commonAnnotations,omitempty"`
	ExternalURL       string            `json:"externalURL,omitempty"`
	Alerts            []Alert           `json:"alerts" validate:"required,min=1,dive"`
}

// Alert is a single alert within a webhook group.
type Alert struct {
	Status       string            `json:"status" validate:"required,oneof=firing resolved"`
	Labels       map[string]string `json:"labels" validate:"required"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt,omitempty"`
	GeneratorURL string            `json:"generatorURL,omitempty"`
	Fingerprint  string            `json:"fingerprint,omitempty"`
}

// Decode reads and validates a webhook payload. Every failure wraps ErrMalformed.
func Decode(r io.Reader) (*Webhook, error) {
	var wh Webhook
	dec := json.NewDecoder(r)
	if err := dec.Decode(&wh); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrMalformed, err)
	}
	if err := wh.Validate(); err != nil {
		return nil, err
	}
	return &wh, nil
}

// Validate checks the payload structure and, for firing alerts, the fields the
// analysis stage consumes: alert name, severity, summary or description and
// the firing timestamp.
func (w *Webhook) Validate() error {
	if err := validate.Struct(w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var errs []error
	for i := range w.Alerts {
		a := &w.Alerts[i]
		if a.Status != StatusFiring {
			continue
		}
		if a.Labels["alertname"] == "" {
			errs = append(errs, fmt.Errorf("alerts[%d]: labels.alertname is required", i))
		}
		if a.Labels["severity"] == "" {
			errs = append(errs, fmt.Errorf("alerts[%d]: labels.severity is required", i))
		}
		if a.Annotations["summary"] == "" && a.Annotations["description"] == "" {
			errs = append(errs, fmt.Errorf("alerts[%d]: annotations.summary or annotations.description is required", i))
		}
		if a.StartsAt.IsZero() {
			errs = append(errs, fmt.Errorf("alerts[%d]: startsAt is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrMalformed, errors.Join(errs...))
	}
	return nil
}

// Firing returns the alerts in the group that are currently firing.
func (w *Webhook) Firing() []Alert {
	out := make([]Alert, 0, len(w.Alerts))
	for _, a := range w.Alerts {
		if a.Status == StatusFiring {
			out = append(out, a)
		}
	}
	return out
}

// Primary returns the first firing alert, or nil when nothing is firing.
func (w *Webhook) Primary() *Alert {
	for i := range w.Alerts {
		if w.Alerts[i].Status == StatusFiring {
			return &w.Alerts[i]
		}
	}
	return nil
}

// CorrelationID returns the incident ID for this group.
func (w *Webhook) CorrelationID() string {
	return CorrelationID(w.GroupKey)
}

// Clone returns a deep copy.
func (w *Webhook) Clone() *Webhook {
	if w == nil {
		return nil
	}
	cp := *w
	cp.GroupLabels = cloneMap(w.GroupLabels)
	cp.CommonLabels = cloneMap(w.CommonLabels)
	cp.CommonAnnotations = cloneMap(w.CommonAnnotations)
	cp.Alerts = make([]Alert, len(w.Alerts))
	for i, a := range w.Alerts {
		a.Labels = cloneMap(a.Labels)
		a.Annotations = cloneMap(a.Annotations)
		cp.Alerts[i] = a
	}
	return &cp
}

// Name returns the alertname label.
func (a *Alert) Name() string { return a.Labels["alertname"] }

// Severity returns the severity label.
func (a *Alert) Severity() string { return a.Labels["severity"] }

// Summary returns the summary annotation, falling back to the description.
func (a *Alert) Summary() string {
	if s := a.Annotations["summary"]; s != "" {
		return s
	}
	return a.Annotations["description"]
}

// Resources returns the labels identifying the affected resource, sorted by key.
func (a *Alert) Resources() []string {
	var out []string
	for _, k := range resourceLabels {
		if v, ok := a.Labels[k]; ok && v != "" {
			out = append(out, k+"="+v)
		}
	}
	sort.Strings(out)
	return out
}

// CorrelationID hashes an Alertmanager groupKey into a stable incident ID.
// groupKeys contain label matchers and braces which are unsafe in URLs and
// Slack action values, so the raw key is never used directly.
func CorrelationID(groupKey string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(groupKey)))
	return "inc-" + hex.EncodeToString(sum[:8])
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
