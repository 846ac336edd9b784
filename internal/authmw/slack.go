package authmw

import (
	"bytes"
	"io"
	"net/http"

	"github.com/slack-go/slack"
)

// maxSlackBody bounds the body read for signature verification.
const maxSlackBody = 1 << 20

// SlackSignature returns middleware that verifies Slack's request signing
// headers against secret. The request body is restored for the next handler.
func SlackSignature(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSlackBody))
			if err != nil {
				http.Error(w, `{"error":"unreadable body"}`, http.StatusBadRequest)
				return
			}

			sv, err := slack.NewSecretsVerifier(r.Header, secret)
			if err != nil {
				http.Error(w, `{"error":"missing or stale signature"}`, http.StatusUnauthorized)
				return
			}
			if _, err := sv.Write(body); err != nil {
				http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
				return
			}
			if err := sv.Ensure(); err != nil {
				http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
