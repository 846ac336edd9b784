// Package authmw provides HTTP middleware for bearer token and Slack
// request signature authentication.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Realm is advertised in WWW-Authenticate on rejected operator requests.
const Realm = "warden"

// BearerToken returns middleware that admits requests whose Authorization
// header carries token as an RFC 6750 bearer credential. The scheme is
// matched case-insensitively and the token in constant time. An empty token
// admits nothing.
func BearerToken(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, cred, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				unauthorized(w, "", "missing or malformed authorization header")
				return
			}

			got := []byte(strings.TrimSpace(cred))
			if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
				unauthorized(w, "invalid_token", "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, code, msg string) {
	challenge := `Bearer realm="` + Realm + `"`
	if code != "" {
		challenge += `, error="` + code + `"`
	}
	w.Header().Set("WWW-Authenticate", challenge)
	http.Error(w, `{"error":"`+msg+`"}`, http.StatusUnauthorized)
}
