package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/btouchard/teamsphere/internal/auth"
)

// Challenge error codes from RFC 6750 section 3.1.
const (
	errInvalidRequest = "invalid_request"
	errInvalidToken   = "invalid_token"
)

// Authenticate verifies the bearer token on every request and attaches the
// resulting identity to the request context. Requests without a usable token
// never reach next.
func Authenticate(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, problem := bearerCredential(r.Header.Get("Authorization"))
			if problem != "" {
				reject(w, errInvalidRequest, problem)
				return
			}

			id, err := verifier.Verify(raw)
			if err != nil {
				slog.Debug("rejected bearer token", "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
				reject(w, errInvalidToken, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

// bearerCredential returns the token carried by an Authorization header, or
// a description of why the header is unusable.
func bearerCredential(header string) (string, string) {
	if strings.TrimSpace(header) == "" {
		return "", "missing Authorization header"
	}
	scheme, _, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", "Authorization scheme must be Bearer"
	}
	token := auth.BearerToken(header)
	if token == "" {
		return "", "empty bearer token"
	}
	return token, ""
}

func reject(w http.ResponseWriter, code, description string) {
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer realm="teamsphere", error=%q, error_description=%q`, code, description))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": description})
}
