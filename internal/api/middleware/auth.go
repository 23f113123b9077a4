package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/kestrel-labs/sigresolve/internal/respond"
)

// Auth enforces token authentication on every request except the paths in
// skip. The configured token is compared verbatim against the Authorization
// header (no "Bearer " prefix, per spec.md §6). An empty token disables
// the check entirely.
func Auth(token string, skip map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			got := r.Header.Get("Authorization")
			if got == "" {
				respond.WriteErrorMessage(w, http.StatusUnauthorized, "Missing API token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				respond.WriteErrorMessage(w, http.StatusUnauthorized, "Invalid API token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
