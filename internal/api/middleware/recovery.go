package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/rs/zerolog"

	"github.com/kestrel-labs/sigresolve/internal/respond"
)

// Recovery intercepts panics from downstream handlers, logs them with a
// stack trace, and returns a 500 instead of letting net/http close the
// connection with no response.
func Recovery(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error().
						Interface("panic", rec).
						Str("method", r.Method).
						Str("url", r.URL.String()).
						Bytes("stack", debug.Stack()).
						Msg("panic recovered in handler")
					respond.WriteInternalError(w, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
