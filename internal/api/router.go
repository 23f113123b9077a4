package api

import (
	_ "embed"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kestrel-labs/sigresolve/internal/api/middleware"
)

//go:embed assets/homepage.html
var homepageHTML []byte

//go:embed assets/swagger.yaml
var swaggerYAML []byte

// NewRouter wires the full HTTP surface from spec.md §6 and layers the
// recovery/CORS/metrics/auth middleware stack over it. apiToken empty
// disables authentication entirely.
func NewRouter(h *Handlers, apiToken string, log zerolog.Logger) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", serveHomepage).Methods(http.MethodGet)
	r.HandleFunc("/swagger.yaml", serveSwagger).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/decrypt_signature", h.DecryptSignature).Methods(http.MethodPost)
	r.HandleFunc("/get_sts", h.GetSts).Methods(http.MethodPost)
	r.HandleFunc("/resolve_url", h.ResolveUrl).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	authSkip := map[string]bool{"/": true, "/swagger.yaml": true, "/metrics": true}

	// Metrics and Auth are registered via r.Use, not the outer chain: mux
	// only sets mux.CurrentRoute on the request after it matches, and only
	// the Use-wrapped handlers see that request. A middleware wrapping r
	// from outside runs before the match happens and would never see it,
	// falling back to the raw (unbounded-cardinality) path on every call.
	r.Use(middleware.Metrics)
	r.Use(middleware.Auth(apiToken, authSkip))

	var handler http.Handler = r
	handler = middleware.Recovery(log)(handler)
	handler = middleware.CORS(handler)
	return handler
}

func serveHomepage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(homepageHTML)
}

func serveSwagger(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(swaggerYAML)
}
