package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"regexp"

	"github.com/rs/zerolog"

	"github.com/kestrel-labs/sigresolve/internal/apperr"
	"github.com/kestrel-labs/sigresolve/internal/observability"
	"github.com/kestrel-labs/sigresolve/internal/orchestrator"
	"github.com/kestrel-labs/sigresolve/internal/respond"
	"github.com/kestrel-labs/sigresolve/internal/validate"
)

// Handlers implements the three HTTP operations in spec.md §4.6.
type Handlers struct {
	orch *orchestrator.Orchestrator
	log  zerolog.Logger
}

// NewHandlers constructs Handlers bound to orch.
func NewHandlers(orch *orchestrator.Orchestrator, log zerolog.Logger) *Handlers {
	return &Handlers{orch: orch, log: log.With().Str("component", "handlers").Logger()}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respond.WriteBadRequest(w, fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

// normalizePlayerURL validates and normalizes the player_url field shared
// by all three operations, counting the request against its host.
func (h *Handlers) normalizePlayerURL(w http.ResponseWriter, raw string) (string, bool) {
	normalized, err := h.orch.NormalizeURL(raw)
	if err != nil {
		respond.WriteErr(w, err)
		return "", false
	}
	if u, err := url.Parse(normalized); err == nil {
		observability.PlayerURLRequestsTotal.WithLabelValues(u.Hostname()).Inc()
	}
	return normalized, true
}

// --- DecryptSignature ---

type decryptSignatureRequest struct {
	PlayerURL    string `json:"player_url"`
	EncryptedSig string `json:"encrypted_signature"`
	NParam       string `json:"n_param"`
}

type decryptSignatureResponse struct {
	DecryptedSignature string `json:"decrypted_signature"`
	DecryptedNSig      string `json:"decrypted_n_sig"`
}

// DecryptSignature handles POST /decrypt_signature.
func (h *Handlers) DecryptSignature(w http.ResponseWriter, r *http.Request) {
	var req decryptSignatureRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validate.NonEmpty("player_url", req.PlayerURL); err != nil {
		respond.WriteBadRequest(w, err.Error())
		return
	}
	playerURL, ok := h.normalizePlayerURL(w, req.PlayerURL)
	if !ok {
		return
	}

	sol, err := h.orch.GetSolvers(r.Context(), playerURL)
	if err != nil {
		respond.WriteErr(w, err)
		return
	}

	var resp decryptSignatureResponse
	if req.EncryptedSig != "" && sol.HasSig() {
		decrypted, err := sol.Sig(req.EncryptedSig)
		if err != nil {
			respond.WriteErr(w, fmt.Errorf("running sig solver: %w", err))
			return
		}
		resp.DecryptedSignature = decrypted
	}
	if req.NParam != "" && sol.HasN() {
		decrypted, err := sol.N(req.NParam)
		if err != nil {
			respond.WriteErr(w, fmt.Errorf("running n solver: %w", err))
			return
		}
		resp.DecryptedNSig = decrypted
	}

	respond.WriteJSON(w, http.StatusOK, resp)
}

// --- GetSts ---

var stsRx = regexp.MustCompile(`(?:signatureTimestamp|sts):(\d+)`)

type getStsRequest struct {
	PlayerURL string `json:"player_url"`
}

type getStsResponse struct {
	Sts string `json:"sts"`
}

// GetSts handles POST /get_sts.
func (h *Handlers) GetSts(w http.ResponseWriter, r *http.Request) {
	var req getStsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validate.GetSts(req.PlayerURL); err != nil {
		respond.WriteBadRequest(w, err.Error())
		return
	}
	playerURL, ok := h.normalizePlayerURL(w, req.PlayerURL)
	if !ok {
		return
	}

	path, err := h.orch.PlayerFilePath(r.Context(), playerURL)
	if err != nil {
		respond.WriteErr(w, err)
		return
	}

	cache := h.orch.StsCache()
	if sts, hit := cache.Get(path); hit {
		w.Header().Set("X-Cache-Hit", "true")
		respond.WriteJSON(w, http.StatusOK, getStsResponse{Sts: sts})
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		respond.WriteErr(w, fmt.Errorf("reading player file: %w", err))
		return
	}
	m := stsRx.FindSubmatch(data)
	if m == nil {
		respond.WriteErr(w, apperr.NotFound("sts pattern not found in player script"))
		return
	}
	sts := string(m[1])
	cache.Set(path, sts)

	w.Header().Set("X-Cache-Hit", "false")
	respond.WriteJSON(w, http.StatusOK, getStsResponse{Sts: sts})
}

// --- ResolveUrl ---

type resolveUrlRequest struct {
	StreamURL    string  `json:"stream_url"`
	PlayerURL    string  `json:"player_url"`
	EncryptedSig string  `json:"encrypted_signature"`
	SignatureKey string  `json:"signature_key"`
	NParam       *string `json:"n_param"`
}

type resolveUrlResponse struct {
	ResolvedURL string `json:"resolved_url"`
}

// ResolveUrl handles POST /resolve_url.
func (h *Handlers) ResolveUrl(w http.ResponseWriter, r *http.Request) {
	var req resolveUrlRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validate.ResolveUrl(req.PlayerURL, req.StreamURL); err != nil {
		respond.WriteBadRequest(w, err.Error())
		return
	}
	playerURL, ok := h.normalizePlayerURL(w, req.PlayerURL)
	if !ok {
		return
	}

	streamURL, err := url.Parse(req.StreamURL)
	if err != nil {
		respond.WriteBadRequest(w, fmt.Sprintf("invalid stream_url: %v", err))
		return
	}

	sol, err := h.orch.GetSolvers(r.Context(), playerURL)
	if err != nil {
		respond.WriteErr(w, err)
		return
	}

	q := streamURL.Query()

	sigKey := req.SignatureKey
	if sigKey == "" {
		sigKey = "sig"
	}
	if req.EncryptedSig != "" {
		if !sol.HasSig() {
			respond.WriteErr(w, apperr.SolverMissing("no signature solver available for this player"))
			return
		}
		decrypted, err := sol.Sig(req.EncryptedSig)
		if err != nil {
			respond.WriteErr(w, fmt.Errorf("running sig solver: %w", err))
			return
		}
		q.Set(sigKey, decrypted)
		q.Del("s")
	}

	nParam := q.Get("n")
	if req.NParam != nil {
		nParam = *req.NParam
	}
	if sol.HasN() {
		if nParam == "" {
			respond.WriteErr(w, apperr.SolverMissing("n_param is required: this player has an n solver"))
			return
		}
		decrypted, err := sol.N(nParam)
		if err != nil {
			respond.WriteErr(w, fmt.Errorf("running n solver: %w", err))
			return
		}
		q.Set("n", decrypted)
	}

	streamURL.RawQuery = q.Encode()
	respond.WriteJSON(w, http.StatusOK, resolveUrlResponse{ResolvedURL: streamURL.String()})
}
