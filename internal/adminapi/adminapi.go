// Package adminapi implements the proxy's own HTTP surface: health,
// account listing/administration, request history, and a log tail stream
// (spec.md 6).
//
// Grounded on the teacher's router.go explicit path switch — no external
// router library is introduced, since the teacher itself never reaches for
// one despite chi being available in the sibling pack repo
// (Gomez12-tokenrouter); see DESIGN.md.
package adminapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"codex-pool-proxy/internal/logs"
	"codex-pool-proxy/internal/model"
	"codex-pool-proxy/internal/store"
	"codex-pool-proxy/internal/writer"
)

// Handler serves the admin/health surface. It does not serve the forwarded
// upstream paths; cmd/proxy wires Handler in front of the orchestrator,
// falling through to it for anything Handler doesn't recognize.
type Handler struct {
	Store      *store.Store
	Writer     *writer.Writer
	Logs       *logs.Writer
	AdminToken string
}

// ServeHTTP dispatches on method+path, grounded on the teacher's
// switch-based router.go. Unrecognized requests get a 404: callers should
// check Handles before invoking ServeHTTP and fall through to the
// orchestrator otherwise.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/health":
		h.serveHealth(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/accounts":
		h.requireAdmin(h.serveListAccounts)(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/pause"):
		h.requireAdmin(h.servePause(true))(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/resume"):
		h.requireAdmin(h.servePause(false))(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/tier"):
		h.requireAdmin(h.serveSetTier)(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/rate-limit"):
		h.requireAdmin(h.serveRateLimit)(w, r)
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/api/accounts/"):
		h.requireAdmin(h.serveDelete)(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/requests":
		h.requireAdmin(h.serveRequests)(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/logs/stream":
		h.requireAdmin(h.serveLogStream)(w, r)
	default:
		http.NotFound(w, r)
	}
}

// Handles reports whether the request path is one this Handler owns, so
// cmd/proxy can route everything else straight to the orchestrator. The
// method is not checked.
func (h *Handler) Handles(r *http.Request) bool {
	p := r.URL.Path
	if p == "/health" || p == "/api/requests" || p == "/api/logs/stream" || p == "/api/accounts" {
		return true
	}
	return strings.HasPrefix(p, "/api/accounts/")
}

func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.AdminToken == "" {
			next(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.AdminToken)) != 1 {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) serveListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Store.ListAccounts()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	redacted := make([]model.Account, 0, len(accounts))
	for _, a := range accounts {
		redacted = append(redacted, a.Redacted())
	}
	respondJSON(w, http.StatusOK, redacted)
}

// accountIDFromPath extracts the {id} segment from /api/accounts/{id}/action.
func accountIDFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

func (h *Handler) servePause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := accountIDFromPath(r.URL.Path)
		h.Writer.Enqueue(writer.Op{Kind: writer.KindSetPaused, AccountID: id, Paused: paused})
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) serveSetTier(w http.ResponseWriter, r *http.Request) {
	id := accountIDFromPath(r.URL.Path)
	var body struct {
		Tier int `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	tier := model.Tier(body.Tier)
	if !model.ValidTier(tier) {
		http.Error(w, "tier must be 1, 5, or 20", http.StatusBadRequest)
		return
	}
	h.Writer.Enqueue(writer.Op{Kind: writer.KindSetTier, AccountID: id, Tier: tier})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) serveRateLimit(w http.ResponseWriter, r *http.Request) {
	id := accountIDFromPath(r.URL.Path)
	var body struct {
		Enabled            bool `json:"enabled"`
		CustomLimit        *int `json:"customLimit,omitempty"`
		ResetWindowMinutes *int `json:"resetWindowMinutes,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	var override *model.RateLimitOverride
	if body.Enabled && body.CustomLimit != nil && body.ResetWindowMinutes != nil {
		override = &model.RateLimitOverride{Limit: *body.CustomLimit, WindowMinutes: *body.ResetWindowMinutes}
	}
	h.Writer.Enqueue(writer.Op{Kind: writer.KindUpdateRateLimitOverride, AccountID: id, Override: override})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) serveDelete(w http.ResponseWriter, r *http.Request) {
	name := accountIDFromPath(r.URL.Path)
	var confirm struct {
		Confirm string `json:"confirm"`
	}
	_ = json.NewDecoder(r.Body).Decode(&confirm)
	if confirm.Confirm != name {
		http.Error(w, "confirmation must match account name", http.StatusBadRequest)
		return
	}
	acct, err := h.Store.GetAccountByName(name)
	if err != nil || acct == nil {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}
	tx, err := h.Store.DB().Begin()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := h.Store.DeleteAccountTx(tx, acct.ID); err != nil {
		tx.Rollback()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) serveRequests(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	records, err := h.Store.ListUsageRecords(limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"requests": records, "limit": limit, "offset": offset})
}

func (h *Handler) serveLogStream(w http.ResponseWriter, r *http.Request) {
	h.Logs.StreamSSE(w, r)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
