package api

import (
	"net/http"

	"github.com/hackgods/appointment-booking-sync/internal/auth"
)

type authHandler struct {
	mgr *auth.Manager
}

// login sends the browser to the authorization server.
func (h authHandler) login(w http.ResponseWriter, r *http.Request) {
	target, _, err := h.mgr.AuthorizationURL()
	if err != nil {
		handleServiceError(w, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h authHandler) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, http.StatusUnauthorized, "authorization_denied", e+" "+q.Get("error_description"))
		return
	}
	code := q.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing_code", "code is required")
		return
	}

	if _, err := h.mgr.ExchangeCode(r.Context(), code, q.Get("state")); err != nil {
		if auth.HasCode(err, auth.CodeInvalidState) {
			writeError(w, http.StatusBadRequest, "invalid_state", err.Error())
			return
		}
		handleServiceError(w, err)
		return
	}
	h.session(w, r)
}

func (h authHandler) session(w http.ResponseWriter, r *http.Request) {
	resp := SessionResponse{State: string(h.mgr.State())}
	if tok, err := h.mgr.CurrentToken(); err == nil {
		expiry := tok.Expiry
		resp.Expiry = &expiry
		resp.Scopes = tok.Scopes
		resp.Patient = tok.Patient
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h authHandler) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.Logout(r.Context()); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
