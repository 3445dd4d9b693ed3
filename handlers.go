package main

import (
	"encoding/json"
	"net/http"
)

type creds struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return false
	}
	return true
}

// principal returns the caller set by Guard.Protect. Handlers behind a
// token-protected route can rely on it being present.
func principal(w http.ResponseWriter, r *http.Request) (*Principal, bool) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
	}
	return p, ok
}

func (a *App) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var c creds
	if !decodeJSON(w, r, &c) {
		return
	}
	if c.Email == "" || c.Password == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Email and password are required")
		return
	}
	res, err := a.Auth.Register(r.Context(), c.Email, c.Password)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var c creds
	if !decodeJSON(w, r, &c) {
		return
	}
	res, err := a.Auth.Login(r.Context(), c.Email, c.Password)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *App) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	tokens, err := a.Auth.RefreshTokens(r.Context(), p.UserID, p.RefreshToken)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if err := a.Auth.Logout(r.Context(), p.UserID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"loggedOut": true})
}

func (a *App) HandleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var in struct {
		OldPassword string `json:"oldPassword"`
		NewPassword string `json:"newPassword"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := a.Auth.UpdatePassword(r.Context(), p.UserID, in.OldPassword, in.NewPassword); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"updated": true})
}
