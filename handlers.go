package main

import (
	"encoding/json"
	"net/http"
)

const maxBodyBytes = 1 << 20

// decodeBody reads a JSON body into v. It writes the 400 itself and reports
// false when the body is unusable.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return false
	}
	return true
}

// HandleRegister creates an account holding ROLE_USER.
// POST /auth/register
func (a *App) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if errs := req.validate(a.maxPasswordBytes()); len(errs) > 0 {
		writeValidationError(w, errs)
		return
	}

	account, err := a.service.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newUserResponse(account))
}

// HandleLogin exchanges credentials for a token pair.
// POST /auth/login
func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		writeValidationError(w, errs)
		return
	}

	pair, err := a.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// HandleRefresh exchanges a refresh token for a new access token.
// POST /auth/refresh
func (a *App) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshTokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		writeValidationError(w, errs)
		return
	}

	pair, err := a.service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// HandleLogout revokes a refresh token.
// POST /auth/logout
func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshTokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		writeValidationError(w, errs)
		return
	}

	if err := a.service.Logout(r.Context(), req.RefreshToken); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleMe returns the authenticated account.
// GET /auth/me
func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	account, err := a.service.CurrentUser(r.Context(), p.AccountID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(account))
}

// HandleChangePassword replaces the caller's password.
// PUT /auth/change-password
func (a *App) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if errs := req.validate(a.maxPasswordBytes()); len(errs) > 0 {
		writeValidationError(w, errs)
		return
	}

	p, _ := principalFrom(r.Context())
	if err := a.service.ChangePassword(r.Context(), p.AccountID, req.CurrentPassword, req.NewPassword); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSessions lists the caller's refresh-token records.
// GET /auth/sessions
func (a *App) HandleSessions(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	records, err := a.service.Sessions(r.Context(), p.AccountID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	out := make([]sessionResponse, 0, len(records))
	for _, rt := range records {
		out = append(out, newSessionResponse(rt))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleHealth reports liveness.
// GET /health
func (a *App) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady reports whether the storage backends answer.
// GET /ready
func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.storage.ping(r.Context()); err != nil {
		a.logger.Warn("HTTP: readiness check failed", "error", err.Error())
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}
