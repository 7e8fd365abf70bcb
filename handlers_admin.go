package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/authsession/internal/auth"
)

const (
	tokenTypeAccess  = "access_token"
	tokenTypeRefresh = "refresh_token"
)

// HandleTokenIntrospect reports whether a token is active.
// POST /auth/introspect
func (a *App) HandleTokenIntrospect(w http.ResponseWriter, r *http.Request) {
	var req introspectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		writeValidationError(w, map[string]string{"token": "Token is required"})
		return
	}

	// Try to parse as JWT access token first
	if claims, err := a.issuer.Parse(req.Token); err == nil {
		writeJSON(w, http.StatusOK, TokenInfo{
			Active:    true,
			Subject:   claims.Subject,
			Email:     claims.Email,
			Roles:     claims.Roles,
			ExpiresAt: claims.ExpiresAt.Unix(),
			TokenType: tokenTypeAccess,
		})
		return
	}

	record, active, err := a.service.InspectRefreshToken(r.Context(), req.Token)
	if errors.Is(err, auth.ErrNotFound) {
		writeJSON(w, http.StatusOK, TokenInfo{Active: false})
		return
	}
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if !active {
		writeJSON(w, http.StatusOK, TokenInfo{Active: false})
		return
	}
	writeJSON(w, http.StatusOK, TokenInfo{
		Active:    true,
		Subject:   record.AccountID.String(),
		ExpiresAt: record.ExpiresAt.Unix(),
		TokenType: tokenTypeRefresh,
	})
}

// HandleAssignRole grants a role by name or authority.
// PUT /users/{id}/roles
func (a *App) HandleAssignRole(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}
	var req assignRoleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		writeValidationError(w, errs)
		return
	}

	account, err := a.service.AssignRole(r.Context(), id, req.RoleName)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(account))
}

// HandleRemoveRole drops a role by name or authority.
// DELETE /users/{id}/roles/{role}
func (a *App) HandleRemoveRole(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	account, err := a.service.RemoveRole(r.Context(), id, mux.Vars(r)["role"])
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(account))
}

// HandleSetStatus blocks, deactivates or reactivates an account.
// PUT /users/{id}/status
func (a *App) HandleSetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, err := auth.ParseAccountStatus(req.Status)
	if err != nil {
		writeValidationError(w, map[string]string{"status": "Status must be one of ACTIVE, BLOCKED, INACTIVE"})
		return
	}

	account, err := a.service.SetStatus(r.Context(), id, status)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(account))
}

// HandleDeleteSessions removes every refresh token of an account.
// DELETE /users/{id}/sessions
func (a *App) HandleDeleteSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}
	if err := a.service.DeleteSessions(r.Context(), id); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListRoles lists the provisioned roles.
// GET /roles
func (a *App) HandleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.service.ListRoles(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, newRoleResponse(role))
	}
	writeJSON(w, http.StatusOK, out)
}

func accountIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeValidationError(w, map[string]string{"id": "User id must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}
