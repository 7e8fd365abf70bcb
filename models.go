package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/authsession/internal/auth"
)

const minPasswordLength = 6

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// validate checks the request. A positive maxPassword caps the password
// length in bytes.
func (r registerRequest) validate(maxPassword int) map[string]string {
	errs := map[string]string{}
	validateEmail(errs, r.Email)
	validateNewPassword(errs, "password", "Password", r.Password, maxPassword)
	return errs
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r loginRequest) validate() map[string]string {
	errs := map[string]string{}
	validateEmail(errs, r.Email)
	if strings.TrimSpace(r.Password) == "" {
		errs["password"] = "Password is required"
	}
	return errs
}

type refreshTokenRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (r refreshTokenRequest) validate() map[string]string {
	errs := map[string]string{}
	if strings.TrimSpace(r.RefreshToken) == "" {
		errs["refreshToken"] = "Refresh token is required"
	}
	return errs
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (r changePasswordRequest) validate(maxPassword int) map[string]string {
	errs := map[string]string{}
	if strings.TrimSpace(r.CurrentPassword) == "" {
		errs["currentPassword"] = "Current password is required"
	}
	validateNewPassword(errs, "newPassword", "New password", r.NewPassword, maxPassword)
	return errs
}

func validateNewPassword(errs map[string]string, field, label, value string, maxBytes int) {
	switch {
	case strings.TrimSpace(value) == "":
		errs[field] = label + " is required"
	case len(value) < minPasswordLength:
		errs[field] = "Password must be at least 6 characters"
	case maxBytes > 0 && len(value) > maxBytes:
		errs[field] = fmt.Sprintf("Password must be at most %d bytes", maxBytes)
	}
}

type assignRoleRequest struct {
	RoleName string `json:"roleName"`
}

func (r assignRoleRequest) validate() map[string]string {
	errs := map[string]string{}
	if strings.TrimSpace(r.RoleName) == "" {
		errs["roleName"] = "Role name is required"
	}
	return errs
}

type statusRequest struct {
	Status string `json:"status"`
}

type introspectRequest struct {
	Token string `json:"token"`
}

func validateEmail(errs map[string]string, email string) {
	switch {
	case strings.TrimSpace(email) == "":
		errs["email"] = "Email is required"
	case !auth.ValidEmail(auth.NormalizeEmail(email)):
		errs["email"] = "Email must be valid"
	}
}

type roleResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Authority string    `json:"authority"`
}

func newRoleResponse(r auth.Role) roleResponse {
	return roleResponse{ID: r.ID, Name: r.Name, Authority: r.Authority}
}

type userResponse struct {
	ID     uuid.UUID      `json:"id"`
	Email  string         `json:"email"`
	Roles  []roleResponse `json:"roles"`
	Status string         `json:"status"`
}

func newUserResponse(a auth.Account) userResponse {
	roles := a.Roles()
	out := userResponse{
		ID:     a.ID,
		Email:  a.Email,
		Roles:  make([]roleResponse, 0, len(roles)),
		Status: string(a.Status),
	}
	for _, r := range roles {
		out.Roles = append(out.Roles, newRoleResponse(r))
	}
	return out
}

// sessionResponse describes a refresh-token record without the token itself.
type sessionResponse struct {
	ID         uuid.UUID  `json:"id"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	Revoked    bool       `json:"revoked"`
}

func newSessionResponse(rt auth.RefreshToken) sessionResponse {
	return sessionResponse{
		ID:         rt.ID,
		CreatedAt:  rt.CreatedAt,
		ExpiresAt:  rt.ExpiresAt,
		LastUsedAt: rt.LastUsedAt,
		Revoked:    rt.Revoked,
	}
}

// TokenInfo represents token metadata for introspection
type TokenInfo struct {
	Active    bool     `json:"active"`
	Subject   string   `json:"sub,omitempty"`
	Email     string   `json:"email,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
}
