package auth

import "github.com/google/uuid"

// Principal is the identity carried by a validated access token.
type Principal struct {
	AccountID   uuid.UUID
	Email       string
	Authorities []string
}

// HasAuthority reports whether p carries exactly the required authority.
// Matching is case-sensitive with no hierarchy or wildcards.
func HasAuthority(p Principal, required string) bool {
	for _, a := range p.Authorities {
		if a == required {
			return true
		}
	}
	return false
}

// HasAnyAuthority reports whether p carries at least one of required.
func HasAnyAuthority(p Principal, required ...string) bool {
	for _, r := range required {
		if HasAuthority(p, r) {
			return true
		}
	}
	return false
}
