package auth

import (
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin grants the owner-only operations: total corrections and forced reconciliation.
const RoleAdmin = "admin"

const audienceClaimService = "voyager-gets"

// ServiceClaims is the JWT payload carried by transport service tokens.
type ServiceClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the token grants the role.
func (c ServiceClaims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}
