package accounts

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTClaims are the claims carried by access tokens
type JWTClaims struct {
	jwt.RegisteredClaims
	UID      string   `json:"uid,omitempty"`
	Email    string   `json:"email,omitempty"`
	UserRole string   `json:"role,omitempty"`
	Roles    []string `json:"roles,omitempty"`

	// Metadata carries decorator supplied extension claims.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UserID returns the local user id
func (c *JWTClaims) UserID() string {
	if c.UID != "" {
		return c.UID
	}
	return c.RegisteredClaims.Subject
}

// Role returns the primary role
func (c *JWTClaims) Role() string {
	return c.UserRole
}

func (c *JWTClaims) HasRole(role Role) bool {
	for _, r := range c.Roles {
		if r == string(role) {
			return true
		}
	}
	return c.UserRole == string(role)
}

// Expires returns the expiration time
func (c *JWTClaims) Expires() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Actor converts the claims into the caller of a command.
func (c *JWTClaims) Actor() (Actor, error) {
	id, err := uuid.Parse(c.UserID())
	if err != nil {
		return Actor{}, ErrUnauthorized
	}
	roles := make([]Role, 0, len(c.Roles))
	for _, r := range c.Roles {
		roles = append(roles, Role(r))
	}
	return Actor{UserID: id, Email: c.Email, Roles: roles}, nil
}
