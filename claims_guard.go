package accounts

import (
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
)

var ErrImmutableClaimMutation = goerrors.New("claims decorator mutated a protected claim", goerrors.CategoryInternal).
	WithTextCode("Token.ImmutableClaim").
	WithCode(goerrors.CodeInternal)

type protectedClaims struct {
	subject   string
	issuer    string
	uid       string
	email     string
	role      string
	roles     []string
	audience  []string
	issuedAt  time.Time
	expiresAt time.Time
}

func snapshotClaims(claims *JWTClaims) protectedClaims {
	snap := protectedClaims{
		subject:  claims.Subject,
		issuer:   claims.Issuer,
		uid:      claims.UID,
		email:    claims.Email,
		role:     claims.UserRole,
		roles:    slices.Clone(claims.Roles),
		audience: slices.Clone([]string(claims.Audience)),
	}
	if claims.IssuedAt != nil {
		snap.issuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		snap.expiresAt = claims.ExpiresAt.Time
	}
	return snap
}

func (snap protectedClaims) validate(claims *JWTClaims) error {
	switch {
	case claims.Subject != snap.subject:
		return immutableClaimViolation("sub")
	case claims.Issuer != snap.issuer:
		return immutableClaimViolation("iss")
	case claims.UID != snap.uid:
		return immutableClaimViolation("uid")
	case claims.Email != snap.email:
		return immutableClaimViolation("email")
	case claims.UserRole != snap.role:
		return immutableClaimViolation("role")
	case !slices.Equal(claims.Roles, snap.roles):
		return immutableClaimViolation("roles")
	case !slices.Equal([]string(claims.Audience), snap.audience):
		return immutableClaimViolation("aud")
	case !sameDate(claims.IssuedAt, snap.issuedAt):
		return immutableClaimViolation("iat")
	case !sameDate(claims.ExpiresAt, snap.expiresAt):
		return immutableClaimViolation("exp")
	}
	return nil
}

func sameDate(date *jwt.NumericDate, expected time.Time) bool {
	if date == nil {
		return expected.IsZero()
	}
	return date.Time.Equal(expected)
}

func immutableClaimViolation(field string) error {
	clone := ErrImmutableClaimMutation.Clone()
	clone.Message = fmt.Sprintf("immutable claim mutated: %s", field)
	clone.Source = ErrImmutableClaimMutation
	return clone.WithMetadata(map[string]any{"claim": field})
}
