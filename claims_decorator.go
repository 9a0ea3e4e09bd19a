package accounts

import "context"

// ClaimsDecorator can add extension claims to an access token before it is
// signed. Only Metadata may change: identity, role and time claims are
// checked after decoration and a mutation aborts the token.
type ClaimsDecorator interface {
	Decorate(ctx context.Context, user *User, claims *JWTClaims) error
}

// ClaimsDecoratorFunc adapts a function into a ClaimsDecorator.
type ClaimsDecoratorFunc func(ctx context.Context, user *User, claims *JWTClaims) error

func (f ClaimsDecoratorFunc) Decorate(ctx context.Context, user *User, claims *JWTClaims) error {
	if f == nil {
		return nil
	}
	return f(ctx, user, claims)
}

type noopClaimsDecorator struct{}

func (noopClaimsDecorator) Decorate(context.Context, *User, *JWTClaims) error {
	return nil
}

func normalizeClaimsDecorator(d ClaimsDecorator) ClaimsDecorator {
	if d == nil {
		return noopClaimsDecorator{}
	}
	return d
}
