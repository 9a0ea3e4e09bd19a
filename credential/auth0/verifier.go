package auth0

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/auth0/go-jwt-middleware/v2/jwks"
	"github.com/auth0/go-jwt-middleware/v2/validator"
	accounts "github.com/goliatone/go-accounts"
	goerrors "github.com/goliatone/go-errors"
)

// ProviderName is the identifier recorded for Auth0 linked identities.
const ProviderName = "auth0"

// IDTokenClaims holds the profile claims of an Auth0 ID token.
type IDTokenClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
}

// Validate satisfies validator.CustomClaims.
func (c *IDTokenClaims) Validate(ctx context.Context) error {
	if c.Email == "" {
		return fmt.Errorf("email claim is required")
	}
	if !c.EmailVerified {
		return fmt.Errorf("email is not verified")
	}
	return nil
}

// Verifier validates Auth0 ID tokens using the tenant JWKS.
type Verifier struct {
	validator *validator.Validator
}

var _ accounts.IdentityVerifier = (*Verifier)(nil)

func NewVerifier(cfg Config) (*Verifier, error) {
	issuer := cfg.issuerURL()
	if issuer == "" {
		return nil, fmt.Errorf("auth0: issuer or domain is required")
	}

	issuerURL, err := url.Parse(issuer)
	if err != nil {
		return nil, fmt.Errorf("auth0: invalid issuer URL: %w", err)
	}
	if issuerURL.Scheme == "" || issuerURL.Host == "" {
		return nil, fmt.Errorf("auth0: invalid issuer URL: %s", issuer)
	}

	cacheTTL := cfg.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = 5 * time.Minute
	}

	provider := jwks.NewCachingProvider(issuerURL, cacheTTL)

	v, err := validator.New(
		provider.KeyFunc,
		validator.RS256,
		issuerURL.String(),
		cfg.Audience,
		validator.WithCustomClaims(func() validator.CustomClaims {
			return &IDTokenClaims{}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("auth0: failed to create validator: %w", err)
	}

	return &Verifier{validator: v}, nil
}

func (v *Verifier) Provider() string {
	return ProviderName
}

func (v *Verifier) Verify(ctx context.Context, rawToken string) (*accounts.ExternalIdentity, error) {
	token, err := v.validator.ValidateToken(ctx, rawToken)
	if err != nil {
		return nil, invalidToken(err)
	}

	validated, ok := token.(*validator.ValidatedClaims)
	if !ok || validated == nil {
		return nil, accounts.ErrInvalidExternalToken
	}

	claims, ok := validated.CustomClaims.(*IDTokenClaims)
	if !ok || claims == nil {
		return nil, accounts.ErrInvalidExternalToken
	}

	return &accounts.ExternalIdentity{
		Provider:  ProviderName,
		SubjectID: validated.RegisteredClaims.Subject,
		Email:     accounts.NormalizeEmail(claims.Email),
		FirstName: claims.GivenName,
		LastName:  claims.FamilyName,
		Picture:   claims.Picture,
	}, nil
}

func invalidToken(err error) error {
	return goerrors.Wrap(err, goerrors.CategoryAuth, "external identity token could not be verified").
		WithTextCode(accounts.TextCodeInvalidExternalToken).
		WithCode(goerrors.CodeUnauthorized).
		WithMetadata(map[string]any{"provider": ProviderName})
}
