// Package google verifies Google ID tokens for external logins.
package google

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	accounts "github.com/goliatone/go-accounts"
)

// ProviderName is the identifier recorded for Google linked identities.
const ProviderName = "google"

const defaultJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

var defaultIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

// Config holds the Google client settings.
type Config struct {
	// ClientID is the OAuth client the ID token must be issued for.
	ClientID string

	// JWKSURL overrides the Google certificate endpoint.
	JWKSURL string

	// Issuers overrides the accepted "iss" values.
	Issuers []string
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
}

// Verifier implements accounts.IdentityVerifier for Google ID tokens.
type Verifier struct {
	clientID string
	issuers  []string
	keyfunc  jwt.Keyfunc
	jwks     *keyfunc.JWKS
}

var _ accounts.IdentityVerifier = (*Verifier)(nil)

// NewVerifier fetches the Google JWKS and keeps it refreshed in the
// background until Close is called.
func NewVerifier(cfg Config) (*Verifier, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, fmt.Errorf("google: client id is required")
	}
	url := cfg.JWKSURL
	if url == "" {
		url = defaultJWKSURL
	}

	jwks, err := keyfunc.Get(url, keyfunc.Options{
		RefreshErrorHandler: func(err error) {
			log.Printf("failed to do a background refresh of Google JWKS: %s", err)
		},
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  time.Minute * 5,
		RefreshTimeout:    time.Second * 10,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to load JWKS: %w", err)
	}

	v := NewVerifierWithKeyfunc(cfg, jwks.Keyfunc)
	v.jwks = jwks
	return v, nil
}

// NewVerifierWithKeyfunc builds a verifier on a caller supplied key source.
func NewVerifierWithKeyfunc(cfg Config, kf jwt.Keyfunc) *Verifier {
	issuers := cfg.Issuers
	if len(issuers) == 0 {
		issuers = defaultIssuers
	}
	return &Verifier{
		clientID: cfg.ClientID,
		issuers:  issuers,
		keyfunc:  kf,
	}
}

// Close stops the background JWKS refresh.
func (v *Verifier) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}

func (v *Verifier) Provider() string {
	return ProviderName
}

func (v *Verifier) Verify(ctx context.Context, rawToken string) (*accounts.ExternalIdentity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	claims := &idTokenClaims{}
	_, err := jwt.ParseWithClaims(rawToken, claims, v.keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.clientID),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, invalidToken(err)
	}

	if !v.validIssuer(claims.Issuer) {
		return nil, invalidToken(fmt.Errorf("unexpected issuer %q", claims.Issuer))
	}
	if claims.Email == "" || !claims.EmailVerified {
		return nil, invalidToken(errors.New("email is missing or not verified"))
	}

	return &accounts.ExternalIdentity{
		Provider:  ProviderName,
		SubjectID: claims.Subject,
		Email:     accounts.NormalizeEmail(claims.Email),
		FirstName: claims.GivenName,
		LastName:  claims.FamilyName,
		Picture:   claims.Picture,
	}, nil
}

func (v *Verifier) validIssuer(iss string) bool {
	for _, want := range v.issuers {
		if iss == want {
			return true
		}
	}
	return false
}

func invalidToken(err error) error {
	clone := accounts.ErrInvalidExternalToken.Clone()
	clone.Source = err
	return clone.WithMetadata(map[string]any{
		"provider": ProviderName,
		"cause":    err.Error(),
	})
}
