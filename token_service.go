package accounts

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-accounts/middleware/jwtware"
	"github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

var ErrTokenExpired = errors.New("token expired", errors.CategoryAuth).
	WithTextCode("Auth.TokenExpired").
	WithCode(errors.CodeUnauthorized)

var ErrTokenMalformed = errors.New("token malformed", errors.CategoryAuth).
	WithTextCode("Auth.TokenMalformed").
	WithCode(errors.CodeUnauthorized)

// TokenPair is returned by every successful login.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// TokenService signs and validates access tokens.
type TokenService struct {
	signingKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	issuer     string
	audience   jwt.ClaimStrings
	now        func() time.Time
	logger     Logger
	decorator  ClaimsDecorator
}

type TokenServiceOption func(*TokenService)

func WithAccessTTL(ttl time.Duration) TokenServiceOption {
	return func(ts *TokenService) {
		if ttl > 0 {
			ts.accessTTL = ttl
		}
	}
}

func WithRefreshTTL(ttl time.Duration) TokenServiceOption {
	return func(ts *TokenService) {
		if ttl > 0 {
			ts.refreshTTL = ttl
		}
	}
}

func WithTokenAudience(aud ...string) TokenServiceOption {
	return func(ts *TokenService) {
		ts.audience = aud
	}
}

func WithTokenClock(now func() time.Time) TokenServiceOption {
	return func(ts *TokenService) {
		if now != nil {
			ts.now = now
		}
	}
}

func WithTokenLogger(logger Logger) TokenServiceOption {
	return func(ts *TokenService) {
		if logger != nil {
			ts.logger = logger
		}
	}
}

// WithClaimsDecorator installs a hook that may add Metadata claims.
func WithClaimsDecorator(d ClaimsDecorator) TokenServiceOption {
	return func(ts *TokenService) {
		ts.decorator = normalizeClaimsDecorator(d)
	}
}

// NewTokenService creates a new TokenService instance
func NewTokenService(signingKey []byte, issuer string, opts ...TokenServiceOption) *TokenService {
	ts := &TokenService{
		signingKey: signingKey,
		accessTTL:  time.Hour,
		refreshTTL: 30 * 24 * time.Hour,
		issuer:     issuer,
		now:        time.Now,
		logger:     defLogger{},
		decorator:  noopClaimsDecorator{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ts)
		}
	}
	return ts
}

// Generate creates a signed access token for the user.
func (ts *TokenService) Generate(ctx context.Context, user *User) (string, time.Time, error) {
	now := ts.now()
	expires := now.Add(ts.accessTTL)

	roles := make([]string, 0, len(user.Roles))
	for _, r := range user.Roles {
		roles = append(roles, string(r))
	}

	claims := &JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    ts.issuer,
			Subject:   user.SubjectID,
			Audience:  ts.audience,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		UID:      user.ID.String(),
		Email:    user.Email,
		UserRole: string(PrimaryRole(user.Roles)),
		Roles:    roles,
	}

	snap := snapshotClaims(claims)
	if err := ts.decorator.Decorate(ctx, user, claims); err != nil {
		return "", time.Time{}, errors.Wrap(err, errors.CategoryInternal, "claims decorator failed")
	}
	if err := snap.validate(claims); err != nil {
		ts.logger.Error("claims decorator violated protected claims: %v", err)
		return "", time.Time{}, err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ts.signingKey)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, errors.CategoryInternal, "failed to sign JWT")
	}
	return signed, expires, nil
}

// RefreshExpiry returns the expiry of a refresh token issued now.
func (ts *TokenService) RefreshExpiry() time.Time {
	return ts.now().Add(ts.refreshTTL)
}

// Validate parses and validates a token string, returning structured claims
func (ts *TokenService) Validate(tokenString string) (*JWTClaims, error) {
	parserOptions := make([]jwt.ParserOption, 0, 3)
	parserOptions = append(parserOptions, jwt.WithTimeFunc(ts.now))
	if ts.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(ts.issuer))
	}
	if len(ts.audience) > 0 {
		parserOptions = append(parserOptions, jwt.WithAudience(ts.audience...))
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			ts.logger.Error("token service encountered unexpected signing method %v", t.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ts.signingKey, nil
	}, parserOptions...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, errors.Wrap(err, ErrTokenMalformed.Category, ErrTokenMalformed.Message).WithTextCode(ErrTokenMalformed.TextCode)
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrTokenMalformed
}

// AccessTokenValidator adapts the service to the jwtware middleware.
func (ts *TokenService) AccessTokenValidator() jwtware.TokenValidator {
	return accessTokenValidator{ts: ts}
}

type accessTokenValidator struct {
	ts *TokenService
}

func (v accessTokenValidator) Validate(raw string) (jwtware.AuthClaims, error) {
	claims, err := v.ts.Validate(raw)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
