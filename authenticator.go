package accounts

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Authenticator issues token pairs for local and external logins.
type Authenticator struct {
	repo        RepositoryManager
	authority   CredentialAuthority
	gate        ConfigurationGate
	tokens      *TokenService
	provisioner *Provisioner
	verifiers   map[string]IdentityVerifier
	logger      Logger
	now         func() time.Time
	timeout     time.Duration

	raceTries   uint
	raceBackOff func() backoff.BackOff
}

type AuthenticatorOption func(*Authenticator)

func WithAuthenticatorLogger(logger Logger) AuthenticatorOption {
	return func(a *Authenticator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func WithAuthenticatorClock(now func() time.Time) AuthenticatorOption {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithIdentityVerifier registers a verifier under its provider name.
func WithIdentityVerifier(v IdentityVerifier) AuthenticatorOption {
	return func(a *Authenticator) {
		if v != nil {
			a.verifiers[strings.ToLower(v.Provider())] = v
		}
	}
}

// WithRegistrationRacePolicy controls how long a login that lost a
// concurrent registration waits for the winner's local user.
func WithRegistrationRacePolicy(tries uint, newBackOff func() backoff.BackOff) AuthenticatorOption {
	return func(a *Authenticator) {
		if tries > 0 {
			a.raceTries = tries
		}
		if newBackOff != nil {
			a.raceBackOff = newBackOff
		}
	}
}

func NewAuthenticator(repo RepositoryManager, authority CredentialAuthority, gate ConfigurationGate, tokens *TokenService, provisioner *Provisioner, opts ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{
		repo:        repo,
		authority:   authority,
		gate:        gate,
		tokens:      tokens,
		provisioner: provisioner,
		verifiers:   map[string]IdentityVerifier{},
		logger:      defLogger{},
		now:         time.Now,
		timeout:     15 * time.Second,
		raceTries:   6,
		raceBackOff: defaultRaceBackOff,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// TokenService returns the service used to sign access tokens.
func (a *Authenticator) TokenService() *TokenService {
	return a.tokens
}

// Login authenticates against the local credential mirror.
func (a *Authenticator) Login(ctx context.Context, msg LoginMessage, ip string) (*TokenPair, error) {
	msg.Email = NormalizeEmail(msg.Email)
	if err := msg.Validate(); err != nil {
		return nil, validationFailed(err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	user, err := a.repo.Users().FindByEmailTx(ctx, a.repo.DB(), msg.Email)
	if err != nil {
		if goerrors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, asRichError(err, "failed to load user")
	}

	if user.PasswordHash == "" {
		a.logger.Debug("login for %s rejected, account has no local password", user.Email)
		return nil, ErrInvalidCredentials
	}

	if err := ComparePasswordAndHash(msg.Password, user.PasswordHash); err != nil {
		return nil, ErrInvalidCredentials
	}

	if !user.IsActive {
		return nil, ErrUserInactive
	}

	if err := a.checkMaintenance(ctx, user); err != nil {
		return nil, err
	}

	return a.issueTokens(ctx, user, ip)
}

// LoginWithExternal signs a user in with a token from an external identity
// provider, registering the account on first sight.
func (a *Authenticator) LoginWithExternal(ctx context.Context, provider string, rawToken string, ip string) (*TokenPair, error) {
	if err := (ExternalLoginMessage{Token: rawToken}).Validate(); err != nil {
		return nil, validationFailed(err)
	}

	verifier, ok := a.verifiers[strings.ToLower(provider)]
	if !ok {
		return nil, ErrInvalidExternalToken
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	identity, err := verifier.Verify(ctx, rawToken)
	if err != nil || identity == nil || strings.TrimSpace(identity.Email) == "" {
		a.logger.Warn("external token from %s rejected: %v", provider, err)
		return nil, ErrInvalidExternalToken
	}
	if identity.Provider == "" {
		identity.Provider = verifier.Provider()
	}
	email := NormalizeEmail(identity.Email)

	user, err := a.repo.Users().FindByEmailTx(ctx, a.repo.DB(), email)
	switch {
	case err == nil:
	case goerrors.Is(err, ErrUserNotFound):
		if user, err = a.registerExternal(ctx, identity); err != nil {
			return nil, err
		}
	default:
		return nil, asRichError(err, "failed to load user")
	}

	if !user.IsActive {
		return nil, ErrUserInactive
	}

	if !user.EmailConfirmed {
		if err := a.confirmExternal(ctx, user); err != nil {
			return nil, err
		}
	}

	if err := a.checkMaintenance(ctx, user); err != nil {
		return nil, err
	}

	if err := a.repo.Identifiers().UpsertTx(ctx, a.repo.DB(), user.ID, identity.Provider, identity.SubjectID); err != nil {
		a.logger.Warn("failed to link %s identity for %s: %v", identity.Provider, user.Email, err)
	}

	return a.issueTokens(ctx, user, ip)
}

// registerExternal provisions a fresh account. Losing a concurrent
// registration is not an error, the winner's user is returned instead and no
// setup is repeated.
func (a *Authenticator) registerExternal(ctx context.Context, identity *ExternalIdentity) (*User, error) {
	allowed, err := Flag(ctx, a.gate, KeyAllowRegistration, false)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to read registration flag")
	}
	if !allowed {
		return nil, ErrRegistrationDisabled
	}

	res, err := a.provisioner.Provision(ctx, ProvisionRequest{
		Shape:     ShapeOAuth,
		Role:      RoleStudent,
		Email:     identity.Email,
		FirstName: identity.FirstName,
		LastName:  identity.LastName,
		Picture:   identity.Picture,
		External:  identity,
	})
	if err == nil {
		return res.User, nil
	}

	if !goerrors.Is(err, ErrUserExists) && !HasTextCode(err, TextCodeUserExists) {
		return nil, err
	}

	a.logger.Info("registration race for %s, waiting for concurrent registration", identity.Email)
	return a.awaitUser(ctx, NormalizeEmail(identity.Email))
}

// awaitUser polls for a local user created by a concurrent registration that
// may still be between its authority and local commits.
func (a *Authenticator) awaitUser(ctx context.Context, email string) (*User, error) {
	op := func() (*User, error) {
		user, err := a.repo.Users().FindByEmailTx(ctx, a.repo.DB(), email)
		if err != nil {
			if goerrors.Is(err, ErrUserNotFound) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return user, nil
	}

	user, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(a.raceBackOff()),
		backoff.WithMaxTries(a.raceTries),
	)
	if err != nil {
		if goerrors.Is(err, ErrUserNotFound) {
			return nil, ErrRegistrationInProgress
		}
		return nil, asRichError(err, "failed to load user after registration race")
	}
	return user, nil
}

// confirmExternal marks an existing account as verified. The external
// provider has already asserted ownership of the address.
func (a *Authenticator) confirmExternal(ctx context.Context, user *User) error {
	if err := a.authority.MarkEmailVerified(ctx, user.SubjectID); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "credential authority could not verify email")
	}
	if err := a.repo.Users().ConfirmEmailTx(ctx, a.repo.DB(), user.ID); err != nil {
		return asRichError(err, "failed to confirm email")
	}
	user.EmailConfirmed = true
	return nil
}

// Refresh rotates a refresh token. The presented token is revoked whether or
// not the new pair is issued.
func (a *Authenticator) Refresh(ctx context.Context, msg RefreshMessage, ip string) (*TokenPair, error) {
	if err := msg.Validate(); err != nil {
		return nil, validationFailed(err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var user *User
	err := a.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		token, err := a.repo.RefreshTokens().FindByHashTx(ctx, tx, HashOpaqueToken(msg.RefreshToken))
		if err != nil {
			return err
		}
		if !token.IsUsable(a.now()) {
			return ErrInvalidRefreshToken
		}

		revoked, err := a.repo.RefreshTokens().RevokeTx(ctx, tx, token.ID, a.now())
		if err != nil {
			return err
		}
		if !revoked {
			// lost a concurrent rotation
			return ErrInvalidRefreshToken
		}

		user, err = a.repo.Users().FindByIDTx(ctx, tx, token.UserID)
		return err
	})
	if err != nil {
		return nil, asRichError(err, "failed to refresh token")
	}

	if !user.IsActive {
		return nil, ErrUserInactive
	}
	if err := a.checkMaintenance(ctx, user); err != nil {
		return nil, err
	}

	return a.issueTokens(ctx, user, ip)
}

// Logout revokes every refresh token of the user.
func (a *Authenticator) Logout(ctx context.Context, userID uuid.UUID) error {
	if err := a.repo.RefreshTokens().RevokeAllForUserTx(ctx, a.repo.DB(), userID, a.now()); err != nil {
		return asRichError(err, "failed to revoke refresh tokens")
	}
	return nil
}

func (a *Authenticator) checkMaintenance(ctx context.Context, user *User) error {
	if AnyPrivileged(user.Roles) {
		return nil
	}
	active, err := MaintenanceActive(ctx, a.gate)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to read maintenance flags")
	}
	if active {
		return ErrMaintenanceMode
	}
	return nil
}

func (a *Authenticator) issueTokens(ctx context.Context, user *User, ip string) (*TokenPair, error) {
	access, expires, err := a.tokens.Generate(ctx, user)
	if err != nil {
		return nil, err
	}

	raw, hash, err := NewOpaqueToken()
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate refresh token")
	}

	refresh := &RefreshToken{
		UserID:      user.ID,
		TokenHash:   hash,
		CreatedByIP: ip,
		CreatedAt:   a.now(),
		ExpiresAt:   a.tokens.RefreshExpiry(),
	}

	err = a.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := a.repo.RefreshTokens().InsertTx(ctx, tx, refresh); err != nil {
			return err
		}
		return a.repo.Users().TrackSuccessfulLoginTx(ctx, tx, user.ID)
	})
	if err != nil {
		return nil, asRichError(err, "failed to persist refresh token")
	}

	return &TokenPair{
		AccessToken:      access,
		ExpiresAt:        expires,
		RefreshToken:     raw,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

func defaultRaceBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	return b
}
