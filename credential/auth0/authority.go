package auth0

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	a0 "github.com/auth0/go-auth0"
	"github.com/auth0/go-auth0/management"
	accounts "github.com/goliatone/go-accounts"
	goerrors "github.com/goliatone/go-errors"
)

// UserManager is the subset of the management user API used here.
type UserManager interface {
	Create(ctx context.Context, u *management.User, opts ...management.RequestOption) error
	Update(ctx context.Context, id string, u *management.User, opts ...management.RequestOption) error
	Delete(ctx context.Context, id string, opts ...management.RequestOption) error
	AssignRoles(ctx context.Context, id string, roles []*management.Role, opts ...management.RequestOption) error
}

// RoleManager resolves role names to Auth0 role ids.
type RoleManager interface {
	List(ctx context.Context, opts ...management.RequestOption) (*management.RoleList, error)
}

// Authority implements accounts.CredentialAuthority on top of Auth0.
type Authority struct {
	users      UserManager
	roles      RoleManager
	connection string
	logger     accounts.Logger

	mu      sync.RWMutex
	roleIDs map[accounts.Role]string
}

var _ accounts.CredentialAuthority = (*Authority)(nil)

// NewManagementAuthority creates the management client from client
// credentials.
func NewManagementAuthority(ctx context.Context, cfg Config, logger accounts.Logger) (*Authority, error) {
	domain := strings.TrimSpace(cfg.Domain)
	if domain == "" {
		return nil, fmt.Errorf("auth0 management: domain is required")
	}

	client, err := management.New(
		domain,
		management.WithClientCredentials(ctx, cfg.ClientID, cfg.ClientSecret),
	)
	if err != nil {
		return nil, fmt.Errorf("auth0 management: failed to create client: %w", err)
	}

	return NewAuthority(client.User, client.Role, cfg, logger), nil
}

func NewAuthority(users UserManager, roles RoleManager, cfg Config, logger accounts.Logger) *Authority {
	return &Authority{
		users:      users,
		roles:      roles,
		connection: cfg.connection(),
		logger:     logger,
		roleIDs:    map[accounts.Role]string{},
	}
}

func (a *Authority) CreateSubject(ctx context.Context, req accounts.SubjectRequest) (string, error) {
	u := &management.User{
		Connection:    a0.String(a.connection),
		Email:         a0.String(accounts.NormalizeEmail(req.Email)),
		Password:      a0.String(req.Password),
		EmailVerified: a0.Bool(req.EmailVerified),
	}
	if req.FirstName != "" {
		u.GivenName = a0.String(req.FirstName)
	}
	if req.LastName != "" {
		u.FamilyName = a0.String(req.LastName)
	}

	if err := a.users.Create(ctx, u); err != nil {
		return "", mapError(err, "failed to create subject")
	}
	return u.GetID(), nil
}

func (a *Authority) CreateSubjectWithTemporaryPassword(ctx context.Context, req accounts.SubjectRequest) (string, string, error) {
	temp, err := accounts.GenerateTemporaryPassword(16)
	if err != nil {
		return "", "", err
	}
	req.Password = temp
	id, err := a.CreateSubject(ctx, req)
	if err != nil {
		return "", "", err
	}
	return id, temp, nil
}

// DeleteSubject treats an already deleted subject as success.
func (a *Authority) DeleteSubject(ctx context.Context, subjectID string) error {
	if err := a.users.Delete(ctx, subjectID); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil
		}
		return mapError(err, "failed to delete subject")
	}
	return nil
}

func (a *Authority) ActivateSubject(ctx context.Context, subjectID string) error {
	return a.update(ctx, subjectID, &management.User{Blocked: a0.Bool(false)}, "failed to activate subject")
}

func (a *Authority) DeactivateSubject(ctx context.Context, subjectID string) error {
	return a.update(ctx, subjectID, &management.User{Blocked: a0.Bool(true)}, "failed to deactivate subject")
}

func (a *Authority) MarkEmailVerified(ctx context.Context, subjectID string) error {
	return a.update(ctx, subjectID, &management.User{EmailVerified: a0.Bool(true)}, "failed to verify email")
}

func (a *Authority) AssignRole(ctx context.Context, subjectID string, role accounts.Role) error {
	roleID, err := a.roleID(ctx, role)
	if err != nil {
		return err
	}
	if err := a.users.AssignRoles(ctx, subjectID, []*management.Role{{ID: a0.String(roleID)}}); err != nil {
		return mapError(err, "failed to assign role")
	}
	return nil
}

func (a *Authority) update(ctx context.Context, subjectID string, u *management.User, msg string) error {
	if err := a.users.Update(ctx, subjectID, u); err != nil {
		return mapError(err, msg)
	}
	return nil
}

// roleID looks up and caches the Auth0 id of a role by its name.
func (a *Authority) roleID(ctx context.Context, role accounts.Role) (string, error) {
	a.mu.RLock()
	id, ok := a.roleIDs[role]
	a.mu.RUnlock()
	if ok {
		return id, nil
	}

	list, err := a.roles.List(ctx, management.Parameter("name_filter", string(role)))
	if err != nil {
		return "", mapError(err, "failed to list roles")
	}

	for _, r := range list.Roles {
		if strings.EqualFold(r.GetName(), string(role)) {
			a.mu.Lock()
			a.roleIDs[role] = r.GetID()
			a.mu.Unlock()
			return r.GetID(), nil
		}
	}

	return "", goerrors.New(fmt.Sprintf("auth0 role %q is not configured", role), goerrors.CategoryNotFound).
		WithTextCode("Role.NotFound")
}

func statusOf(err error) int {
	var mErr management.Error
	if errors.As(err, &mErr) {
		return mErr.Status()
	}
	return 0
}

// mapError translates management API failures into the text codes the
// provisioning flow understands.
func mapError(err error, msg string) error {
	switch statusOf(err) {
	case http.StatusConflict:
		return goerrors.Wrap(err, goerrors.CategoryConflict, "subject already exists").
			WithTextCode(accounts.TextCodeUserExists).
			WithCode(goerrors.CodeConflict)
	case http.StatusNotFound:
		return goerrors.Wrap(err, goerrors.CategoryNotFound, "subject not found").
			WithTextCode(accounts.TextCodeSubjectNotFound).
			WithCode(goerrors.CodeNotFound)
	default:
		return goerrors.Wrap(err, goerrors.CategoryOperation, "auth0 management: "+msg).
			WithMetadata(map[string]any{"provider": "auth0"})
	}
}
