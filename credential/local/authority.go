// Package local implements accounts.CredentialAuthority on the local
// database. It suits development, tests and single binary deployments that
// do not use a hosted identity provider.
package local

import (
	"context"
	"database/sql"
	"errors"
	"time"

	accounts "github.com/goliatone/go-accounts"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/uptrace/bun"
)

// Subject is a credential record owned by the local authority.
type Subject struct {
	bun.BaseModel `bun:"table:credential_subjects,alias:cs"`
	ID            string    `bun:"id,pk"`
	Email         string    `bun:"email,notnull,unique"`
	PasswordHash  string    `bun:"password_hash,notnull"`
	FirstName     string    `bun:"first_name"`
	LastName      string    `bun:"last_name"`
	EmailVerified bool      `bun:"email_verified,notnull,default:false"`
	Blocked       bool      `bun:"blocked,notnull,default:false"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
	UpdatedAt     time.Time `bun:"updated_at,notnull"`
}

// SubjectRole is a role granted to a subject.
type SubjectRole struct {
	bun.BaseModel `bun:"table:credential_subject_roles,alias:csr"`
	SubjectID     string        `bun:"subject_id,pk"`
	Role          accounts.Role `bun:"role,pk"`
}

// Authority stores subjects in the credential_subjects table.
type Authority struct {
	db  bun.IDB
	now func() time.Time
}

var _ accounts.CredentialAuthority = (*Authority)(nil)

type Option func(*Authority)

func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		if now != nil {
			a.now = now
		}
	}
}

func NewAuthority(db bun.IDB, opts ...Option) *Authority {
	a := &Authority{db: db, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Models lists the tables owned by the local authority, for use with
// accounts.CreateSchema.
func Models() []any {
	return []any{(*Subject)(nil), (*SubjectRole)(nil)}
}

// SubjectID derives the stable subject id for an email address.
func SubjectID(email string) (string, error) {
	id, err := hashid.NewUUID(accounts.NormalizeEmail(email))
	if err != nil {
		return "", err
	}
	return "local|" + id.String(), nil
}

func (a *Authority) CreateSubject(ctx context.Context, req accounts.SubjectRequest) (string, error) {
	if req.Password == "" {
		return "", goerrors.New("password is required", goerrors.CategoryValidation).
			WithTextCode(accounts.TextCodeValidation)
	}

	email := accounts.NormalizeEmail(req.Email)
	id, err := SubjectID(email)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to derive subject id")
	}

	hash, err := accounts.HashPassword(req.Password)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash password")
	}

	now := a.now()
	subject := &Subject{
		ID:            id,
		Email:         email,
		PasswordHash:  hash,
		FirstName:     req.FirstName,
		LastName:      req.LastName,
		EmailVerified: req.EmailVerified,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if _, err := a.db.NewInsert().Model(subject).Exec(ctx); err != nil {
		if accounts.IsUniqueViolation(a.db, err) {
			return "", accounts.ErrUserExists
		}
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to store subject")
	}
	return id, nil
}

func (a *Authority) CreateSubjectWithTemporaryPassword(ctx context.Context, req accounts.SubjectRequest) (string, string, error) {
	temp, err := accounts.GenerateTemporaryPassword(16)
	if err != nil {
		return "", "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate temporary password")
	}
	req.Password = temp
	id, err := a.CreateSubject(ctx, req)
	if err != nil {
		return "", "", err
	}
	return id, temp, nil
}

// DeleteSubject removes the subject and its roles. Deleting an unknown
// subject reports Subject.NotFound.
func (a *Authority) DeleteSubject(ctx context.Context, subjectID string) error {
	return a.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*SubjectRole)(nil)).Where("subject_id = ?", subjectID).Exec(ctx); err != nil {
			return err
		}
		res, err := tx.NewDelete().Model((*Subject)(nil)).Where("id = ?", subjectID).Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return accounts.ErrSubjectNotFound
		}
		return nil
	})
}

func (a *Authority) ActivateSubject(ctx context.Context, subjectID string) error {
	return a.set(ctx, subjectID, "blocked = ?", false)
}

func (a *Authority) DeactivateSubject(ctx context.Context, subjectID string) error {
	return a.set(ctx, subjectID, "blocked = ?", true)
}

func (a *Authority) MarkEmailVerified(ctx context.Context, subjectID string) error {
	return a.set(ctx, subjectID, "email_verified = ?", true)
}

// AssignRole is idempotent.
func (a *Authority) AssignRole(ctx context.Context, subjectID string, role accounts.Role) error {
	if _, err := a.Find(ctx, subjectID); err != nil {
		return err
	}
	_, err := a.db.NewInsert().
		Model(&SubjectRole{SubjectID: subjectID, Role: role}).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	return err
}

// Find returns a stored subject.
func (a *Authority) Find(ctx context.Context, subjectID string) (*Subject, error) {
	subject := &Subject{}
	err := a.db.NewSelect().Model(subject).Where("?TableAlias.id = ?", subjectID).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, accounts.ErrSubjectNotFound
		}
		return nil, err
	}
	return subject, nil
}

// Roles lists the roles granted to a subject.
func (a *Authority) Roles(ctx context.Context, subjectID string) ([]accounts.Role, error) {
	var rows []SubjectRole
	if err := a.db.NewSelect().Model(&rows).Where("subject_id = ?", subjectID).Order("role ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]accounts.Role, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Role)
	}
	return out, nil
}

// Authenticate checks a password against the stored hash. Blocked subjects
// never authenticate.
func (a *Authority) Authenticate(ctx context.Context, email, password string) (*Subject, error) {
	subject := &Subject{}
	err := a.db.NewSelect().Model(subject).Where("?TableAlias.email = ?", accounts.NormalizeEmail(email)).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, accounts.ErrInvalidCredentials
		}
		return nil, err
	}
	if subject.Blocked {
		return nil, accounts.ErrUserInactive
	}
	if err := accounts.ComparePasswordAndHash(password, subject.PasswordHash); err != nil {
		return nil, accounts.ErrInvalidCredentials
	}
	return subject, nil
}

func (a *Authority) set(ctx context.Context, subjectID, expr string, value bool) error {
	res, err := a.db.NewUpdate().
		Model((*Subject)(nil)).
		Set(expr, value).
		Set("updated_at = ?", a.now()).
		Where("id = ?", subjectID).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return accounts.ErrSubjectNotFound
	}
	return nil
}
