package accounts

import (
	"context"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Users interface {
	repository.Repository[*User]

	InsertTx(ctx context.Context, tx bun.IDB, user *User) (*User, error)
	FindByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error)
	FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*User, error)
	FindBySubjectTx(ctx context.Context, tx bun.IDB, subjectID string) (*User, error)
	ExistsByEmailTx(ctx context.Context, tx bun.IDB, email string) (bool, error)

	RolesTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) ([]Role, error)
	GrantRoleTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, role Role) (bool, error)

	ConfirmEmailTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error
	SetActiveTx(ctx context.Context, tx bun.IDB, id uuid.UUID, active bool) error
	TrackSuccessfulLoginTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error
	DeleteAccountTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error
}

type users struct {
	repository.Repository[*User]
	db  *bun.DB
	now func() time.Time
}

var (
	_ Users                        = (*users)(nil)
	_ repository.Repository[*User] = (*users)(nil)
)

func NewUsersRepository(db *bun.DB) Users {
	repo := repository.NewRepository[*User](db, repository.ModelHandlers[*User]{
		NewRecord: func() *User { return &User{} },
		GetID: func(u *User) uuid.UUID {
			if u == nil {
				return uuid.Nil
			}
			return u.ID
		},
		SetID: func(u *User, id uuid.UUID) {
			if u != nil {
				u.ID = id
			}
		},
		GetIdentifier: func() string {
			return "email"
		},
	})

	return &users{
		Repository: repo,
		db:         db,
		now:        time.Now,
	}
}

func (a *users) InsertTx(ctx context.Context, tx bun.IDB, user *User) (*User, error) {
	prepareUserDefaults(user, a.now())
	if _, err := tx.NewInsert().Model(user).Exec(ctx); err != nil {
		if IsUniqueViolation(tx, err) {
			return nil, ErrUserExists
		}
		return nil, err
	}

	for _, role := range user.Roles {
		if _, err := a.GrantRoleTx(ctx, tx, user.ID, role); err != nil {
			return nil, err
		}
	}

	return user, nil
}

func (a *users) FindByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error) {
	return a.findOne(ctx, tx, "lower(?TableAlias.email) = ?", NormalizeEmail(email))
}

func (a *users) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*User, error) {
	return a.findOne(ctx, tx, "?TableAlias.id = ?", id)
}

func (a *users) FindBySubjectTx(ctx context.Context, tx bun.IDB, subjectID string) (*User, error) {
	return a.findOne(ctx, tx, "?TableAlias.subject_id = ?", subjectID)
}

func (a *users) findOne(ctx context.Context, tx bun.IDB, where string, arg any) (*User, error) {
	record := &User{}
	err := tx.NewSelect().
		Model(record).
		Where(where, arg).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	if record.Roles, err = a.RolesTx(ctx, tx, record.ID); err != nil {
		return nil, err
	}

	return record, nil
}

func (a *users) ExistsByEmailTx(ctx context.Context, tx bun.IDB, email string) (bool, error) {
	return tx.NewSelect().
		Model((*User)(nil)).
		Where("lower(?TableAlias.email) = ?", NormalizeEmail(email)).
		Exists(ctx)
}

func (a *users) RolesTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) ([]Role, error) {
	var names []string
	err := tx.NewSelect().
		Model((*UserRoleGrant)(nil)).
		Column("role").
		Where("?TableAlias.user_id = ?", userID).
		Order("role ASC").
		Scan(ctx, &names)
	if err != nil && !isNotFound(err) {
		return nil, err
	}

	roles := make([]Role, 0, len(names))
	for _, n := range names {
		roles = append(roles, Role(n))
	}
	return roles, nil
}

// GrantRoleTx is idempotent. It reports whether a new grant was written.
func (a *users) GrantRoleTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, role Role) (bool, error) {
	grant := &UserRoleGrant{
		UserID:    userID,
		Role:      role,
		CreatedAt: a.now(),
	}

	res, err := tx.NewInsert().
		Model(grant).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (a *users) ConfirmEmailTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error {
	_, err := tx.NewRaw(`
		UPDATE "users"
		SET
			"email_confirmed" = TRUE,
			"updated_at" = ?
		WHERE "id" = ?;
	`, a.now(), id).Exec(ctx)
	return err
}

func (a *users) SetActiveTx(ctx context.Context, tx bun.IDB, id uuid.UUID, active bool) error {
	res, err := tx.NewUpdate().
		Model((*User)(nil)).
		Set("is_active = ?", active).
		Set("updated_at = ?", a.now()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (a *users) TrackSuccessfulLoginTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error {
	_, err := tx.NewRaw(`
		UPDATE "users"
		SET "loggedin_at" = ?
		WHERE "id" = ?;
	`, a.now(), id).Exec(ctx)
	return err
}

// DeleteAccountTx removes the user and everything that hangs off it.
// Assignments are kept as coaching history.
func (a *users) DeleteAccountTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error {
	owned := []any{
		(*UserRoleGrant)(nil),
		(*StudentProfile)(nil),
		(*TeacherProfile)(nil),
		(*ParentProfile)(nil),
		(*InstitutionAdmin)(nil),
		(*RefreshToken)(nil),
		(*EmailVerification)(nil),
		(*UserIdentifier)(nil),
	}
	for _, model := range owned {
		if _, err := tx.NewDelete().Model(model).Where("user_id = ?", id).Exec(ctx); err != nil {
			return err
		}
	}

	res, err := tx.NewDelete().Model((*User)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func prepareUserDefaults(record *User, now time.Time) {
	if record == nil {
		return
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	record.Email = NormalizeEmail(record.Email)
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
}
