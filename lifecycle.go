package accounts

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// UserLifecycle activates, deactivates and deletes accounts. The credential
// authority is always changed before the local store so that a local failure
// leaves the stricter state at the authority.
type UserLifecycle struct {
	repo      RepositoryManager
	authority CredentialAuthority
	logger    Logger
	now       func() time.Time
}

func NewUserLifecycle(repo RepositoryManager, authority CredentialAuthority, logger Logger) *UserLifecycle {
	return &UserLifecycle{
		repo:      repo,
		authority: authority,
		logger:    resolveLogger(logger),
		now:       time.Now,
	}
}

func (l *UserLifecycle) Activate(ctx context.Context, actor Actor, userID uuid.UUID) error {
	user, err := l.load(ctx, actor, userID)
	if err != nil {
		return err
	}

	if err := l.authority.ActivateSubject(ctx, user.SubjectID); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "credential authority could not activate subject")
	}

	if err := l.repo.Users().SetActiveTx(ctx, l.repo.DB(), user.ID, true); err != nil {
		return asRichError(err, "failed to activate user")
	}

	l.logger.Info("user %s activated by %s", user.ID, actor.UserID)
	return nil
}

// Deactivate disables the account and revokes its refresh tokens.
func (l *UserLifecycle) Deactivate(ctx context.Context, actor Actor, userID uuid.UUID) error {
	user, err := l.load(ctx, actor, userID)
	if err != nil {
		return err
	}

	if err := l.authority.DeactivateSubject(ctx, user.SubjectID); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "credential authority could not deactivate subject")
	}

	err = l.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := l.repo.Users().SetActiveTx(ctx, tx, user.ID, false); err != nil {
			return err
		}
		return l.repo.RefreshTokens().RevokeAllForUserTx(ctx, tx, user.ID, l.now())
	})
	if err != nil {
		return asRichError(err, "failed to deactivate user")
	}

	l.logger.Info("user %s deactivated by %s", user.ID, actor.UserID)
	return nil
}

// DeletePermanently removes the local account, then the subject. A subject
// that cannot be deleted is recorded as orphaned.
func (l *UserLifecycle) DeletePermanently(ctx context.Context, actor Actor, userID uuid.UUID) error {
	user, err := l.load(ctx, actor, userID)
	if err != nil {
		return err
	}
	if user.ID == actor.UserID {
		return ErrUserAdminForbidden
	}

	err = l.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return l.repo.Users().DeleteAccountTx(ctx, tx, user.ID)
	})
	if err != nil {
		return asRichError(err, "failed to delete user")
	}

	err = l.authority.DeleteSubject(ctx, user.SubjectID)
	if err != nil && !goerrors.Is(err, ErrSubjectNotFound) && !HasTextCode(err, TextCodeSubjectNotFound) {
		l.logger.Error("ORPHANED credential subject %s (%s) after account deletion: %v", user.SubjectID, user.Email, err)
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := l.repo.OrphanedSubjects().Record(rctx, l.repo.DB(), user.SubjectID, user.Email, "delete_account: "+err.Error(), l.now()); rerr != nil {
			l.logger.Error("failed to record orphaned subject %s: %v", user.SubjectID, rerr)
		}
		return goerrors.Wrap(err, goerrors.CategoryOperation, "local account deleted but the credential subject remains")
	}

	l.logger.Info("user %s deleted by %s", user.ID, actor.UserID)
	return nil
}

func (l *UserLifecycle) load(ctx context.Context, actor Actor, userID uuid.UUID) (*User, error) {
	if actor.IsZero() {
		return nil, ErrUnauthorized
	}
	if !actor.HasRole(RoleSystemAdmin) {
		return nil, ErrUserAdminForbidden
	}
	user, err := l.repo.Users().FindByIDTx(ctx, l.repo.DB(), userID)
	if err != nil {
		return nil, asRichError(err, "failed to load user")
	}
	return user, nil
}
