package accounts

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

// EmailVerificationTTL bounds how long a verification token can be redeemed.
const EmailVerificationTTL = 24 * time.Hour

type ConfirmEmailHandler struct {
	repo      RepositoryManager
	authority CredentialAuthority
	notifier  EventNotifier
	logger    Logger
	now       func() time.Time
}

func NewConfirmEmailHandler(repo RepositoryManager, authority CredentialAuthority, notifier EventNotifier, logger Logger) *ConfirmEmailHandler {
	return &ConfirmEmailHandler{
		repo:      repo,
		authority: authority,
		notifier:  normalizeNotifier(notifier),
		logger:    resolveLogger(logger),
		now:       time.Now,
	}
}

func (h *ConfirmEmailHandler) Execute(ctx context.Context, msg ConfirmEmailMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled during email confirmation")
	default:
		return h.execute(ctx, msg)
	}
}

func (h *ConfirmEmailHandler) execute(ctx context.Context, msg ConfirmEmailMessage) error {
	if err := msg.Validate(); err != nil {
		return validationFailed(err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	db := h.repo.DB()
	verification, err := h.repo.EmailVerifications().FindByHashTx(ctx, db, HashOpaqueToken(msg.Token))
	if err != nil {
		return asRichError(err, "failed to retrieve email verification")
	}

	if verification.UserID != msg.UserID || verification.Status != VerificationRequestedStatus {
		return ErrVerificationInvalid
	}

	if h.now().Sub(verification.CreatedAt) > EmailVerificationTTL {
		return ErrVerificationExpired
	}

	user, err := h.repo.Users().FindByIDTx(ctx, db, msg.UserID)
	if err != nil {
		return asRichError(err, "failed to retrieve user")
	}

	// the authority call is idempotent, so a local failure below can be retried
	if err := h.authority.MarkEmailVerified(ctx, user.SubjectID); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "credential authority could not verify email")
	}

	err = h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		used, err := h.repo.EmailVerifications().MarkUsedTx(ctx, tx, verification.ID, h.now())
		if err != nil {
			return err
		}
		if !used {
			return ErrVerificationInvalid
		}
		return h.repo.Users().ConfirmEmailTx(ctx, tx, user.ID)
	})
	if err != nil {
		return asRichError(err, "failed to confirm email")
	}

	user.EmailConfirmed = true

	safePublish(ctx, h.notifier, h.logger, UserEmailConfirmedEvent{
		UserID:    user.ID,
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Role:      PrimaryRole(user.Roles),
	})

	return nil
}
