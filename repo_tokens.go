package accounts

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type RefreshTokens interface {
	InsertTx(ctx context.Context, tx bun.IDB, token *RefreshToken) error
	FindByHashTx(ctx context.Context, tx bun.IDB, hash string) (*RefreshToken, error)
	RevokeTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) (bool, error)
	RevokeAllForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, at time.Time) error
}

type refreshTokens struct{}

func NewRefreshTokensRepository() RefreshTokens {
	return &refreshTokens{}
}

func (r *refreshTokens) InsertTx(ctx context.Context, tx bun.IDB, token *RefreshToken) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	_, err := tx.NewInsert().Model(token).Exec(ctx)
	return err
}

func (r *refreshTokens) FindByHashTx(ctx context.Context, tx bun.IDB, hash string) (*RefreshToken, error) {
	rec := &RefreshToken{}
	if err := selectOne(ctx, tx, rec, "token_hash", hash); err != nil {
		return nil, notFoundAs(err, ErrInvalidRefreshToken)
	}
	return rec, nil
}

func (r *refreshTokens) RevokeTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*RefreshToken)(nil)).
		Set("revoked_at = ?", at).
		Where("id = ?", id).
		Where("revoked_at IS NULL").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *refreshTokens) RevokeAllForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, at time.Time) error {
	_, err := tx.NewUpdate().
		Model((*RefreshToken)(nil)).
		Set("revoked_at = ?", at).
		Where("user_id = ?", userID).
		Where("revoked_at IS NULL").
		Exec(ctx)
	return err
}

type EmailVerifications interface {
	InsertTx(ctx context.Context, tx bun.IDB, v *EmailVerification) error
	FindByHashTx(ctx context.Context, tx bun.IDB, hash string) (*EmailVerification, error)
	MarkUsedTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) (bool, error)
}

type emailVerifications struct{}

func NewEmailVerificationsRepository() EmailVerifications {
	return &emailVerifications{}
}

func (r *emailVerifications) InsertTx(ctx context.Context, tx bun.IDB, v *EmailVerification) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.Status == "" {
		v.Status = VerificationRequestedStatus
	}
	_, err := tx.NewInsert().Model(v).Exec(ctx)
	return err
}

func (r *emailVerifications) FindByHashTx(ctx context.Context, tx bun.IDB, hash string) (*EmailVerification, error) {
	rec := &EmailVerification{}
	if err := selectOne(ctx, tx, rec, "token_hash", hash); err != nil {
		return nil, notFoundAs(err, ErrVerificationInvalid)
	}
	return rec, nil
}

func (r *emailVerifications) MarkUsedTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*EmailVerification)(nil)).
		Set("status = ?", VerificationUsedStatus).
		Set("used_at = ?", at).
		Where("id = ?", id).
		Where("status = ?", VerificationRequestedStatus).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
