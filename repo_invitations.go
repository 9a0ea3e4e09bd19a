package accounts

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Invitations interface {
	InsertTx(ctx context.Context, tx bun.IDB, inv *Invitation) (*Invitation, error)
	FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Invitation, error)
	FindPendingTx(ctx context.Context, tx bun.IDB, email string, kind InvitationType, targetID uuid.UUID) (*Invitation, error)
	ListPendingForEmailTx(ctx context.Context, tx bun.IDB, email string) ([]*Invitation, error)
	// TransitionTx moves a row out of pending. It only matches rows still in
	// the expected state and reports whether the update applied.
	TransitionTx(ctx context.Context, tx bun.IDB, id uuid.UUID, from, to InvitationStatus, at time.Time) (bool, error)
}

type invitations struct{}

func NewInvitationsRepository() Invitations {
	return &invitations{}
}

func (r *invitations) InsertTx(ctx context.Context, tx bun.IDB, inv *Invitation) (*Invitation, error) {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	inv.InviteeEmail = NormalizeEmail(inv.InviteeEmail)
	if _, err := tx.NewInsert().Model(inv).Exec(ctx); err != nil {
		if IsUniqueViolation(tx, err) {
			return nil, duplicateInvitationError(inv.Type)
		}
		return nil, err
	}
	return inv, nil
}

func (r *invitations) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Invitation, error) {
	rec := &Invitation{}
	if err := selectOne(ctx, tx, rec, "id", id); err != nil {
		return nil, notFoundAs(err, ErrInvitationNotFound)
	}
	return rec, nil
}

func (r *invitations) FindPendingTx(ctx context.Context, tx bun.IDB, email string, kind InvitationType, targetID uuid.UUID) (*Invitation, error) {
	rec := &Invitation{}
	err := tx.NewSelect().
		Model(rec).
		Where("?TableAlias.invitee_email = ?", NormalizeEmail(email)).
		Where("?TableAlias.type = ?", kind).
		Where("?TableAlias.target_id = ?", targetID).
		Where("?TableAlias.status = ?", InvitationPending).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFoundAs(err, ErrInvitationNotFound)
	}
	return rec, nil
}

func (r *invitations) ListPendingForEmailTx(ctx context.Context, tx bun.IDB, email string) ([]*Invitation, error) {
	var out []*Invitation
	err := tx.NewSelect().
		Model(&out).
		Where("?TableAlias.invitee_email = ?", NormalizeEmail(email)).
		Where("?TableAlias.status = ?", InvitationPending).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	return out, nil
}

func (r *invitations) TransitionTx(ctx context.Context, tx bun.IDB, id uuid.UUID, from, to InvitationStatus, at time.Time) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*Invitation)(nil)).
		Set("status = ?", to).
		Set("responded_at = ?", at).
		Where("id = ?", id).
		Where("status = ?", from).
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

func duplicateInvitationError(kind InvitationType) error {
	if kind == InvitationTeacherToInstitution {
		return ErrDuplicateTeacherInvitation
	}
	return ErrDuplicateStudentInvitation
}
