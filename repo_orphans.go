package accounts

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// OrphanedSubjects tracks credential subjects left behind by failed compensation.
type OrphanedSubjects interface {
	Record(ctx context.Context, tx bun.IDB, subjectID, email, reason string, at time.Time) error
	List(ctx context.Context, tx bun.IDB, limit int) ([]*OrphanedSubject, error)
	Resolve(ctx context.Context, tx bun.IDB, subjectID string) error
}

type orphanedSubjects struct{}

func NewOrphanedSubjectsRepository() OrphanedSubjects {
	return &orphanedSubjects{}
}

func (r *orphanedSubjects) Record(ctx context.Context, tx bun.IDB, subjectID, email, reason string, at time.Time) error {
	rec := &OrphanedSubject{
		ID:            uuid.New(),
		SubjectID:     subjectID,
		Email:         NormalizeEmail(email),
		Reason:        reason,
		Attempts:      1,
		CreatedAt:     at,
		LastAttemptAt: at,
	}
	_, err := tx.NewInsert().
		Model(rec).
		On("CONFLICT (subject_id) DO UPDATE").
		Set("attempts = ?TableAlias.attempts + 1").
		Set("reason = EXCLUDED.reason").
		Set("last_attempt_at = EXCLUDED.last_attempt_at").
		Exec(ctx)
	return err
}

func (r *orphanedSubjects) List(ctx context.Context, tx bun.IDB, limit int) ([]*OrphanedSubject, error) {
	var out []*OrphanedSubject
	q := tx.NewSelect().Model(&out).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil && !isNotFound(err) {
		return nil, err
	}
	return out, nil
}

func (r *orphanedSubjects) Resolve(ctx context.Context, tx bun.IDB, subjectID string) error {
	_, err := tx.NewDelete().
		Model((*OrphanedSubject)(nil)).
		Where("subject_id = ?", subjectID).
		Exec(ctx)
	return err
}
