package accounts

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Assignments interface {
	InsertTx(ctx context.Context, tx bun.IDB, a *TeacherStudentAssignment) (*TeacherStudentAssignment, error)
	FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*TeacherStudentAssignment, error)
	FindActiveTx(ctx context.Context, tx bun.IDB, teacherID, studentID uuid.UUID) (*TeacherStudentAssignment, error)
	CountActiveTx(ctx context.Context, tx bun.IDB, teacherID, studentID uuid.UUID) (int, error)
	EndTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) (bool, error)
}

type assignments struct{}

func NewAssignmentsRepository() Assignments {
	return &assignments{}
}

func (r *assignments) InsertTx(ctx context.Context, tx bun.IDB, a *TeacherStudentAssignment) (*TeacherStudentAssignment, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if _, err := tx.NewInsert().Model(a).Exec(ctx); err != nil {
		if IsUniqueViolation(tx, err) {
			return nil, ErrAssignmentExists
		}
		return nil, err
	}
	return a, nil
}

func (r *assignments) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*TeacherStudentAssignment, error) {
	rec := &TeacherStudentAssignment{}
	if err := selectOne(ctx, tx, rec, "id", id); err != nil {
		return nil, notFoundAs(err, ErrAssignmentNotFound)
	}
	return rec, nil
}

func (r *assignments) FindActiveTx(ctx context.Context, tx bun.IDB, teacherID, studentID uuid.UUID) (*TeacherStudentAssignment, error) {
	rec := &TeacherStudentAssignment{}
	err := tx.NewSelect().
		Model(rec).
		Where("?TableAlias.teacher_id = ?", teacherID).
		Where("?TableAlias.student_id = ?", studentID).
		Where("?TableAlias.ended_at IS NULL").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFoundAs(err, ErrAssignmentNotFound)
	}
	return rec, nil
}

func (r *assignments) CountActiveTx(ctx context.Context, tx bun.IDB, teacherID, studentID uuid.UUID) (int, error) {
	return tx.NewSelect().
		Model((*TeacherStudentAssignment)(nil)).
		Where("?TableAlias.teacher_id = ?", teacherID).
		Where("?TableAlias.student_id = ?", studentID).
		Where("?TableAlias.ended_at IS NULL").
		Count(ctx)
}

func (r *assignments) EndTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*TeacherStudentAssignment)(nil)).
		Set("ended_at = ?", at).
		Where("id = ?", id).
		Where("ended_at IS NULL").
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
