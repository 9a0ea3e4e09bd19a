package accounts

import (
	"context"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Profiles gives access to the role specific aggregates owned by a user.
type Profiles interface {
	CreateStudentTx(ctx context.Context, tx bun.IDB, p *StudentProfile) (*StudentProfile, error)
	CreateTeacherTx(ctx context.Context, tx bun.IDB, p *TeacherProfile) (*TeacherProfile, error)
	CreateParentTx(ctx context.Context, tx bun.IDB, p *ParentProfile) (*ParentProfile, error)
	CreateInstitutionAdminTx(ctx context.Context, tx bun.IDB, p *InstitutionAdmin) (*InstitutionAdmin, error)

	StudentByUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (*StudentProfile, error)
	StudentByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*StudentProfile, error)
	TeacherByUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (*TeacherProfile, error)
	TeacherByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*TeacherProfile, error)
	InstitutionAdminByUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (*InstitutionAdmin, error)

	SetStudentInstitutionTx(ctx context.Context, tx bun.IDB, profileID, institutionID uuid.UUID) error
	SetTeacherInstitutionTx(ctx context.Context, tx bun.IDB, profileID, institutionID uuid.UUID) error
}

type profiles struct {
	now func() time.Time
}

func NewProfilesRepository() Profiles {
	return &profiles{now: time.Now}
}

func (p *profiles) CreateStudentTx(ctx context.Context, tx bun.IDB, rec *StudentProfile) (*StudentProfile, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.CreatedAt, rec.UpdatedAt = p.now(), p.now()
	if _, err := tx.NewInsert().Model(rec).Exec(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *profiles) CreateTeacherTx(ctx context.Context, tx bun.IDB, rec *TeacherProfile) (*TeacherProfile, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.CreatedAt, rec.UpdatedAt = p.now(), p.now()
	if _, err := tx.NewInsert().Model(rec).Exec(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *profiles) CreateParentTx(ctx context.Context, tx bun.IDB, rec *ParentProfile) (*ParentProfile, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.CreatedAt = p.now()
	if _, err := tx.NewInsert().Model(rec).Exec(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *profiles) CreateInstitutionAdminTx(ctx context.Context, tx bun.IDB, rec *InstitutionAdmin) (*InstitutionAdmin, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.CreatedAt = p.now()
	if _, err := tx.NewInsert().Model(rec).Exec(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *profiles) StudentByUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (*StudentProfile, error) {
	rec := &StudentProfile{}
	if err := selectOne(ctx, tx, rec, "user_id", userID); err != nil {
		return nil, notFoundAs(err, ErrStudentNotFound)
	}
	return rec, nil
}

func (p *profiles) StudentByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*StudentProfile, error) {
	rec := &StudentProfile{}
	if err := selectOne(ctx, tx, rec, "id", id); err != nil {
		return nil, notFoundAs(err, ErrStudentNotFound)
	}
	return rec, nil
}

func (p *profiles) TeacherByUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (*TeacherProfile, error) {
	rec := &TeacherProfile{}
	if err := selectOne(ctx, tx, rec, "user_id", userID); err != nil {
		return nil, notFoundAs(err, ErrTeacherNotFound)
	}
	return rec, nil
}

func (p *profiles) TeacherByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*TeacherProfile, error) {
	rec := &TeacherProfile{}
	if err := selectOne(ctx, tx, rec, "id", id); err != nil {
		return nil, notFoundAs(err, ErrTeacherNotFound)
	}
	return rec, nil
}

func (p *profiles) InstitutionAdminByUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (*InstitutionAdmin, error) {
	rec := &InstitutionAdmin{}
	if err := selectOne(ctx, tx, rec, "user_id", userID); err != nil {
		return nil, notFoundAs(err, ErrInstitutionNotFound)
	}
	return rec, nil
}

func (p *profiles) SetStudentInstitutionTx(ctx context.Context, tx bun.IDB, profileID, institutionID uuid.UUID) error {
	_, err := tx.NewUpdate().
		Model((*StudentProfile)(nil)).
		Set("institution_id = ?", institutionID).
		Set("updated_at = ?", p.now()).
		Where("id = ?", profileID).
		Exec(ctx)
	return err
}

func (p *profiles) SetTeacherInstitutionTx(ctx context.Context, tx bun.IDB, profileID, institutionID uuid.UUID) error {
	_, err := tx.NewUpdate().
		Model((*TeacherProfile)(nil)).
		Set("institution_id = ?", institutionID).
		Set("updated_at = ?", p.now()).
		Where("id = ?", profileID).
		Exec(ctx)
	return err
}

func NewInstitutionsRepository(db *bun.DB) repository.Repository[*Institution] {
	handlers := repository.ModelHandlers[*Institution]{
		NewRecord: func() *Institution {
			return &Institution{}
		},
		GetID: func(record *Institution) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return record.ID
		},
		SetID: func(record *Institution, id uuid.UUID) {
			record.ID = id
		},
		GetIdentifier: func() string {
			return "name"
		},
	}
	return repository.NewRepository(db, handlers)
}

// findInstitutionTx reads through the given transaction, unlike the generic
// repository which always uses the pool.
func findInstitutionTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Institution, error) {
	rec := &Institution{}
	if err := selectOne(ctx, tx, rec, "id", id); err != nil {
		return nil, notFoundAs(err, ErrInstitutionNotFound)
	}
	return rec, nil
}

func selectOne(ctx context.Context, tx bun.IDB, model any, column string, value any) error {
	return tx.NewSelect().
		Model(model).
		Where("?TableAlias.? = ?", bun.Ident(column), value).
		Limit(1).
		Scan(ctx)
}

func notFoundAs(err error, sentinel error) error {
	if isNotFound(err) {
		return sentinel
	}
	return err
}
