package accounts

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// AssignmentService manages teacher/student relationships outside of the
// invitation flow.
type AssignmentService struct {
	repo   RepositoryManager
	logger Logger
	now    func() time.Time
}

type AssignmentOption func(*AssignmentService)

func WithAssignmentClock(now func() time.Time) AssignmentOption {
	return func(s *AssignmentService) {
		if now != nil {
			s.now = now
		}
	}
}

func WithAssignmentLogger(logger Logger) AssignmentOption {
	return func(s *AssignmentService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewAssignmentService(repo RepositoryManager, opts ...AssignmentOption) *AssignmentService {
	s := &AssignmentService{
		repo:   repo,
		logger: defLogger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Assign links a teacher and a student of the caller's institution. System
// administrators may link any pair.
func (s *AssignmentService) Assign(ctx context.Context, actor Actor, msg AssignMessage) (*TeacherStudentAssignment, error) {
	if actor.IsZero() {
		return nil, ErrUnauthorized
	}
	if !actor.HasRole(RoleSystemAdmin, RoleInstitutionAdmin, RoleInstitutionOwner) {
		return nil, ErrAssignmentForbidden
	}
	if err := msg.Validate(); err != nil {
		return nil, validationFailed(err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	var out *TeacherStudentAssignment
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		profiles := s.repo.Profiles()

		teacher, err := profiles.TeacherByIDTx(ctx, tx, msg.TeacherID)
		if err != nil {
			return err
		}
		student, err := profiles.StudentByIDTx(ctx, tx, msg.StudentID)
		if err != nil {
			return err
		}

		institutionID := student.InstitutionID
		if !actor.HasRole(RoleSystemAdmin) {
			admin, err := profiles.InstitutionAdminByUserTx(ctx, tx, actor.UserID)
			if err != nil {
				if goerrors.Is(err, ErrInstitutionNotFound) {
					return ErrAssignmentForbidden
				}
				return err
			}
			if !sameInstitution(teacher.InstitutionID, admin.InstitutionID) ||
				!sameInstitution(student.InstitutionID, admin.InstitutionID) {
				return ErrAssignmentForbidden
			}
			id := admin.InstitutionID
			institutionID = &id
		}

		if _, err := s.repo.Assignments().FindActiveTx(ctx, tx, teacher.ID, student.ID); err == nil {
			return ErrAssignmentExists
		} else if !goerrors.Is(err, ErrAssignmentNotFound) {
			return err
		}

		out, err = s.insertTx(ctx, tx, teacher.ID, student.ID, institutionID, actor.UserID)
		return err
	})
	if err != nil {
		return nil, asRichError(err, "failed to assign student")
	}

	s.logger.Info("assigned student %s to teacher %s", out.StudentID, out.TeacherID)
	return out, nil
}

// End closes an active assignment. Either party or an administrator may end it.
func (s *AssignmentService) End(ctx context.Context, actor Actor, assignmentID uuid.UUID) (*TeacherStudentAssignment, error) {
	if actor.IsZero() {
		return nil, ErrUnauthorized
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	var out *TeacherStudentAssignment
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		a, err := s.repo.Assignments().FindByIDTx(ctx, tx, assignmentID)
		if err != nil {
			return err
		}
		if err := s.canEnd(ctx, tx, actor, a); err != nil {
			return err
		}

		at := s.now()
		ended, err := s.repo.Assignments().EndTx(ctx, tx, a.ID, at)
		if err != nil {
			return err
		}
		if !ended {
			return ErrAssignmentNotFound
		}
		a.EndedAt = &at
		out = a
		return nil
	})
	if err != nil {
		return nil, asRichError(err, "failed to end assignment")
	}
	return out, nil
}

func (s *AssignmentService) canEnd(ctx context.Context, tx bun.IDB, actor Actor, a *TeacherStudentAssignment) error {
	if actor.HasRole(RoleSystemAdmin) {
		return nil
	}

	profiles := s.repo.Profiles()
	if t, err := profiles.TeacherByUserTx(ctx, tx, actor.UserID); err == nil && t.ID == a.TeacherID {
		return nil
	}
	if st, err := profiles.StudentByUserTx(ctx, tx, actor.UserID); err == nil && st.ID == a.StudentID {
		return nil
	}
	if actor.HasRole(RoleInstitutionAdmin, RoleInstitutionOwner) && a.InstitutionID != nil {
		admin, err := profiles.InstitutionAdminByUserTx(ctx, tx, actor.UserID)
		if err == nil && admin.InstitutionID == *a.InstitutionID {
			return nil
		}
	}
	return ErrAssignmentForbidden
}

// ensureActiveTx returns the active assignment for the pair, creating it when
// missing. Replays of the same acceptance never produce a second row.
func (s *AssignmentService) ensureActiveTx(ctx context.Context, tx bun.IDB, teacherID, studentID uuid.UUID, institutionID *uuid.UUID, createdBy uuid.UUID) (*TeacherStudentAssignment, error) {
	existing, err := s.repo.Assignments().FindActiveTx(ctx, tx, teacherID, studentID)
	if err == nil {
		return existing, nil
	}
	if !goerrors.Is(err, ErrAssignmentNotFound) {
		return nil, err
	}
	return s.insertTx(ctx, tx, teacherID, studentID, institutionID, createdBy)
}

func (s *AssignmentService) insertTx(ctx context.Context, tx bun.IDB, teacherID, studentID uuid.UUID, institutionID *uuid.UUID, createdBy uuid.UUID) (*TeacherStudentAssignment, error) {
	return s.repo.Assignments().InsertTx(ctx, tx, &TeacherStudentAssignment{
		TeacherID:       teacherID,
		StudentID:       studentID,
		InstitutionID:   institutionID,
		CreatedByUserID: createdBy,
		StartedAt:       s.now(),
	})
}

func sameInstitution(id *uuid.UUID, want uuid.UUID) bool {
	return id != nil && *id == want
}
